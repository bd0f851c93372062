/*
Package metrics exposes Prometheus metrics for the controller.

Metric variables are package-level and registered in init; the HTTP API
mounts Handler() at /metrics. A periodic collector updates the gauges
that mirror stored state (node counts, session counts, active alerts).
*/
package metrics
