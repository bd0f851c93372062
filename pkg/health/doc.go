/*
Package health scores nodes and maintains alerts.

Status is a pure function of time since last contact; the score starts
at 100 and loses weighted penalties for staleness, install failures,
and boot instability. A minute ticker re-evaluates every non-retired
node, raising node_stale, node_offline, and low_health_score alerts
with at most one active alert per node and type, and auto-resolving
them when the node recovers. Separate loops write trend snapshots and
prune them past the retention window.
*/
package health
