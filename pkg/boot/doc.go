/*
Package boot answers per-client boot-instruction requests.

A chain-loaded iPXE client fetches a plain-text script keyed by its MAC;
Raspberry Pi clients fetch a JSON instruction keyed by board serial. The
service joins the client to the registry's state machine and the
workflow catalog: unknown clients are auto-registered (when enabled),
pending nodes with a workflow get an install script, and everything else
falls through to local boot. Nodes stuck in installing beyond the
install timeout are reclassified through the install-failure helper
before the response is chosen.
*/
package boot
