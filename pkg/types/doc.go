/*
Package types defines the PureBoot domain model shared by all packages.

The central entity is the Node, keyed by canonical MAC address (or board
serial for Raspberry Pi clients) and carried through a fixed lifecycle
state machine by the registry. Append-only NodeStateLog and NodeEvent
rows preserve the audit trail. Workflows describe provisioning recipes;
CloneSessions pair two nodes for a peer-to-peer disk copy; HealthAlert
and NodeHealthSnapshot back the health monitor.

All structs are JSON-serializable; the bbolt store persists them as JSON
values.
*/
package types
