/*
Package storage persists controller state to BoltDB.

One bucket per entity with JSON-encoded values. Append-only logs (state
transitions, lifecycle events, step results, health snapshots) live in
buckets keyed "<ownerID>/<seq>" with a big-endian sequence suffix, so a
prefix scan yields rows in append order.

BoltDB admits a single writer at a time, which gives per-node
serialization of state transitions without an explicit row-lock
protocol: UpdateNodeTx performs the read-validate-write cycle inside one
write transaction.
*/
package storage
