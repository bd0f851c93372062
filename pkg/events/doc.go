/*
Package events provides the in-process publish/subscribe broker.

Producers (state transitions, clone progress, health alerts) publish to
topics; consumers (WebSocket push, audit shippers) subscribe to a topic
or to everything. Delivery is best-effort with per-subscriber buffering;
a slow subscriber drops events rather than blocking producers.
*/
package events
