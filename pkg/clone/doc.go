/*
Package clone coordinates peer-to-peer disk clone sessions.

A session pairs a source and a target node. Start issues mutually
trusted short-lived certificates and boots the source into a helper
environment; the source reports its listening endpoint, the target is
booted with that endpoint and streams the disk directly over mTLS,
posting progress callbacks. The controller holds only session state in
the store and is recoverable after a restart; cancellation is
cooperative through the nodes' next poll.
*/
package clone
