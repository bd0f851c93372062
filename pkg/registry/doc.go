/*
Package registry owns node rows and enforces the lifecycle state machine.

Nodes are keyed by canonical MAC (lowercase, colons) or, for Raspberry
Pi clients, by 8-hex board serial. Every state change is validated
against a fixed directed graph and appended to an audit log; lifecycle
events reported by nodes land in a separate event log. A forced
transition to retired is accepted from any state.

Install failures are counted: the third consecutive failure moves a node
from installing to install_failed, and leaving install_failed again
requires force once the limit is reached.

The package also manages hierarchical device groups with materialized
paths and inherited provisioning settings.
*/
package registry
