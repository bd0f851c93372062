/*
Package workflow loads provisioning recipes and drives their execution.

The Store reads declarative YAML descriptors from a directory at startup
and resolves ${server}/${node_id}/${mac}/${ip}/${serial} placeholders per
request; unknown placeholders stay literal.

The Engine executes multi-step workflows (boot, script, reboot, wait,
cloud_init) against booted helper environments. All progress is
persisted: step deadlines live in the execution row and a scan loop
reconstructs timers after a restart, so no in-memory futures need to
survive one. Callbacks are idempotent on duplicate success.
*/
package workflow
