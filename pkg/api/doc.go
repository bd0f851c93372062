/*
Package api exposes the controller over HTTP.

Two audiences share the surface: booting machines fetch per-MAC iPXE
scripts and Pi JSON instructions and post lifecycle reports and step
callbacks, while operators manage nodes, groups, workflows, clone
sessions, and alerts. Machine boot responses are text/plain or bare
JSON; everything else uses a {success, data, message} envelope, with
errors as {detail} and domain errors mapped onto 400/404/409.
*/
package api
