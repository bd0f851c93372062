/*
Package security implements the short-lived PKI for clone sessions.

A single session CA is created lazily, persisted in the store, and held
under a mutex while issuing. Each clone session gets two leaf
certificates, one per role, whose subjects embed the session id. Leaves
are valid for the expected session lifetime plus slack; private keys
live only with the session row and are zeroed when the session
terminates.
*/
package security
