// Package bridge exposes the command path over plain HTTP GET for callers
// that cannot hold a WebSocket open, such as home-automation hooks and
// shell scripts. A request is validated against a strict query contract,
// rewritten into a binary command frame under a server-minted correlation
// id, and routed like any other client command. Callers may long-poll for
// the board's response; unanswered polls are reaped on a timer.
package bridge
