// Package session models live relay connections and the registry that
// indexes them.
//
// A connection's role is inferred, not declared: it becomes a device when
// it sends a registration frame carrying a board identity, or a client when
// it sends a discovery or command frame carrying a user identity. The
// tagged union (Unregistered | Device | Client) replaces the duck-typed
// per-socket fields the browser-era protocol relied on.
//
// The registry deliberately does not enforce device-id uniqueness; a lookup
// returns the first match in connection order. Timer handles (liveness
// probe, token challenge) hang off the connection and are cancelled
// synchronously on removal.
package session
