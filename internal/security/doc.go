// Package security implements the relay's admission controls: the persisted
// IP blacklist, per-IP request rate accounting, and IPv4 address extraction.
//
// The blacklist is a JSON array of dotted-quad strings on disk. Mutations
// are cheap in-memory operations; persistence happens on a timer so an
// attacker hammering the server cannot amplify into disk I/O.
//
// Rate accounting uses decaying counters: every request bumps the sender's
// counter, a periodic sweep decrements all counters, and an IP whose counter
// is seen above the ceiling is banned. Separate tables cover WebSocket
// discovery requests and plain HTTP requests.
package security
