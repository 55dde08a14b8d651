// Package server assembles the relay: one HTTP listener serving both the
// WebSocket endpoint boards and admin clients speak over and the GET-based
// command bridge, plus the periodic sweeps that retry confirmations, decay
// rate counters, persist the blacklist and reap expired long-polls.
package server
