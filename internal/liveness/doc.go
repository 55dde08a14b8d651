// Package liveness implements the per-connection probe/evict loop that
// reclaims dead sockets. Boards behind NAT routinely disappear without a
// FIN, so the server proactively probes idle connections and evicts the
// ones that stop answering.
package liveness
