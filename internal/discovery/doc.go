// Package discovery advertises the relay server over mDNS so boards on
// the same network can find it without a hardcoded address.
package discovery
