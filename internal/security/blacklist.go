package security

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
)

// ipv4Pattern extracts a dotted-quad address from whatever form the
// transport reports (plain, host:port, or IPv4-mapped IPv6).
var ipv4Pattern = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)

// ExtractIPv4 pulls the first dotted-quad IPv4 address out of addr.
// Returns the empty string when none is present; callers treat that as a
// reason to terminate the connection.
func ExtractIPv4(addr string) string {
	return ipv4Pattern.FindString(addr)
}

// Blacklist is the persisted set of banned IPv4 addresses. Mutations only
// mark the set dirty; Flush writes the file, and the server calls it on a
// timer so a flood of bans cannot turn into a flood of disk writes.
type Blacklist struct {
	path string

	mu    sync.Mutex
	order []string
	ips   map[string]struct{}
	dirty bool
}

// LoadBlacklist reads the JSON array at path. A missing file or a file
// holding anything other than a JSON array yields an empty blacklist.
func LoadBlacklist(path string) *Blacklist {
	b := &Blacklist{
		path: path,
		ips:  make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return b
	}

	var ips []string
	if err := json.Unmarshal(data, &ips); err != nil {
		return b
	}
	for _, ip := range ips {
		if _, seen := b.ips[ip]; !seen {
			b.ips[ip] = struct{}{}
			b.order = append(b.order, ip)
		}
	}
	return b
}

// Contains reports whether ip is banned.
func (b *Blacklist) Contains(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, banned := b.ips[ip]
	return banned
}

// Add bans ip. A duplicate add is a no-op and does not dirty the set.
func (b *Blacklist) Add(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, seen := b.ips[ip]; seen {
		return
	}
	b.ips[ip] = struct{}{}
	b.order = append(b.order, ip)
	b.dirty = true
}

// Len returns the number of banned addresses.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Flush persists the set when it changed since the last flush.
func (b *Blacklist) Flush() error {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	snapshot := make([]string, len(b.order))
	copy(snapshot, b.order)
	b.dirty = false
	b.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write blacklist: %w", err)
	}
	return nil
}
