package security

import "sync"

// RateTable counts requests per IP within a decaying window. Each Bump
// increments the IP's counter; a periodic Decay sweep decrements every
// counter and evicts the ones that reach zero, so sustained abuse is what
// trips the ceiling, not long-lived moderate use.
type RateTable struct {
	ceiling int

	mu    sync.Mutex
	times map[string]int
}

// NewRateTable creates a table that flags an IP once its counter has been
// observed above ceiling.
func NewRateTable(ceiling int) *RateTable {
	return &RateTable{
		ceiling: ceiling,
		times:   make(map[string]int),
	}
}

// Bump records one request from ip and reports whether the IP exceeded the
// ceiling. The comparison happens before the increment: a fresh entry needs
// ceiling+2 requests inside one window to trip, matching the deployed
// firmware's expectations of how many discovery retries are tolerated.
func (r *RateTable) Bump(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, seen := r.times[ip]
	if !seen {
		r.times[ip] = 0
		return false
	}
	r.times[ip] = count + 1
	return count > r.ceiling
}

// Decay decrements every counter and evicts entries at or below zero.
func (r *RateTable) Decay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, count := range r.times {
		count--
		if count <= 0 {
			delete(r.times, ip)
		} else {
			r.times[ip] = count
		}
	}
}

// Len returns the number of tracked IPs.
func (r *RateTable) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.times)
}
