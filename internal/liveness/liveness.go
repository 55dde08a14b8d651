package liveness

import (
	"sync"
	"time"
)

// Probe drives the two-state liveness loop for one connection:
//
//	Idle --interval elapsed--> AwaitingPong (probe frame sent)
//	AwaitingPong --pong received--> Idle
//	AwaitingPong --timeout elapsed--> evicted
//
// It is the only mechanism that reclaims dead board sockets; embedded
// devices behind NAT often vanish without a TCP-level close.
type Probe struct {
	interval time.Duration
	timeout  time.Duration
	send     func() error
	evict    func()

	mu      sync.Mutex
	idle    *time.Timer
	waiting *time.Timer
	stopped bool
}

// Start begins the probe loop. send must write the probe frame to the peer;
// evict is invoked when the peer misses the response deadline. Both run on
// timer goroutines.
func Start(interval, timeout time.Duration, send func() error, evict func()) *Probe {
	p := &Probe{
		interval: interval,
		timeout:  timeout,
		send:     send,
		evict:    evict,
	}
	p.mu.Lock()
	p.idle = time.AfterFunc(interval, p.probe)
	p.mu.Unlock()
	return p
}

// probe fires when the idle timer elapses: send the probe and arm the
// eviction deadline.
func (p *Probe) probe() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.waiting = time.AfterFunc(p.timeout, p.expire)
	p.mu.Unlock()

	// A failed send is not an immediate eviction; the missed pong handles it
	_ = p.send()
}

func (p *Probe) expire() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.evict()
}

// Pong records a liveness answer: the eviction deadline is cancelled and
// the idle countdown restarts. Also called for unsolicited pongs, which
// simply push the next probe out.
func (p *Probe) Pong() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.waiting != nil {
		p.waiting.Stop()
		p.waiting = nil
	}
	if p.idle != nil {
		p.idle.Stop()
	}
	p.idle = time.AfterFunc(p.interval, p.probe)
}

// Stop cancels the loop. Safe to call more than once and after eviction.
func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.idle != nil {
		p.idle.Stop()
	}
	if p.waiting != nil {
		p.waiting.Stop()
	}
}
