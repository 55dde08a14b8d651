package liveness

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	probes  int
	evicted bool
}

func (r *recorder) send() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
	return nil
}

func (r *recorder) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = true
}

func (r *recorder) state() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes, r.evicted
}

func TestSilentPeerIsEvicted(t *testing.T) {
	rec := &recorder{}
	p := Start(20*time.Millisecond, 30*time.Millisecond, rec.send, rec.evict)
	defer p.Stop()

	// interval + timeout + slack
	time.Sleep(120 * time.Millisecond)

	probes, evicted := rec.state()
	if probes == 0 {
		t.Error("no probe was sent")
	}
	if !evicted {
		t.Error("silent peer was not evicted")
	}
}

func TestAnsweringPeerSurvives(t *testing.T) {
	rec := &recorder{}
	p := Start(20*time.Millisecond, 60*time.Millisecond, rec.send, rec.evict)
	defer p.Stop()

	// Answer every probe promptly for several cycles
	deadline := time.Now().Add(200 * time.Millisecond)
	lastSeen := 0
	for time.Now().Before(deadline) {
		probes, _ := rec.state()
		if probes > lastSeen {
			lastSeen = probes
			p.Pong()
		}
		time.Sleep(5 * time.Millisecond)
	}

	probes, evicted := rec.state()
	if evicted {
		t.Error("answering peer was evicted")
	}
	if probes < 2 {
		t.Errorf("probe loop did not reschedule: %d probes", probes)
	}
}

func TestUnsolicitedPongDefersProbe(t *testing.T) {
	rec := &recorder{}
	p := Start(50*time.Millisecond, 50*time.Millisecond, rec.send, rec.evict)
	defer p.Stop()

	// Keep ponging before the interval elapses; no probe should fire
	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		p.Pong()
	}

	probes, evicted := rec.state()
	if probes != 0 {
		t.Errorf("probe fired despite constant pongs: %d", probes)
	}
	if evicted {
		t.Error("peer evicted despite constant pongs")
	}
}

func TestStopCancelsPending(t *testing.T) {
	rec := &recorder{}
	p := Start(20*time.Millisecond, 20*time.Millisecond, rec.send, rec.evict)
	p.Stop()

	time.Sleep(80 * time.Millisecond)

	probes, evicted := rec.state()
	if probes != 0 {
		t.Errorf("probe sent after Stop: %d", probes)
	}
	if evicted {
		t.Error("eviction fired after Stop")
	}

	// Stop again and pong after stop must be harmless
	p.Stop()
	p.Pong()
}
