package confirm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ferrule/boardlink/internal/logging"
	"github.com/ferrule/boardlink/internal/session"
)

const (
	// retryAge is how stale a pending message must be before it is resent
	retryAge = 1000 * time.Millisecond

	// maxAttempts caps resends; past it the message is silently dropped
	maxAttempts = 10
)

// Redispatch replays a tracked frame through the full router dispatch, as
// if it had just arrived from its origin connection. Replaying through the
// router (rather than raw resending) repeats the original side effects
// identically.
type Redispatch func(origin *session.Conn, raw []byte)

// Pending is one tracked message awaiting confirmation.
type Pending struct {
	MessageID uint32
	Raw       []byte
	Origin    *session.Conn
	Attempts  int
	LastSent  time.Time
	Disposed  bool
}

// Engine tracks confirmation-requested messages and retries them until a
// matching confirmation arrives or the attempt budget runs out.
type Engine struct {
	mu      sync.Mutex
	pending []*Pending

	now       func() time.Time
	exhausted atomic.Uint64
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// DeriveMessageID computes the 32-bit id for a confirmation-requested
// frame: the first four bytes (big-endian, absolute value as a Q31) of
// sha256(hex(raw) + unix-ms-string). Boards compute the acknowledgment
// against the id embedded in the forwarded frame, so the derivation itself
// only has to be unique enough, not reproducible on the far side.
func DeriveMessageID(raw []byte, now time.Time) uint32 {
	sum := sha256.Sum256([]byte(hex.EncodeToString(raw) + strconv.FormatInt(now.UnixMilli(), 10)))
	v := int64(int32(binary.BigEndian.Uint32(sum[:4])))
	if v < 0 {
		v = -v
	}
	return uint32(v)
}

// Track stores raw (the frame with msgID already embedded) for retry
// against origin.
func (e *Engine) Track(msgID uint32, raw []byte, origin *session.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, &Pending{
		MessageID: msgID,
		Raw:       raw,
		Origin:    origin,
		LastSent:  e.now(),
	})
}

// Confirm tombstones the pending entry carrying msgID. The confirmation's
// sender is deliberately not checked against the original recipient.
// Returns false when no live entry matches.
func (e *Engine) Confirm(msgID uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pending {
		if p.MessageID == msgID && !p.Disposed {
			p.Disposed = true
			return true
		}
	}
	return false
}

// Sweep performs one retry pass: every live entry older than the retry age
// is replayed through redispatch and its attempt count incremented; entries
// past the attempt budget are tombstoned with no notification to either
// party, and tombstones are purged.
func (e *Engine) Sweep(redispatch Redispatch) {
	now := e.now()

	e.mu.Lock()
	var due []*Pending
	for _, p := range e.pending {
		if !p.Disposed && now.Sub(p.LastSent) > retryAge {
			due = append(due, p)
		}
	}
	e.mu.Unlock()

	for _, p := range due {
		redispatch(p.Origin, p.Raw)

		e.mu.Lock()
		p.LastSent = now
		p.Attempts++
		if p.Attempts > maxAttempts {
			p.Disposed = true
			e.exhausted.Add(1)
			logging.Debug("Confirmation retries exhausted",
				zap.Uint32("msg_id", p.MessageID),
				zap.Int("attempts", p.Attempts),
			)
		}
		e.mu.Unlock()
	}

	// Purge tombstones
	e.mu.Lock()
	live := e.pending[:0]
	for _, p := range e.pending {
		if !p.Disposed {
			live = append(live, p)
		}
	}
	e.pending = live
	e.mu.Unlock()
}

// Len returns the number of live pending entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.pending {
		if !p.Disposed {
			n++
		}
	}
	return n
}

// Exhausted reports how many messages ran out of retries since startup.
// Internal observability only; neither party is ever notified.
func (e *Engine) Exhausted() uint64 {
	return e.exhausted.Load()
}
