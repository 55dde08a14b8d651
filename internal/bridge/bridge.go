package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ferrule/boardlink/internal/codec"
	"github.com/ferrule/boardlink/internal/logging"
	"github.com/ferrule/boardlink/internal/protocol"
	"github.com/ferrule/boardlink/internal/security"
	"github.com/ferrule/boardlink/internal/session"
)

// confirmFlaggedCommand is the 0xBB command word with the confirmation
// request bits preset, sent when the caller passes confirm=.
const confirmFlaggedCommand = uint64(0xC0000000000000BB)

// maxWaitForResponse bounds the long-poll window a caller may request (ms).
const maxWaitForResponse = 10 * 1000

var (
	nonHex   = regexp.MustCompile(`[^a-fA-F0-9]`)
	nonDigit = regexp.MustCompile(`[^0-9]`)
)

// DispatchFunc injects a frame into the command router as if it had
// arrived over a WebSocket connection.
type DispatchFunc func(origin *session.Conn, raw []byte, isRepeat bool)

// waiter is one parked long-poll request. The handler goroutine blocks on
// result; the channel is closed unanswered when the deadline sweep reaps
// the entry.
type waiter struct {
	userID   string
	deadline time.Time
	result   chan string
}

// Bridge adapts GET-based command execution onto the binary command path.
// A request frame gets a server-minted correlation id in place of a client
// identity; a board's 0xFB response addressed to that id completes the
// parked HTTP request.
type Bridge struct {
	mu      sync.Mutex
	waiters []*waiter

	dispatch DispatchFunc
	origin   *session.Conn
	banned   *security.Blacklist
	visits   *security.RateTable

	now func() time.Time
}

// loopback is the transport behind the bridge's synthetic origin
// connection. Frames the router would echo back to an HTTP caller have no
// socket to land on.
type loopback struct{}

func (loopback) Send([]byte) error  { return nil }
func (loopback) Terminate()         {}
func (loopback) RemoteAddr() string { return "127.0.0.1:0" }

// New builds a bridge that feeds frames into dispatch and gates callers
// against the shared blacklist plus its own visitor rate table.
func New(dispatch DispatchFunc, banned *security.Blacklist, visits *security.RateTable) *Bridge {
	return &Bridge{
		dispatch: dispatch,
		origin:   session.NewConn(loopback{}, "http-bridge", "127.0.0.1"),
		banned:   banned,
		visits:   visits,
		now:      time.Now,
	}
}

// Routes registers the bridge endpoints on r behind the IP gate.
func (b *Bridge) Routes(r *mux.Router) {
	r.Use(b.gate)
	r.HandleFunc("/exec_provider", b.handleExec).Methods(http.MethodGet)
}

// gate drops requests from banned IPs and bans flooders. Rejected callers
// get their connection severed with no response, same as on the WebSocket
// side.
func (b *Bridge) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := security.ExtractIPv4(r.RemoteAddr)
		if ip == "" {
			abort(w)
			return
		}
		if b.banned.Contains(ip) {
			logging.Info("Banned IP attempted HTTP request", zap.String("ip", ip))
			abort(w)
			return
		}
		if b.visits.Bump(ip) {
			b.banned.Add(ip)
			logging.Info("IP banned for HTTP flooding", zap.String("ip", ip))
			abort(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// abort severs the underlying connection without writing a response.
func abort(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}

func (b *Bridge) handleExec(w http.ResponseWriter, r *http.Request) {
	body, parked := b.execProvider(r.URL.Query())
	if parked == nil {
		io.WriteString(w, body)
		return
	}

	select {
	case value, ok := <-parked:
		if !ok {
			// Reaped unanswered
			return
		}
		io.WriteString(w, value)
	case <-r.Context().Done():
		b.abandon(parked)
	}
}

// abandon drops a parked request whose caller disconnected before the board
// answered, so the entry does not linger until the reaping sweep.
func (b *Bridge) abandon(parked <-chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w.result == parked {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// execProvider validates the query contract, builds the synthetic command
// frame and routes it. The return is either a body to write immediately
// (an error string or the correlation id) or a channel to block on when
// the caller asked to wait for the board's response.
func (b *Bridge) execProvider(q url.Values) (string, <-chan string) {
	if !q.Has("tid") || !q.Has("cpid") || !q.Has("t") || !q.Has("hash") {
		return "invalid length of arguments", nil
	}

	tid := q.Get("tid")
	cpid := q.Get("cpid")
	ts := q.Get("t")
	key := q.Get("hash")

	if tid == "" || cpid == "" || ts == "" || key == "" {
		return "invalid arguments", nil
	}

	if len(tid) != 64 || len(key) != 64 {
		return "invalid length of tid or pid", nil
	}
	if nonHex.MatchString(tid) || nonHex.MatchString(key) {
		return "invalid char in tid or pid", nil
	}
	if nonDigit.MatchString(ts) || nonDigit.MatchString(cpid) {
		return "invalid char in t or pid", nil
	}

	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || t < 1e6 {
		return "invalid time", nil
	}

	cp, err := strconv.ParseInt(cpid, 10, 64)
	if err != nil || cp > 65535 {
		return "invalid pid", nil
	}

	var command any = uint8(protocol.OpCommand)
	if q.Get("confirm") != "" {
		command = confirmFlaggedCommand
	}

	sum := sha256.Sum256([]byte(strconv.FormatInt(b.now().UnixMilli(), 10)))
	fromID := hex.EncodeToString(sum[:])

	keyBytes, _ := hex.DecodeString(key)
	frame := codec.Encode(command, tid, fromID, t, keyBytes, uint64(cp))

	var parked chan string
	if wfr := q.Get("waitForResponse"); wfr != "" {
		if timeout, err := strconv.Atoi(wfr); err == nil && timeout > 0 && timeout < maxWaitForResponse {
			parked = make(chan string, 1)
			b.mu.Lock()
			b.waiters = append(b.waiters, &waiter{
				userID:   fromID,
				deadline: b.now().Add(time.Duration(timeout) * time.Millisecond),
				result:   parked,
			})
			b.mu.Unlock()
		}
	}

	logging.Debug("HTTP command accepted",
		zap.String("target", tid),
		zap.String("from", fromID),
		zap.Int64("provider", cp),
		zap.Bool("parked", parked != nil))

	b.dispatch(b.origin, frame, false)

	if parked != nil {
		return "", parked
	}
	return fromID, nil
}

// Resolve hands a board response to the parked request whose correlation
// id matches userID. It reports whether such a request exists; a claimed
// response with an unusable value leaves the request parked until the
// reaping sweep drops it.
func (b *Bridge) Resolve(userID string, value any) bool {
	b.mu.Lock()
	idx := -1
	for i, w := range b.waiters {
		if w.userID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return false
	}

	s, usable := convertValue(value)
	if !usable {
		b.mu.Unlock()
		return true
	}

	w := b.waiters[idx]
	b.waiters = append(b.waiters[:idx], b.waiters[idx+1:]...)
	b.mu.Unlock()

	w.result <- s
	close(w.result)
	return true
}

// Reap drops every parked request whose deadline has elapsed. The handler
// wakes up with a closed channel and finishes the response empty.
func (b *Bridge) Reap() {
	now := b.now()

	b.mu.Lock()
	live := b.waiters[:0]
	var expired []*waiter
	for _, w := range b.waiters {
		if now.After(w.deadline) {
			expired = append(expired, w)
		} else {
			live = append(live, w)
		}
	}
	b.waiters = live
	b.mu.Unlock()

	for _, w := range expired {
		close(w.result)
	}
	if len(expired) > 0 {
		logging.Debug("Reaped unanswered HTTP waiters", zap.Int("count", len(expired)))
	}
}

// Waiting returns the number of parked requests.
func (b *Bridge) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// convertValue normalizes a board response into a response body. Zero
// numbers show no usable value arrived and keep the request parked; byte
// payloads travel as hex.
func convertValue(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case []byte:
		return hex.EncodeToString(v), true
	case uint8:
		return convertInt(int64(v))
	case uint16:
		return convertInt(int64(v))
	case uint32:
		return convertInt(int64(v))
	case uint64:
		return convertInt(int64(v))
	case int8:
		return convertInt(int64(v))
	case int16:
		return convertInt(int64(v))
	case int32:
		return convertInt(int64(v))
	case int64:
		return convertInt(v)
	case float32:
		return convertFloat(float64(v))
	case float64:
		return convertFloat(v)
	default:
		return "", false
	}
}

func convertInt(n int64) (string, bool) {
	if n == 0 {
		return "", false
	}
	return strconv.FormatInt(n, 10), true
}

func convertFloat(f float64) (string, bool) {
	if f == 0 {
		return "", false
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true
}
