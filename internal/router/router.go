package router

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ferrule/boardlink/internal/codec"
	"github.com/ferrule/boardlink/internal/config"
	"github.com/ferrule/boardlink/internal/confirm"
	"github.com/ferrule/boardlink/internal/logging"
	"github.com/ferrule/boardlink/internal/ota"
	"github.com/ferrule/boardlink/internal/protocol"
	"github.com/ferrule/boardlink/internal/security"
	"github.com/ferrule/boardlink/internal/session"
)

const (
	// tokenChallengeDelay is how long after the registration reply the
	// challenge goes out, giving the board time to finish its boot chatter
	tokenChallengeDelay = 100 * time.Millisecond

	// tokenResponseTimeout is how long a challenged board has to answer
	tokenResponseTimeout = 1 * time.Second

	// tokenReplayWindow bounds the age of a challenge-response timestamp;
	// anything older is treated as a replayed digest
	tokenReplayWindow = 3 * time.Second
)

// ResponseWaiters resolves board responses against parked HTTP requests.
// Resolve reports whether a request was parked for userID; when it returns
// true the frame is consumed and must not be routed over WebSocket.
type ResponseWaiters interface {
	Resolve(userID string, value any) bool
}

// Router dispatches every inbound frame: it peels the command word, runs
// the confirmation bookkeeping for wide commands, and hands the frame to
// the matching operation.
type Router struct {
	cfg      *config.Config
	reg      *session.Registry
	confirms *confirm.Engine
	updates  *ota.Coordinator
	banned   *security.Blacklist
	finds    *security.RateTable
	waiters  ResponseWaiters

	// swappable for tests
	now            func() time.Time
	challengeBytes func() (byte, byte)
	afterFunc      func(d time.Duration, fn func()) *time.Timer
}

// New wires a router. waiters may be nil when the HTTP bridge is disabled.
func New(
	cfg *config.Config,
	reg *session.Registry,
	confirms *confirm.Engine,
	updates *ota.Coordinator,
	banned *security.Blacklist,
	finds *security.RateTable,
	waiters ResponseWaiters,
) *Router {
	return &Router{
		cfg:      cfg,
		reg:      reg,
		confirms: confirms,
		updates:  updates,
		banned:   banned,
		finds:    finds,
		waiters:  waiters,
		now:      time.Now,
		challengeBytes: func() (byte, byte) {
			return byte(rand.Intn(256)), byte(rand.Intn(256))
		},
		afterFunc: time.AfterFunc,
	}
}

// Dispatch routes one raw frame from conn. isRepeat marks a replay driven
// by the confirmation engine; replays skip the confirmation bookkeeping so
// a retry cannot re-track itself under a fresh id.
func (r *Router) Dispatch(conn *session.Conn, raw []byte, isRepeat bool) {
	if len(raw) < 2 {
		return
	}

	arr := codec.Decode(raw)
	if len(arr) == 0 {
		return
	}

	var op byte
	switch cmd := arr[0].(type) {
	case uint8:
		op = cmd
	case uint64:
		word := protocol.UnpackCommandWord(cmd)
		op = word.Opcode

		if !isRepeat {
			if word.NeedsConfirm() {
				msgID := confirm.DeriveMessageID(raw, r.now())
				word.MessageID = msgID
				arr[0] = word.Pack()
				raw = codec.Encode(arr...)
				r.confirms.Track(msgID, raw, conn)
			}
			if word.IsConfirm() {
				r.confirms.Confirm(word.MessageID)
			}
		}
	default:
		// Command must be one byte or eight
		return
	}

	switch op {
	case protocol.OpHello:
		conn.Send(codec.Encode(uint8(protocol.OpHelloReply)))

	case protocol.OpHelloReply:
		if p := conn.Liveness(); p != nil {
			p.Pong()
		}

	case protocol.OpRegister:
		r.handleRegister(conn, arr)

	case protocol.OpOTAStart:
		r.updates.HandleStart(conn, arr)

	case protocol.OpOTABlock:
		r.updates.HandleBlockRequest(conn, arr)

	case protocol.OpFindDevices:
		r.handleFindDevices(conn, arr, raw)

	case protocol.OpCommand:
		r.handleCommand(arr, raw)

	case protocol.OpFindResponse:
		r.handleFindResponse(conn, arr, raw)

	case protocol.OpLog:
		r.handleLog(arr, raw)

	default:
		logging.Debug("Unhandled command",
			zap.String("opcode", protocol.OpcodeName(op)),
			zap.String("session", conn.Session))
	}
}

// handleRegister covers both faces of 0x80: a board announcing itself
// after boot, and a challenged board answering the token challenge. Once a
// challenge has gone out on a connection, every further registration frame
// is read as a challenge response.
func (r *Router) handleRegister(conn *session.Conn, arr []any) {
	if conn.TokenChallengePending() {
		r.handleChallengeResponse(conn, arr)
		return
	}

	if len(arr) < 3 {
		return
	}

	id := asHexString(arr[1])
	owner := asHexString(arr[2])

	// Board id and owner:
	//   3  0x01 when booting freshly flashed firmware
	//   4  buffer of sub-user identities, or 0x00
	var subUsers []string
	if len(arr) > 4 {
		if buf, ok := arr[4].([]byte); ok {
			for _, v := range codec.Decode(buf) {
				if u, ok := v.([]byte); ok {
					subUsers = append(subUsers, hex.EncodeToString(u))
				}
			}
		}
	}

	conn.BecomeDevice(id, owner, subUsers)
	logging.Info("Board registered",
		zap.String("board", id),
		zap.String("owner", owner),
		zap.Int("sub_users", len(subUsers)))

	if len(arr) > 3 {
		if flag, ok := asInt(arr[3]); ok && flag == 0x01 {
			r.updates.CompleteReboot(id)
		}
	}

	// Time sync reply
	conn.Send(codec.Encode(protocol.OpRegister, r.now().UnixMilli()))

	if r.cfg.EnableTokenAuthorize {
		conn.SetTokenChallengeTimer(r.afterFunc(tokenChallengeDelay, func() {
			x, y := r.challengeBytes()
			conn.Send(codec.Encode(protocol.OpRegister, x, y))
			conn.SetTokenEvictTimer(r.afterFunc(tokenResponseTimeout, func() {
				conn.Terminate()
				logging.Info("Board evicted, no token challenge response",
					zap.String("board", conn.ID()))
			}))
		}))
	}
}

// handleChallengeResponse validates [0x80, t, digest] where digest is
// sha256(token + t) and t is the board's time-synced clock in unix ms.
func (r *Router) handleChallengeResponse(conn *session.Conn, arr []any) {
	if len(arr) != 3 {
		return
	}
	t, ok := asInt64(arr[1])
	if !ok {
		return
	}
	digest, ok := arr[2].([]byte)
	if !ok {
		return
	}

	if r.now().UnixMilli()-t > tokenReplayWindow.Milliseconds() {
		// The board's clock was synced moments ago, so a fresh digest
		// can never be this old
		logging.Info("Rejected stale token digest", zap.String("board", conn.ID()))
		return
	}

	sum := sha256.Sum256([]byte(r.cfg.Token + strconv.FormatInt(t, 10)))
	if hex.EncodeToString(sum[:]) != hex.EncodeToString(digest) {
		return
	}

	conn.ClearTokenEvict()
	logging.Info("Board passed token challenge", zap.String("board", conn.ID()))
}

// handleFindDevices broadcasts a discovery request to every board owned by
// the requesting user. Discovery is the only rate-limited operation: it is
// the cheapest way to scrape the device population, so abusive IPs get
// banned here.
func (r *Router) handleFindDevices(conn *session.Conn, arr []any, raw []byte) {
	if len(arr) != 5 {
		return
	}

	if r.banned.Contains(conn.IP) {
		conn.Terminate()
		logging.Info("Banned IP attempted discovery", zap.String("ip", conn.IP))
		return
	}

	if r.finds.Bump(conn.IP) {
		r.banned.Add(conn.IP)
		conn.Terminate()
		logging.Info("IP banned for discovery flooding", zap.String("ip", conn.IP))
		return
	}

	conn.BecomeClient(asHexString(arr[1]))

	userName := asHexString(arr[2])
	if userName == "" {
		return
	}
	for _, board := range r.reg.FindByUserName(userName) {
		board.Send(raw)
	}
}

// handleCommand forwards a command frame verbatim to the board it names.
func (r *Router) handleCommand(arr []any, raw []byte) {
	if len(arr) < 2 {
		return
	}
	if target := r.reg.FindByID(asHexString(arr[1])); target != nil {
		target.Send(raw)
	}
}

// handleFindResponse routes a board's self-description back to the client
// that asked, keeping the nickname for diagnostics along the way.
func (r *Router) handleFindResponse(conn *session.Conn, arr []any, raw []byte) {
	if len(arr) < 2 {
		return
	}
	if len(arr) > 6 {
		if nick, ok := arr[6].(string); ok {
			conn.SetNickname(nick)
		}
	}
	if target := r.reg.FindByID(asHexString(arr[1])); target != nil {
		target.Send(raw)
	}
}

// handleLog routes a board's log/response frame: a parked HTTP request for
// the named user consumes it, otherwise it is forwarded over WebSocket.
func (r *Router) handleLog(arr []any, raw []byte) {
	if len(arr) < 3 {
		return
	}

	if userID, ok := arr[2].(string); ok && r.waiters != nil {
		var value any
		if len(arr) > 3 {
			value = arr[3]
		}
		if r.waiters.Resolve(userID, value) {
			return
		}
	}

	if target := r.reg.FindByID(asHexString(arr[2])); target != nil {
		target.Send(raw)
	}
}

func asHexString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return hex.EncodeToString(s)
	default:
		return ""
	}
}

func asInt(v any) (int, bool) {
	n, ok := asInt64(v)
	return int(n), ok
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
