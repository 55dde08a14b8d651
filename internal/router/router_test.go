package router

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ferrule/boardlink/internal/codec"
	"github.com/ferrule/boardlink/internal/config"
	"github.com/ferrule/boardlink/internal/confirm"
	"github.com/ferrule/boardlink/internal/ota"
	"github.com/ferrule/boardlink/internal/protocol"
	"github.com/ferrule/boardlink/internal/security"
	"github.com/ferrule/boardlink/internal/session"
)

type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	terminated bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func (f *fakeTransport) RemoteAddr() string { return "192.0.2.1:1000" }

func (f *fakeTransport) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *fakeTransport) lastFrame(t *testing.T) []any {
	t.Helper()
	frames := f.frames()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	return codec.Decode(frames[len(frames)-1])
}

type fakeProbe struct {
	pongs int
	stops int
}

func (p *fakeProbe) Pong() { p.pongs++ }
func (p *fakeProbe) Stop() { p.stops++ }

type fakeWaiters struct {
	userID string
	got    any
	hit    bool
}

func (w *fakeWaiters) Resolve(userID string, value any) bool {
	if userID != w.userID {
		return false
	}
	w.got = value
	w.hit = true
	return true
}

type fixture struct {
	cfg      *config.Config
	reg      *session.Registry
	confirms *confirm.Engine
	updates  *ota.Coordinator
	waiters  *fakeWaiters
	router   *Router

	// timers captured instead of scheduled
	deferred []func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg:     config.Default(),
		reg:     session.NewRegistry(),
		waiters: &fakeWaiters{userID: "no-such-user"},
	}
	f.confirms = confirm.NewEngine()
	f.updates = ota.NewCoordinator(f.reg)
	banned := security.LoadBlacklist(filepath.Join(t.TempDir(), "blacklist.json"))
	finds := security.NewRateTable(f.cfg.MaxFindDeviceTimes)
	f.router = New(f.cfg, f.reg, f.confirms, f.updates, banned, finds, f.waiters)
	f.router.afterFunc = func(_ time.Duration, fn func()) *time.Timer {
		f.deferred = append(f.deferred, fn)
		return time.NewTimer(time.Hour)
	}
	return f
}

func (f *fixture) connect(ip string) (*session.Conn, *fakeTransport) {
	tr := &fakeTransport{}
	c := session.NewConn(tr, "test-session", ip)
	f.reg.Add(c)
	return c, tr
}

// fireDeferred runs and clears every captured timer callback.
func (f *fixture) fireDeferred() {
	fns := f.deferred
	f.deferred = nil
	for _, fn := range fns {
		fn()
	}
}

func registerBoard(f *fixture, id, owner string) (*session.Conn, *fakeTransport) {
	c, tr := f.connect("192.0.2.1")
	f.router.Dispatch(c, codec.Encode(uint8(protocol.OpRegister), id, owner), false)
	tr.clear()
	return c, tr
}

func TestHelloGetsReply(t *testing.T) {
	f := newFixture(t)
	c, tr := f.connect("192.0.2.1")

	f.router.Dispatch(c, codec.Encode(uint8(protocol.OpHello), uint8(0)), false)

	got := tr.lastFrame(t)
	if len(got) != 1 || got[0] != uint8(protocol.OpHelloReply) {
		t.Fatalf("reply = %v, want [0xc0]", got)
	}
}

func TestHelloReplyFeedsLiveness(t *testing.T) {
	f := newFixture(t)
	c, _ := f.connect("192.0.2.1")
	probe := &fakeProbe{}
	c.SetLiveness(probe)

	f.router.Dispatch(c, codec.Encode(uint8(protocol.OpHelloReply), uint8(0)), false)
	if probe.pongs != 1 {
		t.Fatalf("pongs = %d, want 1", probe.pongs)
	}
}

func TestRegisterAssignsIdentityAndSyncsTime(t *testing.T) {
	f := newFixture(t)
	c, tr := f.connect("192.0.2.1")

	users := codec.Encode([]byte{0xaa, 0xbb}, []byte{0xcc})
	raw := codec.Encode(uint8(protocol.OpRegister), "ab12", "alice", uint8(0), users)
	f.router.Dispatch(c, raw, false)

	if c.Role() != session.RoleDevice || c.ID() != "ab12" || c.UserName() != "alice" {
		t.Fatalf("identity = %v/%q/%q", c.Role(), c.ID(), c.UserName())
	}
	subs := c.SubUsers()
	if len(subs) != 2 || subs[0] != "aabb" || subs[1] != "cc" {
		t.Fatalf("sub-users = %v", subs)
	}

	got := tr.lastFrame(t)
	if got[0] != uint8(protocol.OpRegister) {
		t.Fatalf("time sync command = %v", got[0])
	}
	if _, ok := got[1].(uint64); !ok {
		t.Fatalf("time sync payload = %T, want uint64 ms", got[1])
	}
}

func TestRegisterAcceptsBinaryIdentity(t *testing.T) {
	f := newFixture(t)
	c, _ := f.connect("192.0.2.1")

	raw := codec.Encode(uint8(protocol.OpRegister), []byte{0xab, 0x12}, []byte{0xa1})
	f.router.Dispatch(c, raw, false)

	if c.ID() != "ab12" || c.UserName() != "a1" {
		t.Fatalf("identity = %q/%q, want hex forms", c.ID(), c.UserName())
	}
}

func TestRebootFlagClosesUpdateLoop(t *testing.T) {
	f := newFixture(t)
	adminConn, adminTr := f.connect("192.0.2.9")
	adminConn.BecomeClient("cd34")

	firmware := []byte{1, 2}
	sum := sha256.Sum256(firmware)
	f.updates.HandleStart(adminConn, []any{
		uint8(protocol.OpOTAStart), "ab12", "cd34", firmware,
		uint64(1), "key", uint8(1), hex.EncodeToString(sum[:]),
	})
	adminTr.clear()

	board, _ := f.connect("192.0.2.1")
	raw := codec.Encode(uint8(protocol.OpRegister), "ab12", "alice", uint8(1))
	f.router.Dispatch(board, raw, false)

	got := adminTr.lastFrame(t)
	if got[3] != "Client online" {
		t.Fatalf("admin notice = %v, want Client online", got)
	}
}

func TestFindDevicesBroadcastsToOwnedBoards(t *testing.T) {
	f := newFixture(t)
	_, ownedTr := registerBoard(f, "ab12", "alice")
	_, otherTr := registerBoard(f, "cd34", "bob")

	c, _ := f.connect("192.0.2.5")
	raw := codec.Encode(uint8(protocol.OpFindDevices), "web1", "alice", uint8(0), uint8(0))
	f.router.Dispatch(c, raw, false)

	if c.ID() != "web1" || c.Role() != session.RoleClient {
		t.Fatalf("requester identity = %q/%v", c.ID(), c.Role())
	}
	if len(ownedTr.frames()) != 1 || !bytes.Equal(ownedTr.frames()[0], raw) {
		t.Fatalf("owned board frames = %v, want verbatim broadcast", ownedTr.frames())
	}
	if len(otherTr.frames()) != 0 {
		t.Fatal("unrelated board received the broadcast")
	}
}

func TestFindDevicesReachesSubUserBoards(t *testing.T) {
	f := newFixture(t)
	c, tr := f.connect("192.0.2.1")
	users := codec.Encode([]byte{0xbe, 0xef})
	f.router.Dispatch(c, codec.Encode(uint8(protocol.OpRegister), "ab12", "alice", uint8(0), users), false)
	tr.clear()

	asker, _ := f.connect("192.0.2.5")
	raw := codec.Encode(uint8(protocol.OpFindDevices), "web1", "beef", uint8(0), uint8(0))
	f.router.Dispatch(asker, raw, false)

	if len(tr.frames()) != 1 {
		t.Fatalf("sub-user broadcast frames = %d, want 1", len(tr.frames()))
	}
}

func TestFindDevicesRequiresExactArity(t *testing.T) {
	f := newFixture(t)
	_, boardTr := registerBoard(f, "ab12", "alice")

	c, _ := f.connect("192.0.2.5")
	raw := codec.Encode(uint8(protocol.OpFindDevices), "web1", "alice", uint8(0))
	f.router.Dispatch(c, raw, false)

	if len(boardTr.frames()) != 0 {
		t.Fatal("short discovery frame was broadcast")
	}
}

func TestDiscoveryFloodGetsBanned(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxFindDeviceTimes = 3
	finds := security.NewRateTable(3)
	banned := security.LoadBlacklist(filepath.Join(t.TempDir(), "blacklist.json"))
	f.router = New(f.cfg, f.reg, f.confirms, f.updates, banned, finds, nil)

	raw := codec.Encode(uint8(protocol.OpFindDevices), "web1", "alice", uint8(0), uint8(0))

	var tr *fakeTransport
	var c *session.Conn
	for i := 0; i < 10; i++ {
		c, tr = f.connect("192.0.2.5")
		f.router.Dispatch(c, raw, false)
		if tr.wasTerminated() {
			break
		}
	}
	if !tr.wasTerminated() {
		t.Fatal("flooding IP was never kicked")
	}
	if !banned.Contains("192.0.2.5") {
		t.Fatal("flooding IP was not blacklisted")
	}

	// Once banned, the next connection is kicked outright
	c, tr = f.connect("192.0.2.5")
	f.router.Dispatch(c, raw, false)
	if !tr.wasTerminated() {
		t.Fatal("banned IP was allowed to retry discovery")
	}
}

func TestCommandForwardsVerbatim(t *testing.T) {
	f := newFixture(t)
	_, boardTr := registerBoard(f, "ab12", "alice")

	c, _ := f.connect("192.0.2.5")
	raw := codec.Encode(uint8(protocol.OpCommand), "ab12", "web1", uint64(5), "hash", "toggle")
	f.router.Dispatch(c, raw, false)

	if len(boardTr.frames()) != 1 || !bytes.Equal(boardTr.frames()[0], raw) {
		t.Fatalf("board frames = %v, want verbatim forward", boardTr.frames())
	}
}

func TestFindResponseRoutesBackAndKeepsNickname(t *testing.T) {
	f := newFixture(t)
	asker, askerTr := f.connect("192.0.2.5")
	asker.BecomeClient("web1")

	board, _ := registerBoard(f, "ab12", "alice")
	raw := codec.Encode(
		uint8(protocol.OpFindResponse), "web1", uint16(240), "extra",
		uint64(7), uint32(150000), "kitchen-lamp", "ab12", uint8(3),
		uint8(9), []byte{0},
	)
	f.router.Dispatch(board, raw, false)

	if board.Nickname() != "kitchen-lamp" {
		t.Fatalf("nickname = %q", board.Nickname())
	}
	if len(askerTr.frames()) != 1 || !bytes.Equal(askerTr.frames()[0], raw) {
		t.Fatalf("asker frames = %v, want verbatim response", askerTr.frames())
	}
}

func TestLogRoutesToWebClient(t *testing.T) {
	f := newFixture(t)
	admin, adminTr := f.connect("192.0.2.5")
	admin.BecomeClient("web1")

	board, _ := registerBoard(f, "ab12", "alice")
	raw := codec.Encode(uint8(protocol.OpLog), "ab12", "web1", "relay switched")
	f.router.Dispatch(board, raw, false)

	got := adminTr.lastFrame(t)
	if got[3] != "relay switched" {
		t.Fatalf("log frame = %v", got)
	}
}

func TestLogPrefersParkedHTTPRequest(t *testing.T) {
	f := newFixture(t)
	f.waiters.userID = "web1"

	admin, adminTr := f.connect("192.0.2.5")
	admin.BecomeClient("web1")
	board, _ := registerBoard(f, "ab12", "alice")

	raw := codec.Encode(uint8(protocol.OpLog), "ab12", "web1", "42")
	f.router.Dispatch(board, raw, false)

	if !f.waiters.hit || f.waiters.got != "42" {
		t.Fatalf("waiter got %v (hit=%v)", f.waiters.got, f.waiters.hit)
	}
	if len(adminTr.frames()) != 0 {
		t.Fatal("frame was forwarded despite a parked HTTP request")
	}
}

func TestWideCommandTracksConfirmation(t *testing.T) {
	f := newFixture(t)
	_, boardTr := registerBoard(f, "ab12", "alice")

	c, _ := f.connect("192.0.2.5")
	word := protocol.CommandWord{Opcode: protocol.OpCommand, Flags: protocol.FlagNeedsConfirm}
	raw := codec.Encode(word.Pack(), "ab12", "web1", uint64(5), "hash", "toggle")
	f.router.Dispatch(c, raw, false)

	if f.confirms.Len() != 1 {
		t.Fatalf("pending confirmations = %d, want 1", f.confirms.Len())
	}

	// The forwarded frame carries the freshly embedded message id
	fwd := boardTr.lastFrame(t)
	wide, ok := fwd[0].(uint64)
	if !ok {
		t.Fatalf("forwarded command = %T, want uint64", fwd[0])
	}
	embedded := protocol.UnpackCommandWord(wide)
	if embedded.MessageID == 0 {
		t.Fatal("forwarded frame has no embedded message id")
	}

	// Board acknowledges: flip the confirm flag and echo the id
	ack := protocol.CommandWord{
		Opcode:    protocol.OpCommand,
		Flags:     protocol.FlagIsConfirm,
		MessageID: embedded.MessageID,
	}
	board := f.reg.FindByID("ab12")
	f.router.Dispatch(board, codec.Encode(ack.Pack(), "ab12"), false)

	if f.confirms.Len() != 0 {
		t.Fatalf("pending confirmations = %d after ack, want 0", f.confirms.Len())
	}
}

func TestRepeatDispatchSkipsConfirmBookkeeping(t *testing.T) {
	f := newFixture(t)
	registerBoard(f, "ab12", "alice")

	c, _ := f.connect("192.0.2.5")
	word := protocol.CommandWord{Opcode: protocol.OpCommand, Flags: protocol.FlagNeedsConfirm}
	raw := codec.Encode(word.Pack(), "ab12", "web1", uint64(5), "hash", "toggle")
	f.router.Dispatch(c, raw, true)

	if f.confirms.Len() != 0 {
		t.Fatalf("replay tracked a new confirmation, pending = %d", f.confirms.Len())
	}
}

func TestTokenChallengeFlow(t *testing.T) {
	f := newFixture(t)
	f.cfg.Token = "hunter2"
	f.cfg.EnableTokenAuthorize = true
	f.router.challengeBytes = func() (byte, byte) { return 7, 9 }
	f.router.afterFunc = time.AfterFunc

	c, tr := f.connect("192.0.2.1")
	f.router.Dispatch(c, codec.Encode(uint8(protocol.OpRegister), "ab12", "alice"), false)
	tr.clear()

	// Challenge goes out shortly after the registration reply
	time.Sleep(250 * time.Millisecond)
	got := tr.lastFrame(t)
	if len(got) != 3 || got[0] != uint8(protocol.OpRegister) || got[1] != uint8(7) || got[2] != uint8(9) {
		t.Fatalf("challenge frame = %v, want [0x80 7 9]", got)
	}
	if !c.TokenChallengePending() {
		t.Fatal("challenge not marked pending")
	}

	// Valid response computed against the synced clock
	ts := time.Now().UnixMilli()
	sum := sha256.Sum256([]byte("hunter2" + strconv.FormatInt(ts, 10)))
	resp := codec.Encode(uint8(protocol.OpRegister), uint64(ts), sum[:])
	f.router.Dispatch(c, resp, false)

	// A valid response cancels the eviction timer
	time.Sleep(1200 * time.Millisecond)
	if tr.wasTerminated() {
		t.Fatal("board was kicked despite a valid token response")
	}
}

func TestStaleTokenResponseRejected(t *testing.T) {
	f := newFixture(t)
	f.cfg.Token = "hunter2"
	f.cfg.EnableTokenAuthorize = true

	clock := time.UnixMilli(1_700_000_000_000)
	f.router.now = func() time.Time { return clock }

	c, tr := f.connect("192.0.2.1")
	f.router.Dispatch(c, codec.Encode(uint8(protocol.OpRegister), "ab12", "alice"), false)
	f.fireDeferred()
	tr.clear()

	ts := clock.UnixMilli() - 5000
	sum := sha256.Sum256([]byte("hunter2" + strconv.FormatInt(ts, 10)))
	f.router.Dispatch(c, codec.Encode(uint8(protocol.OpRegister), uint64(ts), sum[:]), false)

	// Eviction stays armed; fire it and the board goes
	f.fireDeferred()
	if !tr.wasTerminated() {
		t.Fatal("stale digest did not leave the eviction armed")
	}
}

func TestRuntFramesIgnored(t *testing.T) {
	f := newFixture(t)
	c, tr := f.connect("192.0.2.1")
	f.router.Dispatch(c, []byte{0x80}, false)
	f.router.Dispatch(c, nil, false)
	if len(tr.frames()) != 0 {
		t.Fatalf("runt frame produced output: %v", tr.frames())
	}
}
