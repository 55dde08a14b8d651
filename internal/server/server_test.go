package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ferrule/boardlink/internal/codec"
	"github.com/ferrule/boardlink/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Options{
		ConfigPath:    filepath.Join(dir, "globalConfig.json"),
		BlacklistPath: filepath.Join(dir, "blacklist.json"),
		DisableMDN:    true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Liveness probes would interleave 0x0c frames with the assertions
	s.cfg.ProactiveDetectClientOnline = false

	ts := httptest.NewServer(s.handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, values ...any) {
	t.Helper()
	if err := ws.WriteMessage(websocket.BinaryMessage, codec.Encode(values...)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) []any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return codec.Decode(data)
}

func TestHelloOverRealSocket(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, uint8(protocol.OpHello), uint8(0))
	got := recv(t, ws)
	if len(got) != 1 || got[0] != uint8(protocol.OpHelloReply) {
		t.Fatalf("reply = %v, want [0xc0]", got)
	}
}

func TestDiscoveryEndToEnd(t *testing.T) {
	s, ts := newTestServer(t)

	// Board registers with id D and owner U
	board := dial(t, ts)
	send(t, board, uint8(protocol.OpRegister), "dddd", "uuuu")
	timeSync := recv(t, board)
	if timeSync[0] != uint8(protocol.OpRegister) {
		t.Fatalf("time sync = %v", timeSync)
	}

	// Admin with identity U asks for its boards
	admin := dial(t, ts)
	discover := []any{uint8(protocol.OpFindDevices), "aaaa", "uuuu", uint8(0), uint8(0)}
	send(t, admin, discover...)

	forwarded := recv(t, board)
	if len(forwarded) != 5 || forwarded[0] != uint8(protocol.OpFindDevices) || forwarded[2] != "uuuu" {
		t.Fatalf("board got %v, want the discovery frame", forwarded)
	}

	// Board answers with its descriptor; server routes it to the admin
	send(t, board,
		uint8(protocol.OpFindResponse), "aaaa", uint16(240), "extra",
		uint64(7), uint32(150000), "lamp", "dddd", uint8(3), uint8(9), []byte{0},
	)
	descriptor := recv(t, admin)
	if descriptor[0] != uint8(protocol.OpFindResponse) || descriptor[7] != "dddd" {
		t.Fatalf("admin got %v, want the board descriptor", descriptor)
	}

	if s.ActiveConnections() != 2 {
		t.Fatalf("ActiveConnections() = %d, want 2", s.ActiveConnections())
	}
}

func TestBridgeCommandReachesBoard(t *testing.T) {
	_, ts := newTestServer(t)

	tid := strings.Repeat("d", 64)
	board := dial(t, ts)
	send(t, board, uint8(protocol.OpRegister), tid, "uuuu")
	recv(t, board) // time sync

	resp, err := http.Get(ts.URL + "/exec_provider?tid=" + tid +
		"&cpid=3&t=1700000000000&hash=" + strings.Repeat("b", 64))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(body) != 64 {
		t.Fatalf("bridge body = %q, want correlation id", body)
	}

	forwarded := recv(t, board)
	if forwarded[0] != uint8(protocol.OpCommand) || forwarded[1] != tid {
		t.Fatalf("board got %v, want forwarded 0xbb frame", forwarded)
	}
	if forwarded[2] != string(body) {
		t.Fatalf("from id %v does not match correlation id %s", forwarded[2], body)
	}
}

func TestDisconnectLeavesRegistry(t *testing.T) {
	s, ts := newTestServer(t)

	ws := dial(t, ts)
	send(t, ws, uint8(protocol.OpRegister), "dddd", "uuuu")
	recv(t, ws)
	if s.ActiveConnections() != 1 {
		t.Fatalf("ActiveConnections() = %d, want 1", s.ActiveConnections())
	}

	ws.Close()
	deadline := time.Now().Add(3 * time.Second)
	for s.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed connection never left the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
