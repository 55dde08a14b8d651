package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla WebSocket connection to session.Transport.
// gorilla allows one concurrent writer, so Send serializes; frames can
// otherwise race between the read loop, sweeps and timer callbacks.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Terminate() {
	t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}
