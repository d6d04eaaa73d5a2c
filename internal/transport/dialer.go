package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Conn is one established real-time connection. Implementations must
// allow WriteFrame, Ping and Close to be called concurrently; ReadFrame
// is called from a single reader goroutine.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(*Frame) error
	Ping() error
	Close() error
}

// Dialer establishes real-time connections. The production dialer speaks
// WebSocket; tests inject an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the backend's WebSocket endpoint.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c.SetReadLimit(maxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &wsConn{c: c}, nil
}

// wsConn serializes writes; gorilla connections allow one concurrent
// writer at most.
type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) ReadFrame() (*Frame, error) {
	var f Frame
	if err := w.c.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (w *wsConn) WriteFrame(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(f)
}

func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
