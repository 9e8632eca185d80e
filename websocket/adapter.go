// Package websocket serves the relay to browser clients. Text frames carry
// the same JSON messages as the TCP transport; binary frames carry raw
// SendFile payloads, keeping the two-phase transfer intact across framing.
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"dragonfox-chatrelay/bus"
	"dragonfox-chatrelay/domain"
	"dragonfox-chatrelay/registry"
	"dragonfox-chatrelay/session"
)

const writeWait = 10 * time.Second

// Stream adapts a websocket connection to the session transport interface.
type Stream struct {
	ws *websocket.Conn
}

func NewStream(ws *websocket.Conn) *Stream {
	return &Stream{ws: ws}
}

// ReadMessage returns the next text frame, one structured request per frame.
func (s *Stream) ReadMessage() ([]byte, error) {
	kind, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage {
		// A binary frame outside a SendFile exchange is a protocol violation.
		return nil, fmt.Errorf("unexpected frame type %d of %d bytes", kind, len(data))
	}
	return data, nil
}

// ReadPayload returns the next binary frame, which must carry exactly n
// bytes of the announced file.
func (s *Stream) ReadPayload(n int) ([]byte, error) {
	kind, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("expected binary payload frame, got type %d", kind)
	}
	if len(data) != n {
		return nil, fmt.Errorf("payload size mismatch: announced %d, got %d", n, len(data))
	}
	return data, nil
}

func (s *Stream) WriteMessage(data []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Stream) WritePayload(data []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Stream) Close() error {
	return s.ws.Close()
}

func (s *Stream) RemoteAddr() string {
	return s.ws.RemoteAddr().String()
}

var _ domain.Stream = (*Stream)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests and runs a session over the resulting
// connection, sharing the bus and registries with the TCP transport.
func Handler(b *bus.Bus, presence *registry.Presence, rooms *registry.Rooms, maxFileSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade failed", "error", err)
			return
		}
		ws.SetReadLimit(int64(maxFileSize) + 1024)

		// The connection is hijacked; the handler goroutine is the session's.
		session.New(NewStream(ws), b, presence, rooms, maxFileSize).Run()
	}
}
