// Package tcp serves the relay over plain TCP. Each connection carries one
// JSON document per read segment, with SendFile payloads interleaved as raw
// bytes, which is the legacy wire behavior clients expect.
package tcp

import (
	"fmt"
	"io"
	"net"

	"dragonfox-chatrelay/domain"
)

const readBufferSize = 4096

// Stream adapts a net.Conn to the session transport interface.
type Stream struct {
	conn net.Conn
	buf  []byte
}

func NewStream(conn net.Conn) *Stream {
	return &Stream{
		conn: conn,
		buf:  make([]byte, readBufferSize),
	}
}

// ReadMessage returns the bytes of one structured request. The legacy
// protocol sends one JSON document per segment, so a single read suffices.
func (s *Stream) ReadMessage() ([]byte, error) {
	n, err := s.conn.Read(s.buf)
	if n == 0 {
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

// ReadPayload reads exactly n raw bytes following a SendFile header.
func (s *Stream) ReadPayload(n int) ([]byte, error) {
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}

func (s *Stream) WriteMessage(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

func (s *Stream) WritePayload(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

var _ domain.Stream = (*Stream)(nil)
