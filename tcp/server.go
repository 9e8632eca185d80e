package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"dragonfox-chatrelay/bus"
	"dragonfox-chatrelay/registry"
	"dragonfox-chatrelay/session"
)

// Server accepts TCP connections and runs one session per connection. All
// sessions share the same bus and registries.
type Server struct {
	bus         *bus.Bus
	presence    *registry.Presence
	rooms       *registry.Rooms
	maxFileSize int
}

func NewServer(b *bus.Bus, presence *registry.Presence, rooms *registry.Rooms, maxFileSize int) *Server {
	return &Server{
		bus:         b,
		presence:    presence,
		rooms:       rooms,
		maxFileSize: maxFileSize,
	}
}

// Serve runs the accept loop on ln until ctx is cancelled. Transient accept
// errors are logged and the loop continues; a closed listener ends it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("tcp listener started", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("accept failed", "error", err)
			continue
		}

		sess := session.New(NewStream(conn), s.bus, s.presence, s.rooms, s.maxFileSize)
		go sess.Run()
	}
}
