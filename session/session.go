// Package session drives one client connection through its lifecycle:
// handshake, then a dispatch loop that races the next inbound request
// against the next bus event. All socket writes happen on the loop
// goroutine, so a session's responses are never interleaved.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"dragonfox-chatrelay/bus"
	"dragonfox-chatrelay/domain"
	"dragonfox-chatrelay/protocol"
	"dragonfox-chatrelay/registry"
)

// DefaultMaxFileSize caps SendFile payloads when no explicit limit is
// configured.
const DefaultMaxFileSize = 8 << 20

// inbound is one fully-read request. For SendFile the payload bytes have
// already been consumed from the stream by the reader goroutine.
type inbound struct {
	req     protocol.Request
	payload []byte
}

type Session struct {
	name        string
	stream      domain.Stream
	bus         *bus.Bus
	sub         *bus.Subscription
	presence    *registry.Presence
	rooms       *registry.Rooms
	maxFileSize int
	log         *slog.Logger
}

func New(stream domain.Stream, b *bus.Bus, presence *registry.Presence, rooms *registry.Rooms, maxFileSize int) *Session {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Session{
		stream:      stream,
		bus:         b,
		presence:    presence,
		rooms:       rooms,
		maxFileSize: maxFileSize,
		log:         slog.With("sessionId", uuid.New().String(), "remote", stream.RemoteAddr()),
	}
}

// Run owns the connection until it closes. It subscribes to the bus, performs
// the handshake, then multiplexes inbound requests against bus events. The
// stream is closed on return.
func (s *Session) Run() {
	defer s.stream.Close()

	s.sub = s.bus.Subscribe()
	defer s.sub.Unsubscribe()

	if err := s.handshake(); err != nil {
		s.log.Warn("handshake failed", "error", err)
		return
	}
	s.log = s.log.With("name", s.name)
	s.log.Info("client introduced")

	s.bus.Publish(domain.Event{Kind: domain.PresenceChanged, From: s.name})
	s.bus.Publish(domain.Event{Kind: domain.EverythingChanged, From: s.name})
	if err := s.writeUpdateAll(); err != nil {
		s.disconnect()
		return
	}

	done := make(chan struct{})
	defer close(done)

	requests := make(chan inbound)
	go s.readLoop(done, requests)

	for {
		select {
		case in, ok := <-requests:
			if !ok {
				s.disconnect()
				return
			}
			if err := s.handleRequest(in); err != nil {
				if !errors.Is(err, errCloseRequested) {
					s.log.Warn("request handling failed", "error", err)
				}
				s.disconnect()
				return
			}

		case ev, ok := <-s.sub.Events():
			if !ok {
				// Bus shut down: the process is stopping.
				s.disconnect()
				return
			}
			if n := s.sub.Lagged(); n > 0 {
				s.log.Warn("subscriber lagged, resyncing", "missed", n)
				if err := s.writeUpdateAll(); err != nil {
					s.disconnect()
					return
				}
			}
			if err := s.deliver(ev); err != nil {
				s.log.Warn("event delivery failed", "kind", ev.Kind.String(), "error", err)
				s.disconnect()
				return
			}
		}
	}
}

// handshake consumes exactly one request, which must be an Introduce with a
// free name. Any other request, a malformed payload, or a taken name drops
// the connection without side effects.
func (s *Session) handshake() error {
	data, err := s.stream.ReadMessage()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return err
	}
	intro, ok := req.(protocol.Introduce)
	if !ok {
		return fmt.Errorf("expected Introduce, got %T", req)
	}
	if intro.Name == "" {
		return errors.New("empty name")
	}
	if err := s.presence.Add(intro.Name); err != nil {
		// Let the client know why it is being dropped.
		if msg, encErr := protocol.EncodeWarning("Name already taken"); encErr == nil {
			_ = s.stream.WriteMessage(msg)
		}
		return fmt.Errorf("%w: %s", err, intro.Name)
	}
	s.name = intro.Name
	return nil
}

// readLoop owns the read half of the stream. It decodes requests and, for
// SendFile, performs the mandatory second read of exactly Size payload bytes
// before handing the completed request to the dispatch loop. The requests
// channel is closed on any read or decode failure.
func (s *Session) readLoop(done <-chan struct{}, requests chan<- inbound) {
	defer close(requests)

	for {
		data, err := s.stream.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read failed", "error", err)
			}
			return
		}
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			s.log.Warn("malformed request", "error", err)
			return
		}

		in := inbound{req: req}
		if sf, ok := req.(protocol.SendFile); ok {
			if sf.Size <= 0 || sf.Size > s.maxFileSize {
				s.log.Warn("rejected file size", "size", sf.Size, "limit", s.maxFileSize)
				return
			}
			payload, err := s.stream.ReadPayload(sf.Size)
			if err != nil {
				s.log.Warn("short file read", "filename", sf.Filename, "size", sf.Size, "error", err)
				return
			}
			in.payload = payload
		}

		select {
		case requests <- in:
		case <-done:
			return
		}
	}
}

// errCloseRequested signals an orderly close decided by the dispatch logic
// rather than a failed write.
var errCloseRequested = errors.New("session: close requested")

func (s *Session) handleRequest(in inbound) error {
	switch req := in.req.(type) {
	case protocol.Introduce:
		s.log.Warn("already introduced, closing", "requested", req.Name)
		return errCloseRequested

	case protocol.DirectMessage:
		// The sender identity is this session's, never the client-supplied one.
		s.bus.Publish(domain.Event{
			Kind: domain.DirectMessage,
			From: s.name,
			To:   req.To,
			Body: req.Message,
		})

	case protocol.CreateRoom:
		if err := s.rooms.Create(req.Owner, req.Name); err != nil {
			if errors.Is(err, registry.ErrRoomExists) {
				return s.writeWarning("Room already exists")
			}
			return err
		}
		s.log.Info("room created", "owner", req.Owner, "room", req.Name)
		if err := s.writeUpdateRooms(); err != nil {
			return err
		}
		s.bus.Publish(domain.Event{Kind: domain.RoomsChanged, From: s.name})

	case protocol.JoinRoom:
		switch {
		case req.Room == s.name:
			return s.writeWarning("You own that room")
		case s.rooms.IsGuest(s.name, req.Room):
			return s.writeWarning("You are already in that room")
		default:
			s.rooms.Join(req.Room, s.name)
			if err := s.writeUpdateRooms(); err != nil {
				return err
			}
			s.bus.Publish(domain.Event{Kind: domain.RoomsChanged, From: s.name})
		}

	case protocol.RoomMessage:
		s.bus.Publish(domain.Event{
			Kind: domain.RoomMessage,
			From: s.name,
			Room: req.Room,
			Body: req.Message,
		})

	case protocol.SendFile:
		s.bus.Publish(domain.Event{
			Kind:     domain.FileTransfer,
			From:     s.name,
			Room:     req.Room,
			Filename: req.Filename,
			Payload:  in.payload,
		})
	}
	return nil
}

// shouldDeliver applies the addressing filter for ev against this session,
// consulting the live registries at delivery time. A session never receives
// its own events back.
func (s *Session) shouldDeliver(ev domain.Event) bool {
	if ev.From == s.name {
		return false
	}
	switch ev.Kind {
	case domain.DirectMessage:
		return ev.To == s.name
	case domain.RoomMessage, domain.FileTransfer:
		return ev.Room == s.name || s.rooms.IsGuest(s.name, ev.Room)
	default:
		return true
	}
}

func (s *Session) deliver(ev domain.Event) error {
	if !s.shouldDeliver(ev) {
		return nil
	}

	switch ev.Kind {
	case domain.PresenceChanged:
		data, err := protocol.EncodeUpdate(s.presence.Snapshot())
		if err != nil {
			return err
		}
		return s.stream.WriteMessage(data)

	case domain.RoomsChanged:
		return s.writeUpdateRooms()

	case domain.EverythingChanged:
		return s.writeUpdateAll()

	case domain.DirectMessage:
		data, err := protocol.EncodeDirectMessage(ev.From, ev.Body)
		if err != nil {
			return err
		}
		return s.stream.WriteMessage(data)

	case domain.RoomMessage:
		data, err := protocol.EncodeRoomMessage(ev.From, ev.Room, ev.Body)
		if err != nil {
			return err
		}
		return s.stream.WriteMessage(data)

	case domain.FileTransfer:
		data, err := protocol.EncodeSendFile(ev.From, ev.Room, ev.Filename, len(ev.Payload))
		if err != nil {
			return err
		}
		if err := s.stream.WriteMessage(data); err != nil {
			return err
		}
		// Raw payload follows the header immediately, nothing in between.
		return s.stream.WritePayload(ev.Payload)
	}
	return nil
}

// disconnect runs the teardown sequence for an introduced session. The order
// matters: peers filtering the final refresh must no longer see this
// identity in either registry.
func (s *Session) disconnect() {
	s.presence.Remove(s.name)
	s.rooms.LeaveAll(s.name)
	s.rooms.DeleteOwned(s.name)
	s.bus.Publish(domain.Event{Kind: domain.EverythingChanged, From: s.name})
	s.log.Info("client disconnected")
}

func (s *Session) writeWarning(message string) error {
	data, err := protocol.EncodeWarning(message)
	if err != nil {
		return err
	}
	return s.stream.WriteMessage(data)
}

func (s *Session) writeUpdateRooms() error {
	data, err := protocol.EncodeUpdateRooms(s.rooms.Snapshot())
	if err != nil {
		return err
	}
	return s.stream.WriteMessage(data)
}

func (s *Session) writeUpdateAll() error {
	data, err := protocol.EncodeUpdateAll(s.presence.Snapshot(), s.rooms.Snapshot())
	if err != nil {
		return err
	}
	return s.stream.WriteMessage(data)
}
