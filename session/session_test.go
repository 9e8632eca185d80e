package session

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dragonfox-chatrelay/bus"
	"dragonfox-chatrelay/registry"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 10 * time.Millisecond
	// settle gives in-flight deliveries time to land before a negative
	// assertion ("this session received nothing").
	settle = 50 * time.Millisecond
)

type mockStream struct {
	in       chan []byte
	payloads chan []byte
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent [][]byte
	raw  [][]byte
	gate chan struct{}
}

func newMockStream() *mockStream {
	return &mockStream{
		in:       make(chan []byte, 16),
		payloads: make(chan []byte, 4),
		closed:   make(chan struct{}),
	}
}

func (m *mockStream) ReadMessage() ([]byte, error) {
	select {
	case data := <-m.in:
		return data, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *mockStream) ReadPayload(n int) ([]byte, error) {
	select {
	case data := <-m.payloads:
		if len(data) != n {
			return nil, fmt.Errorf("short read: announced %d, got %d", n, len(data))
		}
		return data, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *mockStream) WriteMessage(data []byte) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

// stallWrites blocks every subsequent WriteMessage until the returned release
// function is called, so tests can pin the dispatch loop inside a delivery.
func (m *mockStream) stallWrites() func() {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	return func() { close(gate) }
}

func (m *mockStream) WritePayload(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, data)
	return nil
}

func (m *mockStream) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockStream) RemoteAddr() string { return "mock" }

func (m *mockStream) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// send queues one request in wire form.
func (m *mockStream) send(t *testing.T, kind string, content any) {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	env, err := json.Marshal(map[string]any{"type": kind, "content": json.RawMessage(raw)})
	require.NoError(t, err)
	m.in <- env
}

// messages returns the content of every response of the given kind written
// so far.
func (m *mockStream) messages(kind string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []map[string]any
	for _, data := range m.sent {
		var env struct {
			Type    string         `json:"type"`
			Content map[string]any `json:"content"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == kind {
			out = append(out, env.Content)
		}
	}
	return out
}

// waitFor blocks until at least count responses of the given kind were
// written and returns the count-th one.
func (m *mockStream) waitFor(t *testing.T, kind string, count int) map[string]any {
	t.Helper()
	var msgs []map[string]any
	require.Eventually(t, func() bool {
		msgs = m.messages(kind)
		return len(msgs) >= count
	}, waitTimeout, waitTick, "waiting for %d %s response(s)", count, kind)
	return msgs[count-1]
}

func (m *mockStream) rawPayloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.raw...)
}

type rig struct {
	bus      *bus.Bus
	presence *registry.Presence
	rooms    *registry.Rooms
}

func newRig() *rig {
	return &rig{
		bus:      bus.New(bus.DefaultCapacity),
		presence: registry.NewPresence(),
		rooms:    registry.NewRooms(),
	}
}

// connect starts a session over a fresh mock stream. With a nonempty name it
// also completes the handshake and waits for the initial UpdateAll.
func (r *rig) connect(t *testing.T, name string) *mockStream {
	t.Helper()
	st := newMockStream()
	go New(st, r.bus, r.presence, r.rooms, 1<<20).Run()
	if name != "" {
		st.send(t, "Introduce", map[string]any{"name": name})
		st.waitFor(t, "UpdateAll", 1)
	}
	return st
}

func TestSession_HandshakeRequiresIntroduce(t *testing.T) {
	r := newRig()
	st := r.connect(t, "")

	st.send(t, "CreateRoom", map[string]any{"owner": "eve", "name": "lobby"})

	require.Eventually(t, st.isClosed, waitTimeout, waitTick)
	assert.Equal(t, 0, r.presence.Count())
	assert.Equal(t, 0, r.rooms.Count())
}

func TestSession_HandshakeRejectsDuplicateName(t *testing.T) {
	r := newRig()
	r.connect(t, "carol")

	second := r.connect(t, "")
	second.send(t, "Introduce", map[string]any{"name": "carol"})

	warning := second.waitFor(t, "Warning", 1)
	assert.Equal(t, "Name already taken", warning["message"])
	require.Eventually(t, second.isClosed, waitTimeout, waitTick)
	assert.Equal(t, []string{"carol"}, r.presence.Snapshot())
}

func TestSession_IntroducePublishesPresence(t *testing.T) {
	r := newRig()
	alice := r.connect(t, "alice")

	bob := r.connect(t, "bob")

	// alice hears about bob; bob's own refresh came directly as UpdateAll.
	update := alice.waitFor(t, "Update", 1)
	assert.ElementsMatch(t, []any{"alice", "bob"}, update["clients"])

	time.Sleep(settle)
	assert.Empty(t, bob.messages("Update"))
}

func TestSession_RoomMessageScenario(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")
	b := r.connect(t, "B")

	a.send(t, "CreateRoom", map[string]any{"owner": "A", "name": "lobby"})
	a.waitFor(t, "UpdateRooms", 1)
	b.waitFor(t, "UpdateRooms", 1)

	b.send(t, "JoinRoom", map[string]any{"room": "A"})
	rooms := b.waitFor(t, "UpdateRooms", 2)["rooms"].([]any)
	require.Len(t, rooms, 1)
	assert.Equal(t, []any{"B"}, rooms[0].(map[string]any)["guests"])

	a.send(t, "RoomMessage", map[string]any{"from": "A", "room": "A", "message": "hi"})

	msg := b.waitFor(t, "RoomMessage", 1)
	assert.Equal(t, "A", msg["from"])
	assert.Equal(t, "A", msg["room"])
	assert.Equal(t, "hi", msg["message"])

	// The publisher never gets its own message back.
	time.Sleep(settle)
	assert.Empty(t, a.messages("RoomMessage"))
}

func TestSession_DuplicateCreateRoomWarns(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")

	a.send(t, "CreateRoom", map[string]any{"owner": "A", "name": "lobby"})
	a.waitFor(t, "UpdateRooms", 1)

	a.send(t, "CreateRoom", map[string]any{"owner": "A", "name": "annex"})
	warning := a.waitFor(t, "Warning", 1)

	assert.Equal(t, "Room already exists", warning["message"])
	assert.Equal(t, 1, r.rooms.Count())
	assert.False(t, a.isClosed())
}

func TestSession_JoinRejections(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")
	b := r.connect(t, "B")

	a.send(t, "CreateRoom", map[string]any{"owner": "A", "name": "lobby"})
	a.waitFor(t, "UpdateRooms", 1)

	a.send(t, "JoinRoom", map[string]any{"room": "A"})
	assert.Equal(t, "You own that room", a.waitFor(t, "Warning", 1)["message"])

	b.send(t, "JoinRoom", map[string]any{"room": "A"})
	b.waitFor(t, "UpdateRooms", 2)
	b.send(t, "JoinRoom", map[string]any{"room": "A"})
	assert.Equal(t, "You are already in that room", b.waitFor(t, "Warning", 1)["message"])

	require.True(t, r.rooms.IsGuest("B", "A"))
	rooms := r.rooms.Snapshot()
	require.Len(t, rooms, 1)
	assert.Len(t, rooms[0].Guests, 1)
}

func TestSession_DirectMessageAddressing(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")
	b := r.connect(t, "B")
	c := r.connect(t, "C")

	a.send(t, "DirectMessage", map[string]any{"from": "A", "to": "B", "message": "psst"})

	msg := b.waitFor(t, "DirectMessage", 1)
	assert.Equal(t, "A", msg["from"])
	assert.Equal(t, "psst", msg["message"])

	time.Sleep(settle)
	assert.Empty(t, a.messages("DirectMessage"))
	assert.Empty(t, c.messages("DirectMessage"))
}

func TestSession_FileTransfer(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")
	b := r.connect(t, "B")
	c := r.connect(t, "C")

	a.send(t, "CreateRoom", map[string]any{"owner": "A", "name": "lobby"})
	b.waitFor(t, "UpdateRooms", 1)
	b.send(t, "JoinRoom", map[string]any{"room": "A"})
	b.waitFor(t, "UpdateRooms", 2)

	a.payloads <- []byte("data")
	a.send(t, "SendFile", map[string]any{"from": "A", "room": "A", "filename": "cat.png", "size": 4})

	header := b.waitFor(t, "SendFile", 1)
	assert.Equal(t, "A", header["from"])
	assert.Equal(t, "cat.png", header["filename"])
	assert.Equal(t, float64(4), header["size"])

	require.Eventually(t, func() bool {
		return len(b.rawPayloads()) == 1
	}, waitTimeout, waitTick)
	assert.Equal(t, []byte("data"), b.rawPayloads()[0])

	// Non-members and the sender see nothing.
	time.Sleep(settle)
	assert.Empty(t, c.messages("SendFile"))
	assert.Empty(t, a.messages("SendFile"))
	assert.Empty(t, a.rawPayloads())
}

func TestSession_FileShortReadDropsConnection(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")
	b := r.connect(t, "B")

	a.send(t, "CreateRoom", map[string]any{"owner": "A", "name": "lobby"})
	b.waitFor(t, "UpdateRooms", 1)
	b.send(t, "JoinRoom", map[string]any{"room": "A"})
	b.waitFor(t, "UpdateRooms", 2)

	// Only two of the announced four bytes ever arrive.
	a.payloads <- []byte("da")
	a.send(t, "SendFile", map[string]any{"from": "A", "room": "A", "filename": "cat.png", "size": 4})

	require.Eventually(t, a.isClosed, waitTimeout, waitTick)
	require.Eventually(t, func() bool {
		return !r.presence.Contains("A")
	}, waitTimeout, waitTick)

	// Nothing was published: no file ever reaches B.
	time.Sleep(settle)
	assert.Empty(t, b.messages("SendFile"))
	assert.Empty(t, b.rawPayloads())
}

func TestSession_OversizeFileDropsConnection(t *testing.T) {
	r := newRig()
	st := newMockStream()
	go New(st, r.bus, r.presence, r.rooms, 8).Run()
	st.send(t, "Introduce", map[string]any{"name": "A"})
	st.waitFor(t, "UpdateAll", 1)

	st.send(t, "SendFile", map[string]any{"from": "A", "room": "A", "filename": "huge.bin", "size": 9})

	require.Eventually(t, st.isClosed, waitTimeout, waitTick)
	assert.False(t, r.presence.Contains("A"))
}

func TestSession_SecondIntroduceCloses(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")

	a.send(t, "Introduce", map[string]any{"name": "A2"})

	require.Eventually(t, a.isClosed, waitTimeout, waitTick)
	assert.False(t, r.presence.Contains("A"))
	assert.False(t, r.presence.Contains("A2"))
}

func TestSession_DisconnectCascade(t *testing.T) {
	r := newRig()
	ivy := r.connect(t, "ivy")
	bob := r.connect(t, "bob")

	ivy.send(t, "CreateRoom", map[string]any{"owner": "ivy", "name": "own-room"})
	ivy.waitFor(t, "UpdateRooms", 1)
	bob.send(t, "CreateRoom", map[string]any{"owner": "bob", "name": "other"})
	bob.waitFor(t, "UpdateRooms", 1)
	ivy.send(t, "JoinRoom", map[string]any{"room": "bob"})
	ivy.waitFor(t, "UpdateRooms", 3)

	ivy.Close()

	require.Eventually(t, func() bool {
		return !r.presence.Contains("ivy") && !r.rooms.HasRoom("ivy") && !r.rooms.IsGuest("ivy", "bob")
	}, waitTimeout, waitTick)
	assert.True(t, r.rooms.HasRoom("bob"))

	// Remaining sessions get a full refresh; bob's first UpdateAll was his
	// own handshake.
	all := bob.waitFor(t, "UpdateAll", 2)
	assert.Equal(t, []any{"bob"}, all["clients"])
}

func TestSession_LagResyncWritesUpdateAll(t *testing.T) {
	r := &rig{
		bus:      bus.New(2),
		presence: registry.NewPresence(),
		rooms:    registry.NewRooms(),
	}
	a := r.connect(t, "A")
	b := r.connect(t, "B")
	// A's second UpdateAll is the refresh from B's introduce; wait for it so
	// the stall below cannot swallow it.
	a.waitFor(t, "UpdateAll", 2)

	// Pin A's dispatch loop inside its next write so its subscription
	// overflows while B keeps publishing.
	release := a.stallWrites()

	for i := 0; i < 6; i++ {
		b.send(t, "DirectMessage", map[string]any{"from": "B", "to": "A", "message": fmt.Sprintf("m%d", i)})
	}
	// B's direct response here proves all six messages above were published:
	// a session handles its requests strictly in order.
	b.send(t, "CreateRoom", map[string]any{"owner": "B", "name": "den"})
	b.waitFor(t, "UpdateRooms", 1)

	release()

	// The resync snapshot.
	a.waitFor(t, "UpdateAll", 3)

	// The newest direct message survives the overflow and still arrives.
	require.Eventually(t, func() bool {
		for _, msg := range a.messages("DirectMessage") {
			if msg["message"] == "m5" {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick)

	// The snapshot is written before any post-overflow delivery.
	resyncIdx, lastIdx := -1, -1
	updateAlls := 0
	a.mu.Lock()
	for i, data := range a.sent {
		var env struct {
			Type    string         `json:"type"`
			Content map[string]any `json:"content"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "UpdateAll":
			updateAlls++
			if updateAlls == 3 {
				resyncIdx = i
			}
		case "DirectMessage":
			if env.Content["message"] == "m5" {
				lastIdx = i
			}
		}
	}
	a.mu.Unlock()
	require.GreaterOrEqual(t, resyncIdx, 0)
	require.GreaterOrEqual(t, lastIdx, 0)
	assert.Less(t, resyncIdx, lastIdx)
}

func TestSession_BusCloseTerminatesCleanly(t *testing.T) {
	r := newRig()
	a := r.connect(t, "A")

	r.bus.Close()

	require.Eventually(t, a.isClosed, waitTimeout, waitTick)
	assert.False(t, r.presence.Contains("A"))
}
