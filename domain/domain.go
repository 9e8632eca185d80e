package domain

// EventKind tags the variants of Event.
type EventKind int

const (
	// PresenceChanged tells receivers the connected-client list changed.
	PresenceChanged EventKind = iota
	// RoomsChanged tells receivers the room list or a membership changed.
	RoomsChanged
	// EverythingChanged tells receivers to refresh both views at once.
	EverythingChanged
	// DirectMessage carries a one-to-one chat message.
	DirectMessage
	// RoomMessage carries a message scoped to one room.
	RoomMessage
	// FileTransfer carries a file payload scoped to one room.
	FileTransfer
)

func (k EventKind) String() string {
	switch k {
	case PresenceChanged:
		return "presence-changed"
	case RoomsChanged:
		return "rooms-changed"
	case EverythingChanged:
		return "everything-changed"
	case DirectMessage:
		return "direct-message"
	case RoomMessage:
		return "room-message"
	case FileTransfer:
		return "file-transfer"
	}
	return "unknown"
}

// Event is the unit of information fanned out on the bus. From is always the
// identity of the originating session; the remaining fields are populated
// per kind.
type Event struct {
	Kind     EventKind
	From     string
	To       string
	Room     string
	Body     string
	Filename string
	Payload  []byte
}

// Room is a broadcast group owned by exactly one identity. The owner name is
// the room's key: at most one room per owner, and room-scoped requests
// address rooms by owner name.
type Room struct {
	Owner  string   `json:"owner"`
	Name   string   `json:"name"`
	Guests []string `json:"guests"`
}

// Stream is the transport a session talks through. ReadMessage returns one
// structured request; ReadPayload returns exactly n raw bytes that follow a
// SendFile header on the same stream. WritePayload sends raw bytes with no
// extra framing beyond what the transport itself requires.
type Stream interface {
	ReadMessage() ([]byte, error)
	ReadPayload(n int) ([]byte, error)
	WriteMessage(data []byte) error
	WritePayload(data []byte) error
	Close() error
	RemoteAddr() string
}
