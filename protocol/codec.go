// Package protocol encodes and decodes the relay's wire messages: one JSON
// object per message, adjacently tagged as {"type": ..., "content": {...}}.
// Framing and transport belong to the stream adapters; this package only
// maps bytes to typed requests and responses.
package protocol

import (
	"encoding/json"
	"fmt"

	"dragonfox-chatrelay/domain"
)

type envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Request is one decoded client request. The concrete type is one of the
// structs below.
type Request interface {
	requestKind() string
}

type Introduce struct {
	Name string `json:"name"`
}

type CreateRoom struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

type JoinRoom struct {
	// Room is the owner name of the room to join; rooms are addressed by
	// owner on the wire.
	Room string `json:"room"`
}

type DirectMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

type RoomMessage struct {
	From    string `json:"from"`
	Room    string `json:"room"`
	Message string `json:"message"`
}

// SendFile announces a file transfer. Exactly Size raw bytes follow the
// request on the same stream.
type SendFile struct {
	From     string `json:"from"`
	Room     string `json:"room"`
	Filename string `json:"filename"`
	Size     int    `json:"size"`
}

func (Introduce) requestKind() string     { return "Introduce" }
func (CreateRoom) requestKind() string    { return "CreateRoom" }
func (JoinRoom) requestKind() string      { return "JoinRoom" }
func (DirectMessage) requestKind() string { return "DirectMessage" }
func (RoomMessage) requestKind() string   { return "RoomMessage" }
func (SendFile) requestKind() string      { return "SendFile" }

// DecodeRequest parses one request from data. Unknown types and malformed
// payloads are errors; the caller treats them as protocol failures.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	var (
		req Request
		err error
	)
	switch env.Type {
	case "Introduce":
		var r Introduce
		err = json.Unmarshal(env.Content, &r)
		req = r
	case "CreateRoom":
		var r CreateRoom
		err = json.Unmarshal(env.Content, &r)
		req = r
	case "JoinRoom":
		var r JoinRoom
		err = json.Unmarshal(env.Content, &r)
		req = r
	case "DirectMessage":
		var r DirectMessage
		err = json.Unmarshal(env.Content, &r)
		req = r
	case "RoomMessage":
		var r RoomMessage
		err = json.Unmarshal(env.Content, &r)
		req = r
	case "SendFile":
		var r SendFile
		err = json.Unmarshal(env.Content, &r)
		req = r
	default:
		return nil, fmt.Errorf("decode request: unknown type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode request %s: %w", env.Type, err)
	}
	return req, nil
}

func encode(kind string, content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode response %s: %w", kind, err)
	}
	return json.Marshal(envelope{Type: kind, Content: raw})
}

// EncodeUpdate renders the connected-client list.
func EncodeUpdate(clients []string) ([]byte, error) {
	return encode("Update", struct {
		Clients []string `json:"clients"`
	}{Clients: clients})
}

// EncodeUpdateRooms renders the room list.
func EncodeUpdateRooms(rooms []domain.Room) ([]byte, error) {
	return encode("UpdateRooms", struct {
		Rooms []domain.Room `json:"rooms"`
	}{Rooms: rooms})
}

// EncodeUpdateAll renders both lists for a full refresh.
func EncodeUpdateAll(clients []string, rooms []domain.Room) ([]byte, error) {
	return encode("UpdateAll", struct {
		Clients []string      `json:"clients"`
		Rooms   []domain.Room `json:"rooms"`
	}{Clients: clients, Rooms: rooms})
}

// EncodeWarning renders a non-fatal rejection.
func EncodeWarning(message string) ([]byte, error) {
	return encode("Warning", struct {
		Message string `json:"message"`
	}{Message: message})
}

// EncodeDirectMessage renders an incoming direct message.
func EncodeDirectMessage(from, message string) ([]byte, error) {
	return encode("DirectMessage", struct {
		From    string `json:"from"`
		Message string `json:"message"`
	}{From: from, Message: message})
}

// EncodeRoomMessage renders an incoming room message.
func EncodeRoomMessage(from, room, message string) ([]byte, error) {
	return encode("RoomMessage", struct {
		From    string `json:"from"`
		Room    string `json:"room"`
		Message string `json:"message"`
	}{From: from, Room: room, Message: message})
}

// EncodeSendFile renders a file-transfer header. The receiver writes the raw
// payload immediately after this message.
func EncodeSendFile(from, room, filename string, size int) ([]byte, error) {
	return encode("SendFile", struct {
		From     string `json:"from"`
		Room     string `json:"room"`
		Filename string `json:"filename"`
		Size     int    `json:"size"`
	}{From: from, Room: room, Filename: filename, Size: size})
}
