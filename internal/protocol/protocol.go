// Package protocol defines the room-scoped wire messages exchanged between
// clients and the hub. The transport is a plain websocket, so every frame is
// a Message: an event name plus a JSON payload for that event.
package protocol

import (
	"encoding/json"
	"fmt"

	"drawspace/api/internal/board"
)

// Event names the kind of frame. The canvas: prefix scopes room traffic,
// the user: prefix scopes presence traffic.
type Event string

const (
	EventJoin           Event = "canvas:join"
	EventLeave          Event = "canvas:leave"
	EventJoined         Event = "canvas:joined"
	EventUserJoined     Event = "canvas:user-joined"
	EventUserLeft       Event = "canvas:user-left"
	EventOwnerJoined    Event = "canvas:owner-joined"
	EventUpdate         Event = "canvas:update"
	EventSyncRequest    Event = "canvas:sync-request"
	EventSyncResponse   Event = "canvas:sync-response"
	EventElementsSync   Event = "canvas:elements-sync"
	EventCursorUpdate   Event = "canvas:cursor-update"
	EventPresenceUpdate Event = "user:presence-update"
	EventError          Event = "error"
)

func ParseEvent(s string) (Event, error) {
	e := Event(s)
	switch e {
	case EventJoin, EventLeave, EventJoined, EventUserJoined, EventUserLeft,
		EventOwnerJoined, EventUpdate, EventSyncRequest, EventSyncResponse,
		EventElementsSync, EventCursorUpdate, EventPresenceUpdate, EventError:
		return e, nil
	}
	return "", fmt.Errorf("unknown event %q", s)
}

// Source tags a mutation's origin. Receivers rewrite it to SourceRemote
// regardless of what the sender claimed; it is advisory bookkeeping only.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Message is one websocket frame.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(event Event, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Message{Event: event, Data: raw}, nil
}

// Decode unmarshals the frame payload into target.
func (m Message) Decode(target any) error {
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// UpdatePayload carries command-specific extras that are not elements:
// the element id for erase/undo, the restored element for redo, and the
// committed text for save-text.
type UpdatePayload struct {
	ElementID string         `json:"elementId,omitempty"`
	Element   *board.Element `json:"element,omitempty"`
	Text      string         `json:"text,omitempty"`
}

// Update is the canvas:update envelope, relayed verbatim to every other
// connection in the room.
type Update struct {
	RoomID    string           `json:"roomId"`
	Command   board.Command    `json:"command"`
	Elements  []*board.Element `json:"elements"`
	UpdatedBy string           `json:"updatedBy"`
	Source    Source           `json:"source"`
	Payload   *UpdatePayload   `json:"payload,omitempty"`
}

// Validate rejects envelopes the relay should drop rather than forward.
func (u *Update) Validate() error {
	if u.RoomID == "" {
		return fmt.Errorf("update without roomId")
	}
	if _, err := board.ParseCommand(string(u.Command)); err != nil {
		return err
	}
	return nil
}

type JoinRequest struct {
	RoomID string `json:"roomId"`
}

type LeaveRequest struct {
	RoomID string `json:"roomId"`
}

// Joined confirms room membership to the joining connection.
type Joined struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	Owner        bool   `json:"owner"`
}

type UserJoined struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

type UserLeft struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
}

type OwnerJoined struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SyncRequest asks the rest of the room for current full state.
// RequesterID is stamped by the hub so responders can answer unicast.
type SyncRequest struct {
	RoomID      string `json:"roomId"`
	RequesterID string `json:"requesterId,omitempty"`
}

// SyncState is a full element snapshot.
type SyncState struct {
	Elements []*board.Element `json:"elements"`
}

// SyncResponse is the unicast reply to a SyncRequest. First responder wins.
type SyncResponse struct {
	TargetID string    `json:"targetId"`
	RoomID   string    `json:"roomId"`
	State    SyncState `json:"state"`
}

// ElementsSync seeds a joining connection with the persisted canvas.
type ElementsSync struct {
	RoomID   string           `json:"roomId"`
	Elements []*board.Element `json:"elements"`
}

type CursorUpdate struct {
	RoomID       string  `json:"roomId"`
	ConnectionID string  `json:"connectionId,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
}

type PresenceUpdate struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Status       string `json:"status"`
}
