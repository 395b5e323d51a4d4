package client

import (
	"log"

	"drawspace/api/internal/board"
	"drawspace/api/internal/protocol"
)

// dispatchLoop serializes everything arriving from the transport. Together
// with the session mutex this gives every store and history mutation
// run-to-completion semantics.
func (s *Session) dispatchLoop() {
	defer close(s.loopDone)
	for msg := range s.transport.Receive() {
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg protocol.Message) {
	switch msg.Event {
	case protocol.EventUpdate:
		var update protocol.Update
		if err := msg.Decode(&update); err != nil {
			log.Printf("dropping malformed update: %v", err)
			return
		}
		s.applyRemote(update)

	case protocol.EventSyncRequest:
		var req protocol.SyncRequest
		if err := msg.Decode(&req); err != nil {
			return
		}
		s.answerSyncRequest(req)

	case protocol.EventSyncResponse:
		var resp protocol.SyncResponse
		if err := msg.Decode(&resp); err != nil {
			return
		}
		s.applySyncState(resp.RoomID, resp.State.Elements)

	case protocol.EventElementsSync:
		var seed protocol.ElementsSync
		if err := msg.Decode(&seed); err != nil {
			return
		}
		s.applySyncState(seed.RoomID, seed.Elements)

	case protocol.EventJoined:
		var joined protocol.Joined
		if err := msg.Decode(&joined); err != nil {
			return
		}
		s.mu.Lock()
		if joined.RoomID == s.roomID {
			s.connectionID = joined.ConnectionID
		}
		s.mu.Unlock()

	case protocol.EventError:
		var errEvent protocol.ErrorEvent
		if err := msg.Decode(&errEvent); err != nil {
			return
		}
		log.Printf("room error: %s %s", errEvent.Code, errEvent.Message)
		if s.onError != nil {
			s.onError(errEvent)
		}

	case protocol.EventUserJoined, protocol.EventUserLeft, protocol.EventOwnerJoined,
		protocol.EventCursorUpdate, protocol.EventPresenceUpdate:
		if s.onPeer != nil {
			s.onPeer(msg)
		}
	}
}

// applyRemote is the inbound half of the update reconciler. The origin is
// force-tagged remote regardless of the sender's claim, the mutation never
// reaches the history engine, and it never arms a persistence write.
func (s *Session) applyRemote(update protocol.Update) {
	update.Source = protocol.SourceRemote

	s.mu.Lock()
	defer s.mu.Unlock()
	if update.RoomID != s.roomID {
		return
	}

	switch update.Command {
	case board.DrawDown, board.AddText:
		if len(update.Elements) == 0 || update.Elements[0] == nil {
			return
		}
		el := update.Elements[0]
		if s.store.Get(el.ID) != nil {
			// Duplicate delivery.
			return
		}
		s.store.Insert(el)

	case board.DrawMove:
		if len(update.Elements) == 0 || update.Elements[0] == nil {
			return
		}
		s.store.Merge(update.Elements[0])

	case board.DrawUp:
		// Completion is a local tool-state transition; nothing to apply
		// for a remote peer's gesture.

	case board.EraseElement:
		id := payloadElementID(update)
		if id == "" {
			return
		}
		s.store.Remove(id)

	case board.SaveText:
		if update.Payload == nil {
			return
		}
		s.store.SetText(update.Payload.ElementID, update.Payload.Text)

	case board.Undo, board.Redo:
		// Exact patch, never a recomputed merge: insert when the patch
		// carries the restored element, remove otherwise.
		if update.Payload == nil {
			return
		}
		if update.Payload.Element != nil {
			s.store.Insert(update.Payload.Element)
		} else if update.Payload.ElementID != "" {
			s.store.Remove(update.Payload.ElementID)
		}

	case board.SetElements:
		// Bulk replace rides sync-response/elements-sync frames, never a
		// generic update.
		log.Printf("dropping SET_ELEMENTS sent as update from %s", update.UpdatedBy)

	default:
		log.Printf("dropping update with unknown command %q", update.Command)
	}
}

func payloadElementID(update protocol.Update) string {
	if update.Payload != nil && update.Payload.ElementID != "" {
		return update.Payload.ElementID
	}
	if len(update.Elements) > 0 && update.Elements[0] != nil {
		return update.Elements[0].ID
	}
	return ""
}

// answerSyncRequest serves a full snapshot unicast to the requester. Any
// peer may answer; first response wins on the requesting side.
func (s *Session) answerSyncRequest(req protocol.SyncRequest) {
	s.mu.Lock()
	if req.RoomID != s.roomID || req.RequesterID == "" {
		s.mu.Unlock()
		return
	}
	state := protocol.SyncState{Elements: s.store.Snapshot()}
	room := s.roomID
	s.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.EventSyncResponse, protocol.SyncResponse{
		TargetID: req.RequesterID,
		RoomID:   room,
		State:    state,
	})
	if err != nil {
		return
	}
	_ = s.transport.Send(msg)
}

// applySyncState bulk-replaces the store from a resync or seed. Responses
// for rooms the session has since left are ignored.
func (s *Session) applySyncState(roomID string, elements []*board.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roomID != s.roomID {
		return
	}
	s.store.Replace(elements)
}
