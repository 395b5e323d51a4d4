// Package hub is the server side of the sync protocol: it authenticates
// websocket connections, tracks room membership, and relays room-scoped
// events. It never interprets element geometry; updates are relayed
// verbatim, always excluding the sender.
package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"drawspace/api/internal/access"
	"drawspace/api/internal/protocol"
	"drawspace/api/internal/store"
)

const checkTimeout = 5 * time.Second

type Hub struct {
	secret   []byte
	checker  access.Checker
	canvases store.CanvasStore

	register   chan *Conn
	unregister chan *Conn
	joins      chan joinRequest
	leaves     chan leaveRequest
	frames     chan frame
	// Closed when the run loop exits, so pump goroutines never block on a
	// hub that stopped receiving.
	done chan struct{}

	// Membership state, touched only by the run loop.
	rooms map[string]map[*Conn]struct{}
	conns map[string]*Conn
}

type joinRequest struct {
	conn  *Conn
	room  string
	owner bool
	// Persisted elements to seed the joining client with, nil when the
	// canvas store could not answer.
	seed *protocol.ElementsSync
}

type leaveRequest struct {
	conn *Conn
	room string
}

type frame struct {
	conn *Conn
	msg  protocol.Message
}

// New creates a hub. canvases may be nil; joins then skip element seeding
// and owner detection.
func New(secret []byte, checker access.Checker, canvases store.CanvasStore) *Hub {
	return &Hub{
		secret:     secret,
		checker:    checker,
		canvases:   canvases,
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		joins:      make(chan joinRequest),
		leaves:     make(chan leaveRequest),
		frames:     make(chan frame, 64),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*Conn]struct{}),
		conns:      make(map[string]*Conn),
	}
}

// Run drives the hub until ctx is cancelled. All membership mutation
// happens here, so no locks guard the room maps.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, conn := range h.conns {
				conn.closeSend()
			}
			return
		case conn := <-h.register:
			h.conns[conn.id] = conn
		case conn := <-h.unregister:
			h.dropConn(conn)
		case req := <-h.joins:
			h.handleJoin(req)
		case req := <-h.leaves:
			h.handleLeave(req.conn, req.room, true)
		case f := <-h.frames:
			h.handleFrame(f.conn, f.msg)
		}
	}
}

func (h *Hub) dropConn(conn *Conn) {
	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	delete(h.conns, conn.id)
	for room := range conn.rooms {
		h.handleLeave(conn, room, true)
	}
	conn.closeSend()
	log.Printf("connection closed: %s (user %s)", conn.id, conn.identity.UserID)
}

func (h *Hub) handleJoin(req joinRequest) {
	conn, room := req.conn, req.room
	if _, ok := h.conns[conn.id]; !ok {
		// Disconnected while the access check was in flight.
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[conn] = struct{}{}
	conn.rooms[room] = struct{}{}
	log.Printf("connection %s joined room %s", conn.id, room)

	conn.sendEvent(protocol.EventJoined, protocol.Joined{
		RoomID:       room,
		ConnectionID: conn.id,
		Owner:        req.owner,
	})
	if req.seed != nil {
		conn.sendEvent(protocol.EventElementsSync, req.seed)
	}
	h.broadcast(room, conn, protocol.EventUserJoined, protocol.UserJoined{
		RoomID:       room,
		ConnectionID: conn.id,
		UserID:       conn.identity.UserID,
		UserName:     conn.identity.Name,
	})
	if req.owner {
		h.broadcast(room, conn, protocol.EventOwnerJoined, protocol.OwnerJoined{
			RoomID: room,
			UserID: conn.identity.UserID,
		})
	}
}

func (h *Hub) handleLeave(conn *Conn, room string, notify bool) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	if _, member := members[conn]; !member {
		return
	}
	delete(members, conn)
	delete(conn.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if notify {
		h.broadcast(room, conn, protocol.EventUserLeft, protocol.UserLeft{
			RoomID:       room,
			ConnectionID: conn.id,
		})
	}
}

func (h *Hub) handleFrame(conn *Conn, msg protocol.Message) {
	switch msg.Event {
	case protocol.EventUpdate:
		var update protocol.Update
		if err := msg.Decode(&update); err != nil {
			h.dropMalformed(conn, err)
			return
		}
		if err := update.Validate(); err != nil {
			h.dropMalformed(conn, err)
			return
		}
		if !h.inRoom(conn, update.RoomID) {
			return
		}
		// Relayed verbatim; the receiving reconciler rewrites source
		// itself, but stamping remote here spares honest clients the
		// self-echo check.
		update.Source = protocol.SourceRemote
		h.broadcast(update.RoomID, conn, protocol.EventUpdate, update)

	case protocol.EventSyncRequest:
		var req protocol.SyncRequest
		if err := msg.Decode(&req); err != nil {
			h.dropMalformed(conn, err)
			return
		}
		if !h.inRoom(conn, req.RoomID) {
			return
		}
		req.RequesterID = conn.id
		h.broadcast(req.RoomID, conn, protocol.EventSyncRequest, req)

	case protocol.EventSyncResponse:
		var resp protocol.SyncResponse
		if err := msg.Decode(&resp); err != nil {
			h.dropMalformed(conn, err)
			return
		}
		if !h.inRoom(conn, resp.RoomID) {
			return
		}
		target, ok := h.conns[resp.TargetID]
		if !ok {
			// Requester already gone; best effort only.
			return
		}
		// Responder and requester must share the room, or any
		// authenticated connection could overwrite a stranger's store.
		if !h.inRoom(target, resp.RoomID) {
			return
		}
		if !target.sendEvent(protocol.EventSyncResponse, resp) {
			h.dropConn(target)
		}

	case protocol.EventCursorUpdate:
		var cursor protocol.CursorUpdate
		if err := msg.Decode(&cursor); err != nil {
			h.dropMalformed(conn, err)
			return
		}
		if !h.inRoom(conn, cursor.RoomID) {
			return
		}
		cursor.ConnectionID = conn.id
		h.broadcast(cursor.RoomID, conn, protocol.EventCursorUpdate, cursor)

	case protocol.EventPresenceUpdate:
		var presence protocol.PresenceUpdate
		if err := msg.Decode(&presence); err != nil {
			h.dropMalformed(conn, err)
			return
		}
		if !h.inRoom(conn, presence.RoomID) {
			return
		}
		presence.ConnectionID = conn.id
		presence.UserID = conn.identity.UserID
		h.broadcast(presence.RoomID, conn, protocol.EventPresenceUpdate, presence)

	default:
		h.dropMalformed(conn, errors.New("unexpected event "+string(msg.Event)))
	}
}

// dropMalformed logs and discards a bad frame. The connection stays open.
func (h *Hub) dropMalformed(conn *Conn, err error) {
	log.Printf("dropping malformed frame from %s: %v", conn.id, err)
}

func (h *Hub) inRoom(conn *Conn, room string) bool {
	_, ok := conn.rooms[room]
	return ok
}

// broadcast sends to every room member except sender. Members whose queue
// is full are dropped afterwards, through the run loop's own dropConn, so
// membership and channel close stay in step.
func (h *Hub) broadcast(room string, sender *Conn, event protocol.Event, data any) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	msg, err := protocol.NewMessage(event, data)
	if err != nil {
		log.Printf("marshal %s broadcast: %v", event, err)
		return
	}
	var stalled []*Conn
	for member := range members {
		if member == sender {
			continue
		}
		if !member.enqueue(msg) {
			stalled = append(stalled, member)
		}
	}
	for _, member := range stalled {
		log.Printf("send queue full, dropping %s", member.id)
		h.dropConn(member)
	}
}

// authorizeJoin runs outside the run loop, in the connection's read pump,
// so a slow store lookup stalls one connection rather than every room.
func (h *Hub) authorizeJoin(ctx context.Context, conn *Conn, room string) (joinRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	allowed, err := h.checker.CanView(ctx, conn.identity.UserID, room)
	if err != nil {
		if errors.Is(err, store.ErrCanvasNotFound) {
			return joinRequest{}, protocol.AuthorizationError("no access to canvas")
		}
		return joinRequest{}, err
	}
	if !allowed {
		return joinRequest{}, protocol.AuthorizationError("no access to canvas")
	}

	req := joinRequest{conn: conn, room: room}
	if h.canvases != nil {
		canvas, err := h.canvases.GetCanvas(ctx, room)
		if err == nil {
			req.owner = canvas.OwnerID == conn.identity.UserID
			req.seed = &protocol.ElementsSync{RoomID: room, Elements: canvas.Elements}
		} else if !errors.Is(err, store.ErrCanvasNotFound) {
			log.Printf("canvas seed unavailable for room %s: %v", room, err)
		}
	}
	return req, nil
}
