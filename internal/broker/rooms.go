package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dilemmalab/arena/internal/config"
)

// Rooms owns every room and all room membership. Join and leave mutate the
// room's member set and the connection's joined-room set under one lock, so
// the two can never disagree.
//
// Invariant: the default room always exists and is never destroyed; every
// other room is destroyed the instant its member set becomes empty.
type Rooms struct {
	cfg    config.RoomsConfig
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRooms creates the room registry with the permanent default room open.
//
// Precondition: cfg must be validated; logger must be non-nil.
func NewRooms(cfg config.RoomsConfig, logger *zap.Logger) *Rooms {
	r := &Rooms{
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]*Room),
	}
	r.rooms[cfg.DefaultRoom] = r.newRoom(cfg.DefaultRoom)
	return r
}

func (r *Rooms) newRoom(id string) *Room {
	return &Room{
		id:        id,
		createdAt: time.Now(),
		members:   make(map[*Conn]*MemberView),
		history:   newHistoryRing(r.cfg.HistoryBound),
	}
}

// DefaultRoom returns the permanent room's id.
func (r *Rooms) DefaultRoom() string { return r.cfg.DefaultRoom }

// Open creates a room with defaults if absent. No-op if present.
//
// Precondition: id must be non-empty and not the system target.
func (r *Rooms) Open(id string) {
	if id == "" || id == SystemTarget {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openLocked(id)
}

func (r *Rooms) openLocked(id string) *Room {
	if room, ok := r.rooms[id]; ok {
		return room
	}
	room := r.newRoom(id)
	r.rooms[id] = room
	r.logger.Info("room opened", zap.String("room", id))
	return room
}

// closeLocked destroys an empty non-default room.
func (r *Rooms) closeLocked(room *Room) {
	if room.id == r.cfg.DefaultRoom {
		return
	}
	if len(room.members) > 0 {
		return
	}
	delete(r.rooms, room.id)
	r.logger.Info("room closed", zap.String("room", room.id))
}

// Join adds conn to the named room, creating it if absent. The joining
// connection receives the room's current history; everyone else receives a
// join event. Under a single-room policy the connection implicitly leaves
// all prior rooms first.
//
// Postcondition: On success conn is a member and its joined set lists the
// room. Returns ErrNotAuthenticated or ErrAlreadyInRoom.
func (r *Rooms) Join(conn *Conn, roomID string) error {
	if !conn.Authenticated() {
		return ErrNotAuthenticated
	}
	if roomID == "" || roomID == SystemTarget {
		return fmt.Errorf("%w: invalid room id", ErrSchemaViolation)
	}

	r.mu.Lock()
	if _, ok := conn.rooms[roomID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInRoom, roomID)
	}

	var vacated []*Room
	if r.cfg.SingleRoom {
		for id := range conn.rooms {
			if prev, ok := r.rooms[id]; ok {
				delete(prev.members, conn)
				delete(conn.rooms, id)
				vacated = append(vacated, prev)
				r.closeLocked(prev)
			}
		}
	}

	room := r.openLocked(roomID)
	room.members[conn] = &MemberView{
		DisplayName: conn.Identity(),
		Pose:        conn.CurrentPose(),
	}
	conn.rooms[roomID] = struct{}{}
	history := room.history.Snapshot()
	r.mu.Unlock()

	for _, prev := range vacated {
		r.Broadcast(prev.id, NewEvent(prev.id, conn.Identity(), TypeLeave, nil), conn)
	}

	// History replay goes to the joiner only; the join event to everyone else.
	if err := conn.Send(NewEvent(roomID, conn.Identity(), TypeHistory, history)); err != nil {
		r.logger.Warn("history delivery failed",
			zap.String("room", roomID),
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
	}
	r.Broadcast(roomID, NewEvent(roomID, conn.Identity(), TypeJoin, nil), conn)

	r.logger.Info("joined room",
		zap.String("room", roomID),
		zap.String("name", conn.Identity()),
	)
	return nil
}

// Leave removes conn from the named room. When forced (kick or implicit
// leave) the member is notified directly instead of the room.
//
// Postcondition: conn is not a member; an empty non-default room is
// destroyed. Returns ErrNotInRoom or ErrNoSuchRoom.
func (r *Rooms) Leave(conn *Conn, roomID string, forced bool) error {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchRoom, roomID)
	}
	if _, ok := conn.rooms[roomID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInRoom, roomID)
	}
	delete(room.members, conn)
	delete(conn.rooms, roomID)
	r.closeLocked(room)
	r.mu.Unlock()

	if forced {
		_ = conn.Send(NewEvent(roomID, conn.Identity(), TypeKick, nil))
	} else {
		r.Broadcast(roomID, NewEvent(roomID, conn.Identity(), TypeLeave, nil), conn)
	}

	r.logger.Info("left room",
		zap.String("room", roomID),
		zap.String("name", conn.Identity()),
		zap.Bool("forced", forced),
	)
	return nil
}

// LeaveAll removes conn from every joined room, broadcasting a leave event
// to each. Used by the disconnect cleanup path; removal is unconditional.
func (r *Rooms) LeaveAll(conn *Conn) {
	r.mu.Lock()
	left := make([]string, 0, len(conn.rooms))
	for id := range conn.rooms {
		if room, ok := r.rooms[id]; ok {
			delete(room.members, conn)
			r.closeLocked(room)
		}
		delete(conn.rooms, id)
		left = append(left, id)
	}
	r.mu.Unlock()

	for _, id := range left {
		r.Broadcast(id, NewEvent(id, conn.Identity(), TypeLeave, nil), conn)
	}
}

// Member reports whether conn has joined the named room.
func (r *Rooms) Member(conn *Conn, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := conn.rooms[roomID]
	return ok
}

// JoinedRooms returns the ids of every room conn has joined.
func (r *Rooms) JoinedRooms(conn *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(conn.rooms))
	for id := range conn.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Members returns a snapshot of the room's member connections.
func (r *Rooms) Members(roomID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(room.members))
	for c := range room.members {
		out = append(out, c)
	}
	return out
}

// RoomListing is one entry of the room listing reply.
type RoomListing struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// Listing returns all open rooms with their member counts, sorted by id.
func (r *Rooms) Listing() []RoomListing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomListing, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, RoomListing{ID: id, Members: len(room.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MemberPose is one member's ambient pose as seen by a room.
type MemberPose struct {
	Name string `json:"name"`
	Pose Pose   `json:"pose"`
}

// PoseSnapshot returns the ambient poses of every occupied room, keyed by
// room id. Rooms with no members are omitted.
func (r *Rooms) PoseSnapshot() map[string][]MemberPose {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]MemberPose, len(r.rooms))
	for id, room := range r.rooms {
		if len(room.members) == 0 {
			continue
		}
		poses := make([]MemberPose, 0, len(room.members))
		for _, view := range room.members {
			poses = append(poses, MemberPose{Name: view.DisplayName, Pose: view.Pose})
		}
		sort.Slice(poses, func(i, j int) bool { return poses[i].Name < poses[j].Name })
		out[id] = poses
	}
	return out
}

// Broadcast fans ev out to every member of the room, skipping exclude when
// non-nil. Used with exclusion for state-changing events the sender already
// knows about (join, leave, pose).
func (r *Rooms) Broadcast(roomID string, ev Event, exclude *Conn) {
	for _, member := range r.Members(roomID) {
		if member == exclude {
			continue
		}
		if err := member.Send(ev); err != nil {
			r.logger.Warn("broadcast delivery failed",
				zap.String("room", roomID),
				zap.String("conn_id", member.ID()),
				zap.String("type", ev.Type),
				zap.Error(err),
			)
		}
	}
}

// Record appends ev to the room's bounded history. Called only for durable
// message types, never for ambient pose or status traffic.
func (r *Rooms) Record(roomID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		room.history.Append(ev)
	}
}

// History returns the room's retained events, oldest first.
func (r *Rooms) History(roomID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.history.Snapshot()
}

// UpdateMemberPose refreshes the per-room projection of conn's ambient pose.
func (r *Rooms) UpdateMemberPose(conn *Conn, roomID string, p Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		if view, ok := room.members[conn]; ok {
			view.Pose = p
		}
	}
}
