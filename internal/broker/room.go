package broker

import "time"

// MemberView is the per-room projection of a connection.
type MemberView struct {
	DisplayName string `json:"displayName"`
	Pose        Pose   `json:"pose"`
}

// Room is a named broadcast group with a bounded event history.
// Rooms are mutated only under the owning registry's lock.
type Room struct {
	id        string
	createdAt time.Time
	members   map[*Conn]*MemberView
	history   *historyRing
}

// ID returns the room id.
func (rm *Room) ID() string { return rm.id }

// CreatedAt returns the room creation time.
func (rm *Room) CreatedAt() time.Time { return rm.createdAt }

// historyRing is a bounded FIFO of durable events. Appending beyond the
// bound evicts the oldest entry first.
type historyRing struct {
	buf   []Event
	start int
	size  int
}

func newHistoryRing(bound int) *historyRing {
	return &historyRing{buf: make([]Event, bound)}
}

// Append records ev, evicting the oldest entry when full.
func (h *historyRing) Append(ev Event) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = ev
		h.size++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot returns the retained events, oldest first.
func (h *historyRing) Snapshot() []Event {
	out := make([]Event, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of retained events.
func (h *historyRing) Len() int { return h.size }
