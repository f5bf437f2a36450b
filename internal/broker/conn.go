package broker

import (
	"sync"
	"time"

	"github.com/dilemmalab/arena/internal/game/duel"
)

// Outbox delivers outbound records to one transport endpoint.
// Implementations must not block indefinitely; a full or closed endpoint
// returns an error and the record is dropped.
type Outbox interface {
	Send(v any) error
	Close() error
}

// Conn is the broker-side handle for one transport endpoint.
//
// Identity and ambient fields are guarded by the connection's own mutex.
// The rooms set is owned by the room registry and only mutated under its
// lock, so membership updates stay consistent with room member sets.
type Conn struct {
	id     string
	ip     string
	outbox Outbox

	// rooms is the set of joined room ids. Owned by *Rooms.
	rooms map[string]struct{}

	mu            sync.Mutex
	authenticated bool
	name          string
	avatar        string
	lastActivity  time.Time
	pose          Pose
	session       *duel.Session
}

// ID returns the registry-assigned connection id.
func (c *Conn) ID() string { return c.id }

// IP returns the remote address recorded at connect time.
func (c *Conn) IP() string { return c.ip }

// Key returns the connection id. Satisfies match.Participant and duel.Side.
func (c *Conn) Key() string { return c.id }

// Identity returns the display name, or "" when unauthenticated.
// Satisfies match.Participant.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Name returns the display name. Satisfies duel.Side.
func (c *Conn) Name() string { return c.Identity() }

// Avatar returns the avatar identifier chosen at login.
func (c *Conn) Avatar() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avatar
}

// Human reports that this side of a game session is a live participant.
func (c *Conn) Human() bool { return true }

// Authenticated reports whether the connection has a confirmed identity.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Touch records inbound activity.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent inbound message.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetPose replaces the ambient pose.
func (c *Conn) SetPose(p Pose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pose = p
}

// CurrentPose returns the most recent ambient pose.
func (c *Conn) CurrentPose() Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pose
}

// Session returns the active game session, or nil when unpaired.
func (c *Conn) Session() *duel.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession attaches or clears the active game session.
func (c *Conn) SetSession(s *duel.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Send delivers one outbound record to this connection.
func (c *Conn) Send(v any) error {
	return c.outbox.Send(v)
}

// Deliver pushes a game event to this side. Satisfies duel.Side.
// Delivery failures are ignored here; a dead endpoint is torn down by the
// transport's own read loop.
func (c *Conn) Deliver(typ string, payload any) {
	_ = c.Send(NewEvent("game", SystemTarget, typ, payload))
}
