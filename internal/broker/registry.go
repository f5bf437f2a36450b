package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry owns all connection handles. It is created on broker start and
// closed on shutdown; handlers receive it by reference.
// All methods are safe for concurrent use.
type Registry struct {
	reserved string
	logger   *zap.Logger

	mu      sync.RWMutex
	conns   map[string]*Conn // id → connection
	handles map[Outbox]*Conn // transport handle → connection
}

// NewRegistry creates an empty connection registry.
//
// Precondition: reserved must be non-empty; logger must be non-nil.
func NewRegistry(reserved string, logger *zap.Logger) *Registry {
	return &Registry{
		reserved: reserved,
		logger:   logger,
		conns:    make(map[string]*Conn),
		handles:  make(map[Outbox]*Conn),
	}
}

// Reserved returns the system identity name login may not claim.
func (r *Registry) Reserved() string { return r.reserved }

// Connect registers a transport handle and returns its connection.
// Idempotent: a second call for a known handle returns the existing
// connection unchanged.
//
// Precondition: out must be non-nil.
func (r *Registry) Connect(out Outbox, ip string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[out]; ok {
		return existing
	}

	conn := &Conn{
		id:           uuid.NewString(),
		ip:           ip,
		outbox:       out,
		rooms:        make(map[string]struct{}),
		lastActivity: time.Now(),
	}
	r.conns[conn.id] = conn
	r.handles[out] = conn

	r.logger.Info("connection registered",
		zap.String("conn_id", conn.id),
		zap.String("ip", ip),
		zap.Int("connections", len(r.conns)),
	)
	return conn
}

// Authenticate confirms a claimed identity for the connection.
//
// Postcondition: On success the connection is authenticated under name.
// Returns ErrAccessDenied if name is the reserved system identity,
// ErrSchemaViolation if name is empty, or ErrAlreadyLoggedIn.
func (r *Registry) Authenticate(conn *Conn, name, avatar string) error {
	if name == "" {
		return fmt.Errorf("%w: empty display name", ErrSchemaViolation)
	}
	if name == r.reserved {
		return fmt.Errorf("%w: %q is reserved", ErrAccessDenied, name)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.authenticated {
		return ErrAlreadyLoggedIn
	}
	conn.authenticated = true
	conn.name = name
	if avatar != "" {
		conn.avatar = avatar
	}

	r.logger.Info("connection authenticated",
		zap.String("conn_id", conn.id),
		zap.String("name", name),
		zap.String("ip", conn.ip),
	)
	return nil
}

// Get returns the connection for the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove deletes the connection from the registry.
// The caller is responsible for having already left all rooms.
//
// Postcondition: The handle and id are unknown afterwards, even if they
// were never registered.
func (r *Registry) Remove(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, conn.id)
	delete(r.handles, conn.outbox)

	r.logger.Info("connection removed",
		zap.String("conn_id", conn.id),
		zap.Int("connections", len(r.conns)),
	)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
