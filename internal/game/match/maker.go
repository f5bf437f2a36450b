// Package match implements polling-based rendezvous pairing: idle
// participants that search concurrently are paired exclusively and
// symmetrically, with a per-participant busy guard rejecting overlapping
// actions instead of queueing them.
package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dilemmalab/arena/internal/config"
)

// ErrBusy is returned when a participant already has an action in flight.
var ErrBusy = errors.New("action already in flight")

// ErrAlreadyPaired is returned for a search by a paired participant.
var ErrAlreadyPaired = errors.New("already paired")

// ErrNoPlayers is returned when a bounded search exhausts its attempts.
var ErrNoPlayers = errors.New("no players available")

// ErrNotRegistered is returned for an unknown participant key.
var ErrNotRegistered = errors.New("participant not registered")

// Participant is a pairable member of the pool.
type Participant interface {
	Key() string
	Identity() string
}

type entry struct {
	p         Participant
	busy      bool
	searching bool
	// peer is the paired participant's key, empty while unpaired.
	peer string
}

// Maker tracks the participant pool and pairs searchers. Pairing is always
// symmetric: a.peer == b iff b.peer == a, maintained under a single lock.
type Maker struct {
	cfg    config.MatchConfig
	logger *zap.Logger

	mu   sync.Mutex
	pool map[string]*entry
}

// NewMaker creates an empty pool.
func NewMaker(cfg config.MatchConfig, logger *zap.Logger) *Maker {
	return &Maker{
		cfg:    cfg,
		logger: logger,
		pool:   make(map[string]*entry),
	}
}

// Register adds a participant to the pool. Idempotent per key.
func (m *Maker) Register(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pool[p.Key()]; ok {
		return
	}
	m.pool[p.Key()] = &entry{p: p}
}

// Deregister removes a participant. If it was paired, the peer is unpaired
// and returned so the caller can tear down the shared session.
//
// Postcondition: Neither side of a former pair references the other.
func (m *Maker) Deregister(key string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	if !ok {
		return nil, false
	}
	delete(m.pool, key)
	if e.peer == "" {
		return nil, false
	}
	peer, ok := m.pool[e.peer]
	if !ok {
		return nil, false
	}
	peer.peer = ""
	return peer.p, true
}

// Opponent returns the paired peer for key, if any.
func (m *Maker) Opponent(key string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	if !ok || e.peer == "" {
		return nil, false
	}
	peer, ok := m.pool[e.peer]
	if !ok {
		return nil, false
	}
	return peer.p, true
}

// Paired reports whether key currently has a peer.
func (m *Maker) Paired(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	return ok && e.peer != ""
}

// Acquire takes the participant's busy guard. Every externally triggered
// action holds the guard for its whole duration; a second action arriving
// meanwhile fails with ErrBusy rather than interleaving.
func (m *Maker) Acquire(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	if !ok {
		return ErrNotRegistered
	}
	if e.busy {
		return ErrBusy
	}
	e.busy = true
	return nil
}

// Release returns the busy guard. Safe when the participant has been
// deregistered meanwhile.
func (m *Maker) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pool[key]; ok {
		e.busy = false
	}
}

// Search polls the pool for another searcher until one is found, the
// attempt budget runs out, or ctx is cancelled. When this searcher closes
// the pair it returns (peer, true, nil); when another searcher paired us
// first it returns (peer, false, nil) and the initiator handles session
// setup. Exhaustion returns ErrNoPlayers.
//
// Precondition: the caller holds the busy guard for key.
// Postcondition: on success both entries reference each other and neither
// is marked searching.
func (m *Maker) Search(ctx context.Context, key string) (Participant, bool, error) {
	m.mu.Lock()
	e, ok := m.pool[key]
	if !ok {
		m.mu.Unlock()
		return nil, false, ErrNotRegistered
	}
	if e.peer != "" {
		m.mu.Unlock()
		return nil, false, ErrAlreadyPaired
	}
	e.searching = true
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < m.cfg.PollAttempts; attempt++ {
		peer, initiated, done := m.tryPair(key)
		if done {
			return peer, initiated, nil
		}
		select {
		case <-ctx.Done():
			m.stopSearching(key)
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
	}

	m.stopSearching(key)
	m.logger.Debug("search exhausted", zap.String("key", key))
	return nil, false, ErrNoPlayers
}

// tryPair performs one poll step. done is true when the search is over,
// either because we initiated a pair or because a peer paired us.
func (m *Maker) tryPair(key string) (peer Participant, initiated, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pool[key]
	if !ok {
		return nil, false, true
	}
	if e.peer != "" {
		e.searching = false
		p, ok := m.pool[e.peer]
		if !ok {
			return nil, false, true
		}
		return p.p, false, true
	}

	for k, cand := range m.pool {
		if k == key || !cand.searching || cand.peer != "" {
			continue
		}
		e.peer = k
		cand.peer = key
		e.searching = false
		cand.searching = false
		m.logger.Info("pair formed",
			zap.String("a", e.p.Identity()),
			zap.String("b", cand.p.Identity()),
		)
		return cand.p, true, true
	}
	return nil, false, false
}

func (m *Maker) stopSearching(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pool[key]; ok {
		e.searching = false
	}
}

// PairWith registers peer and pairs it with key directly, bypassing the
// poll loop. Used to attach an automated opponent after an empty search.
//
// Precondition: key registered and unpaired.
func (m *Maker) PairWith(key string, peer Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	if !ok {
		return ErrNotRegistered
	}
	if e.peer != "" {
		return ErrAlreadyPaired
	}
	m.pool[peer.Key()] = &entry{p: peer, peer: key}
	e.peer = peer.Key()
	e.searching = false
	m.logger.Info("pair formed with automated opponent",
		zap.String("a", e.p.Identity()),
		zap.String("b", peer.Identity()),
	)
	return nil
}

// Unpair dissolves key's pairing, returning the former peer. The peer's
// pool entry survives; automated peers should be deregistered by the
// caller.
func (m *Maker) Unpair(key string) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	if !ok || e.peer == "" {
		return nil, false
	}
	peer, ok := m.pool[e.peer]
	e.peer = ""
	if !ok {
		return nil, false
	}
	peer.peer = ""
	return peer.p, true
}

// Count returns the pool size.
func (m *Maker) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}
