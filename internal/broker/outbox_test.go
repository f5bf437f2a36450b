package broker

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dilemmalab/arena/internal/config"
	"github.com/dilemmalab/arena/internal/game/dice"
)

// fakeOutbox captures everything sent to one connection.
type fakeOutbox struct {
	mu      sync.Mutex
	sent    []any
	closed  bool
	failing bool
}

func (f *fakeOutbox) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("outbox full")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeOutbox) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutbox) replies() []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Reply
	for _, v := range f.sent {
		if r, ok := v.(Reply); ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeOutbox) lastReply() (Reply, bool) {
	rs := f.replies()
	if len(rs) == 0 {
		return Reply{}, false
	}
	return rs[len(rs)-1], true
}

func (f *fakeOutbox) events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, v := range f.sent {
		if e, ok := v.(Event); ok {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeOutbox) eventsOf(typ string) []Event {
	var out []Event
	for _, e := range f.events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeOutbox) waitEvent(t *testing.T, typ string) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := f.eventsOf(typ); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q event arrived in time", typ)
	return Event{}
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Name: "system"},
		Rooms: config.RoomsConfig{
			DefaultRoom:  "main",
			HistoryBound: 100,
			PoseInterval: 50 * time.Millisecond,
		},
		Match: config.MatchConfig{
			PollInterval: 5 * time.Millisecond,
			PollAttempts: 50,
		},
		Game: config.GameConfig{
			RoundsMin:       1,
			RoundsMax:       1,
			BlocksMain:      1,
			Strategy:        "tit_for_tat",
			RecomputeChoice: true,
		},
		Logging: config.LoggingConfig{Level: "debug", Format: "console"},
	}
}

func newTestBroker(t *testing.T, cfg config.Config) *Broker {
	t.Helper()
	b := NewBroker(cfg, zaptest.NewLogger(t), nil, nil, dice.NewSequenceSource(0))
	t.Cleanup(b.Close)
	return b
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// loggedIn connects and authenticates a fresh participant.
func loggedIn(t *testing.T, b *Broker, name string) (*Conn, *fakeOutbox) {
	t.Helper()
	out := &fakeOutbox{}
	conn := b.HandleConnect(out, "127.0.0.1:1")
	b.HandleEnvelope(conn, Envelope{
		Target:  SystemTarget,
		Type:    TypeLogin,
		Payload: raw(`{"name":"` + name + `","avatar":"casual_01"}`),
	})
	return conn, out
}
