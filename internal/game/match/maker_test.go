package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/dilemmalab/arena/internal/config"
)

type stubParticipant struct {
	key  string
	name string
}

func (s *stubParticipant) Key() string      { return s.key }
func (s *stubParticipant) Identity() string { return s.name }

func testMatchConfig() config.MatchConfig {
	return config.MatchConfig{
		PollInterval: 5 * time.Millisecond,
		PollAttempts: 20,
	}
}

func newTestMaker(t *testing.T) *Maker {
	t.Helper()
	return NewMaker(testMatchConfig(), zaptest.NewLogger(t))
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := newTestMaker(t)
	p := &stubParticipant{key: "p1", name: "One"}

	m.Register(p)
	m.Register(p)
	assert.Equal(t, 1, m.Count())
}

func TestConcurrentSearchersPairSymmetrically(t *testing.T) {
	m := newTestMaker(t)
	a := &stubParticipant{key: "a", name: "Alice"}
	b := &stubParticipant{key: "b", name: "Bert"}
	m.Register(a)
	m.Register(b)

	type result struct {
		peer      Participant
		initiated bool
		err       error
	}
	results := make(chan result, 2)
	for _, p := range []Participant{a, b} {
		p := p
		go func() {
			peer, initiated, err := m.Search(context.Background(), p.Key())
			results <- result{peer, initiated, err}
		}()
	}

	var initiators int
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.NotNil(t, r.peer)
		if r.initiated {
			initiators++
		}
	}
	assert.Equal(t, 1, initiators, "exactly one side closes the pair")

	peerOfA, ok := m.Opponent("a")
	require.True(t, ok)
	assert.Equal(t, "b", peerOfA.Key())
	peerOfB, ok := m.Opponent("b")
	require.True(t, ok)
	assert.Equal(t, "a", peerOfB.Key())
}

func TestSearchExhaustsWithoutPeers(t *testing.T) {
	m := newTestMaker(t)
	a := &stubParticipant{key: "a", name: "Alice"}
	m.Register(a)

	_, _, err := m.Search(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNoPlayers)
	assert.False(t, m.Paired("a"))
}

func TestSearchHonorsContextCancellation(t *testing.T) {
	m := NewMaker(config.MatchConfig{
		PollInterval: time.Hour,
		PollAttempts: 100,
	}, zaptest.NewLogger(t))
	a := &stubParticipant{key: "a", name: "Alice"}
	m.Register(a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := m.Search(ctx, "a")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("search did not observe cancellation")
	}
}

func TestSearchWhilePairedRejected(t *testing.T) {
	m := newTestMaker(t)
	a := &stubParticipant{key: "a", name: "Alice"}
	m.Register(a)
	require.NoError(t, m.PairWith("a", &stubParticipant{key: "bot", name: "Robo"}))

	_, _, err := m.Search(context.Background(), "a")
	assert.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestBusyGuardRejectsOverlappingActions(t *testing.T) {
	m := newTestMaker(t)
	a := &stubParticipant{key: "a", name: "Alice"}
	m.Register(a)

	require.NoError(t, m.Acquire("a"))
	assert.ErrorIs(t, m.Acquire("a"), ErrBusy)

	m.Release("a")
	assert.NoError(t, m.Acquire("a"))
}

func TestAcquireUnknownParticipant(t *testing.T) {
	m := newTestMaker(t)
	assert.ErrorIs(t, m.Acquire("ghost"), ErrNotRegistered)
	m.Release("ghost")
}

func TestPairWithRegistersAutomatedPeer(t *testing.T) {
	m := newTestMaker(t)
	a := &stubParticipant{key: "a", name: "Alice"}
	m.Register(a)

	bot := &stubParticipant{key: "bot:1", name: "Robo"}
	require.NoError(t, m.PairWith("a", bot))

	peer, ok := m.Opponent("a")
	require.True(t, ok)
	assert.Equal(t, "bot:1", peer.Key())
	peer, ok = m.Opponent("bot:1")
	require.True(t, ok)
	assert.Equal(t, "a", peer.Key())

	assert.ErrorIs(t, m.PairWith("a", &stubParticipant{key: "bot:2"}), ErrAlreadyPaired)
}

func TestDeregisterDissolvesPairing(t *testing.T) {
	m := newTestMaker(t)
	a := &stubParticipant{key: "a", name: "Alice"}
	b := &stubParticipant{key: "b", name: "Bert"}
	m.Register(a)
	m.Register(b)
	require.NoError(t, m.PairWith("a", b))

	peer, wasPaired := m.Deregister("a")
	require.True(t, wasPaired)
	assert.Equal(t, "b", peer.Key())
	assert.False(t, m.Paired("b"))

	_, wasPaired = m.Deregister("a")
	assert.False(t, wasPaired, "second deregister is a no-op")
}

func TestUnpairClearsBothSides(t *testing.T) {
	m := newTestMaker(t)
	a := &stubParticipant{key: "a", name: "Alice"}
	b := &stubParticipant{key: "b", name: "Bert"}
	m.Register(a)
	m.Register(b)
	require.NoError(t, m.PairWith("a", b))

	peer, ok := m.Unpair("a")
	require.True(t, ok)
	assert.Equal(t, "b", peer.Key())
	assert.False(t, m.Paired("a"))
	assert.False(t, m.Paired("b"))
}

// Pairing exclusivity: with any number of concurrent searchers, every
// participant ends up with at most one peer and all pairings are mutual.
func TestPairingExclusivity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "searchers")
		m := NewMaker(config.MatchConfig{
			PollInterval: time.Millisecond,
			PollAttempts: 30,
		}, zaptest.NewLogger(t))

		keys := make([]string, n)
		for i := 0; i < n; i++ {
			keys[i] = string(rune('a' + i))
			m.Register(&stubParticipant{key: keys[i], name: keys[i]})
		}

		var wg sync.WaitGroup
		for _, k := range keys {
			k := k
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, _ = m.Search(context.Background(), k)
			}()
		}
		wg.Wait()

		paired := 0
		for _, k := range keys {
			peer, ok := m.Opponent(k)
			if !ok {
				continue
			}
			paired++
			back, ok := m.Opponent(peer.Key())
			require.True(t, ok, "pairing must be mutual")
			require.Equal(t, k, back.Key())
			require.NotEqual(t, k, peer.Key(), "no self-pairing")
		}
		assert.Equal(t, 0, paired%2, "paired participants come in twos")
		if n%2 == 0 {
			assert.Equal(t, n, paired, "even pools pair out fully")
		}
	})
}
