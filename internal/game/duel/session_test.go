package duel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dilemmalab/arena/internal/config"
	"github.com/dilemmalab/arena/internal/game/dice"
)

type fakeEvent struct {
	typ     string
	payload any
}

type fakeSide struct {
	key    string
	name   string
	avatar string

	mu     sync.Mutex
	events []fakeEvent
}

func newFakeSide(key, name string) *fakeSide {
	return &fakeSide{key: key, name: name, avatar: "default"}
}

func (f *fakeSide) Key() string    { return f.key }
func (f *fakeSide) Name() string   { return f.name }
func (f *fakeSide) Avatar() string { return f.avatar }
func (f *fakeSide) Human() bool    { return true }

func (f *fakeSide) Deliver(typ string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{typ: typ, payload: payload})
}

func (f *fakeSide) eventsOf(typ string) []fakeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeEvent
	for _, ev := range f.events {
		if ev.typ == typ {
			out = append(out, ev)
		}
	}
	return out
}

func sessionConfig() config.GameConfig {
	return config.GameConfig{
		RoundDelay:       0,
		LoadingDelayMin:  0,
		LoadingDelayMax:  0,
		RoundsMin:        3,
		RoundsMax:        3,
		BlocksBefore:     0,
		BlocksMain:       1,
		BlocksAfter:      0,
		Strategy:         "tit_for_tat",
		ReselectStrategy: false,
		RecomputeChoice:  true,
	}
}

func startedSession(t *testing.T, cfg config.GameConfig, a, b Side) *Session {
	t.Helper()
	s, err := NewSession(a, b, cfg, dice.NewSequenceSource(0), zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	return s
}

func makeReady(t *testing.T, s *Session, sides ...Side) {
	t.Helper()
	for _, side := range sides {
		require.NoError(t, s.Ready(side.Key(), true))
	}
}

func TestSessionRequiresBothReady(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)

	require.NoError(t, s.Ready(a.Key(), true))
	assert.Equal(t, StateAwaitingReady, s.State())

	require.NoError(t, s.Ready(b.Key(), true))
	assert.Equal(t, StateInProgress, s.State())
}

func TestThreeRoundScoreTally(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)
	makeReady(t, s, a, b)

	rounds := []struct{ a, b Choice }{
		{Cooperate, Defect},
		{Defect, Defect},
		{Cooperate, Cooperate},
	}
	for _, r := range rounds {
		require.NoError(t, s.Choose(a.Key(), r.a))
		require.NoError(t, s.Choose(b.Key(), r.b))
	}

	snap := s.Snapshot()
	assert.Equal(t, StateEnded, snap.State)
	assert.Equal(t, 4, snap.Sides[0].ScoreAll)
	assert.Equal(t, 9, snap.Sides[1].ScoreAll)
	assert.Equal(t, 3, snap.Sides[0].GamesAll)
	assert.Equal(t, 3, snap.Sides[1].GamesAll)

	assert.Len(t, a.eventsOf(EventRound), 3)
	assert.Len(t, b.eventsOf(EventRound), 3)
	assert.Len(t, a.eventsOf(EventEnded), 1)
	assert.Len(t, b.eventsOf(EventEnded), 1)
}

func TestLoneChoiceProducesWaitingNoticeOnly(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)
	makeReady(t, s, a, b)

	require.NoError(t, s.Choose(a.Key(), Cooperate))

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Sides[0].ScoreAll, "lone choice must not score")
	assert.Equal(t, 0, snap.Sides[0].GamesAll)
	assert.True(t, snap.Sides[0].Pending)
	assert.False(t, snap.Sides[1].Pending)

	assert.Len(t, a.eventsOf(EventWaiting), 1)
	assert.Len(t, b.eventsOf(EventWaiting), 1)
	assert.Empty(t, a.eventsOf(EventRound))
}

func TestChoiceBeforeBlockStartsRejected(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)

	err := s.Choose(a.Key(), Cooperate)
	assert.ErrorIs(t, err, ErrNotInProgress)
}

func TestInterRoundPauseRejectsChoices(t *testing.T) {
	cfg := sessionConfig()
	cfg.RoundDelay = time.Hour
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, cfg, a, b)
	makeReady(t, s, a, b)

	require.NoError(t, s.Choose(a.Key(), Cooperate))
	require.NoError(t, s.Choose(b.Key(), Cooperate))

	err := s.Choose(a.Key(), Defect)
	assert.ErrorIs(t, err, ErrRoundWait)
}

func TestNotReadyRevertsActiveBlock(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)
	makeReady(t, s, a, b)

	require.NoError(t, s.Choose(a.Key(), Cooperate))
	require.NoError(t, s.Ready(b.Key(), false))

	assert.Equal(t, StateAwaitingReady, s.State())
	snap := s.Snapshot()
	assert.False(t, snap.Sides[0].Pending, "revert must clear pending choices")

	// Both signalled again: a fresh block starts.
	require.NoError(t, s.Ready(b.Key(), true))
	assert.Equal(t, StateInProgress, s.State())
}

func TestBlockTransitionAdvancesWhenBothStillReady(t *testing.T) {
	cfg := sessionConfig()
	cfg.RoundsMin = 1
	cfg.RoundsMax = 1
	cfg.BlocksMain = 2
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, cfg, a, b)
	makeReady(t, s, a, b)

	require.NoError(t, s.Choose(a.Key(), Cooperate))
	require.NoError(t, s.Choose(b.Key(), Cooperate))

	// Readiness is sticky, so the zero loading delay rolls straight into
	// the second block.
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateInProgress && snap.Block.Index == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, a.eventsOf(EventLoading))

	// Block scores reset; session totals carry.
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Sides[0].Score)
	assert.Equal(t, 3, snap.Sides[0].ScoreAll)
}

func TestAbortNotifiesPeerExactlyOnce(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)
	makeReady(t, s, a, b)

	peer, aborted := s.Abort(a.Key())
	require.True(t, aborted)
	assert.Equal(t, b.Key(), peer.Key())

	_, again := s.Abort(a.Key())
	assert.False(t, again, "second abort must be a no-op")
	_, cross := s.Abort(b.Key())
	assert.False(t, cross)

	assert.Len(t, b.eventsOf(EventAborted), 1)
	assert.Empty(t, a.eventsOf(EventAborted))
	assert.Equal(t, StateEnded, s.State())
	assert.ErrorIs(t, s.Ready(a.Key(), true), ErrSessionOver)
}

func TestBotOpponentPlaysImmediately(t *testing.T) {
	a := newFakeSide("a", "Alice")
	bot := NewBot("Robo", "default")
	s := startedSession(t, sessionConfig(), a, bot)

	// Bots are permanently ready.
	require.NoError(t, s.Ready(a.Key(), true))
	require.Equal(t, StateInProgress, s.State())

	// Tit-for-tat opens cooperating, then mirrors.
	require.NoError(t, s.Choose(a.Key(), Cooperate))
	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Sides[0].ScoreAll)
	assert.Equal(t, 3, snap.Sides[1].ScoreAll)

	require.NoError(t, s.Choose(a.Key(), Defect))
	snap = s.Snapshot()
	assert.Equal(t, 3+5, snap.Sides[0].ScoreAll)
	assert.Equal(t, 3+0, snap.Sides[1].ScoreAll)
}

func TestCachedBotChoicePersistsWithinBlock(t *testing.T) {
	cfg := sessionConfig()
	cfg.Strategy = "random"
	cfg.RecomputeChoice = false

	a := newFakeSide("a", "Alice")
	bot := NewBot("Robo", "default")
	// The block draw consumes the first three values; the fourth is the
	// bot's first choice draw (0 → cooperate), which caching reuses for the
	// whole block even though every later draw would be defect.
	s, err := NewSession(a, bot, cfg, dice.NewSequenceSource(0, 0, 0, 0, 1, 1, 1, 1), zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	require.NoError(t, s.Ready(a.Key(), true))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Choose(a.Key(), Defect))
	}

	// defect vs cooperate three times: 5 points each round.
	snap := s.Snapshot()
	assert.Equal(t, 15, snap.Sides[0].ScoreAll)
	assert.Equal(t, 0, snap.Sides[1].ScoreAll)
}

func TestOpponentIdentityMaskedOutsideInstrumentedBlocks(t *testing.T) {
	// Main-phase block: masked.
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)
	makeReady(t, s, a, b)

	view, err := s.ViewFor(a.Key())
	require.NoError(t, err)
	assert.False(t, view.Block.Instrumented)
	assert.Equal(t, "unknown", view.Opponent.Name)
	assert.Equal(t, "default", view.Opponent.Avatar)
	assert.Equal(t, "Alice", view.Player.Name)

	// Instrumented block: identity exposed.
	cfg := sessionConfig()
	cfg.BlocksMain = 0
	cfg.BlocksBefore = 1
	c, d := newFakeSide("c", "Cora"), newFakeSide("d", "Dan")
	s2 := startedSession(t, cfg, c, d)
	makeReady(t, s2, c, d)

	view2, err := s2.ViewFor(c.Key())
	require.NoError(t, err)
	assert.True(t, view2.Block.Instrumented)
	assert.Equal(t, "Dan", view2.Opponent.Name)
}

func TestSeatsAreMirrored(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)
	makeReady(t, s, a, b)

	va, err := s.ViewFor(a.Key())
	require.NoError(t, err)
	vb, err := s.ViewFor(b.Key())
	require.NoError(t, err)
	assert.NotEqual(t, va.Seat, vb.Seat)
}

func TestUnknownSideRejected(t *testing.T) {
	a, b := newFakeSide("a", "Alice"), newFakeSide("b", "Bert")
	s := startedSession(t, sessionConfig(), a, b)

	assert.ErrorIs(t, s.Ready("stranger", true), ErrUnknownSide)
	_, err := s.ViewFor("stranger")
	assert.ErrorIs(t, err, ErrUnknownSide)
}
