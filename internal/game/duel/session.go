package duel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dilemmalab/arena/internal/config"
	"github.com/dilemmalab/arena/internal/game/dice"
)

// State is the session machine's phase.
type State string

const (
	StateAwaitingReady   State = "awaiting_ready"
	StateInProgress      State = "in_progress"
	StateBlockTransition State = "block_transition"
	StateEnded           State = "ended"
)

// Event types pushed to sides.
const (
	EventMatch   = "match"
	EventReady   = "ready"
	EventBlock   = "block"
	EventWaiting = "waiting"
	EventRound   = "round"
	EventLoading = "loading"
	EventEnded   = "ended"
	EventAborted = "aborted"
)

// Masked identity shown to the human side during non-instrumented blocks.
const (
	maskedName   = "unknown"
	maskedAvatar = "default"
)

// ErrSessionOver is returned for actions on an ended session.
var ErrSessionOver = errors.New("session has ended")

// ErrNotInProgress is returned for a choice outside an active block.
var ErrNotInProgress = errors.New("no round in progress")

// ErrRoundWait is returned for a choice during the inter-round pause.
var ErrRoundWait = errors.New("round pause in effect")

// ErrUnknownSide is returned when a key does not belong to the session.
var ErrUnknownSide = errors.New("unknown session side")

// Side is one participant of a paired session. Deliver must not block;
// pushes to a dead or slow human endpoint are dropped by the transport.
type Side interface {
	Key() string
	Name() string
	Avatar() string
	Human() bool
	Deliver(typ string, payload any)
}

// Bot is a strategy-driven automated side.
type Bot struct {
	key    string
	name   string
	avatar string
}

// NewBot creates an automated side with the given public identity.
func NewBot(name, avatar string) *Bot {
	return &Bot{key: "bot:" + uuid.NewString(), name: name, avatar: avatar}
}

// Key returns the bot's unique key.
func (b *Bot) Key() string { return b.key }

// Name returns the bot's display name.
func (b *Bot) Name() string { return b.name }

// Identity returns the display name. Satisfies match.Participant.
func (b *Bot) Identity() string { return b.name }

// Avatar returns the bot's avatar identifier.
func (b *Bot) Avatar() string { return b.avatar }

// Human reports false: choices come from the strategy selector.
func (b *Bot) Human() bool { return false }

// Deliver is a no-op; a bot consumes no events.
func (b *Bot) Deliver(string, any) {}

// SideScore is one side's score sheet within a snapshot.
type SideScore struct {
	Name string `json:"name"`
	// Score is the current block's total; ScoreAll spans the session.
	Score    int `json:"score"`
	ScoreAll int `json:"scoreAll"`
	// ScoreInc is the payoff received in the last resolved round.
	ScoreInc int `json:"scoreInc"`
	// Games counts resolved rounds in the block; GamesAll in the session.
	Games    int `json:"games"`
	GamesAll int `json:"gamesAll"`
	// Pending reports an uncommitted choice for the current round.
	Pending bool `json:"pending"`
}

// GameState is an immutable snapshot of a session. A fresh snapshot
// replaces the previous one after every resolved round and block
// transition, so a racing reader never observes partial updates.
type GameState struct {
	State      State       `json:"state"`
	Block      BlockParams `json:"block"`
	RoundsLeft int         `json:"roundsLeft"`
	Sides      [2]SideScore
}

// SideView is the per-side projection pushed with game events.
type SideView struct {
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Score    int    `json:"score"`
	ScoreAll int    `json:"scoreAll"`
	ScoreInc int    `json:"scoreInc"`
	Games    int    `json:"games"`
	GamesAll int    `json:"gamesAll"`
	Chosen   bool   `json:"chosen"`
	Choice   Choice `json:"choice,omitempty"`
}

// View is the session as seen from one side.
type View struct {
	State      State       `json:"state"`
	Block      BlockParams `json:"block"`
	Seat       bool        `json:"seat"`
	RoundsLeft int         `json:"roundsLeft"`
	Player     SideView    `json:"player"`
	Opponent   SideView    `json:"opponent"`
}

type sideState struct {
	side    Side
	ready   bool
	pending Choice
	cached  Choice
	score   SideScore
	// history holds this side's committed choices, oldest first.
	history []Choice
}

// Session drives one paired session through its scheduled blocks of rounds.
// All methods are safe for concurrent use.
type Session struct {
	cfg    config.GameConfig
	src    dice.Source
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	blockIndex int
	block      BlockParams
	roundsLeft int
	strategy   Strategy
	sides      [2]*sideState
	timer      *delayTimer
	waiting    bool
	snapshot   *GameState
	onRound    func(*GameState)
}

// NewSession creates a session for the pair (a, b) in AWAITING_READY.
//
// Precondition: a and b must be distinct non-nil sides; cfg validated;
// src and logger non-nil.
// Postcondition: Returns a session awaiting readiness; no block is active.
func NewSession(a, b Side, cfg config.GameConfig, src dice.Source, logger *zap.Logger) (*Session, error) {
	if a == nil || b == nil || a.Key() == b.Key() {
		return nil, fmt.Errorf("session requires two distinct sides")
	}
	s := &Session{
		cfg:    cfg,
		src:    src,
		logger: logger,
		state:  StateAwaitingReady,
		sides: [2]*sideState{
			{side: a, score: SideScore{Name: a.Name()}},
			{side: b, score: SideScore{Name: b.Name()}},
		},
	}
	if err := s.selectStrategy(); err != nil {
		return nil, err
	}
	s.rebuildSnapshot()
	return s, nil
}

// selectStrategy (re)draws the automated policy when a bot side exists.
func (s *Session) selectStrategy() error {
	if s.sides[0].side.Human() && s.sides[1].side.Human() {
		return nil
	}
	st, err := NewStrategy(Policy(s.cfg.Strategy), s.src)
	if err != nil {
		return err
	}
	s.strategy = st
	s.logger.Debug("strategy selected",
		zap.String("policy", string(st.Policy())),
		zap.Int("block", s.blockIndex),
	)
	return nil
}

// Start announces the pairing to both sides.
//
// Postcondition: Both sides receive a match event with their session view.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(EventMatch, false)
	s.logger.Info("session started",
		zap.String("a", s.sides[0].side.Name()),
		zap.String("b", s.sides[1].side.Name()),
	)
}

// OnRound registers a callback invoked with the fresh snapshot after every
// resolved round. The callback runs under the session lock and must not
// block or call back into the session.
func (s *Session) OnRound(fn func(*GameState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRound = fn
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the latest immutable game state.
func (s *Session) Snapshot() *GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Peer returns the opposite side for key.
func (s *Session) Peer(key string) (Side, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.indexOf(key)
	if err != nil {
		return nil, false
	}
	return s.sides[1-i].side, true
}

func (s *Session) indexOf(key string) (int, error) {
	for i, st := range s.sides {
		if st.side.Key() == key {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSide, key)
}

// bothReadyLocked treats automated sides as permanently ready.
func (s *Session) bothReadyLocked() bool {
	for _, st := range s.sides {
		if st.side.Human() && !st.ready {
			return false
		}
	}
	return true
}

// Ready records an edge-triggered readiness signal. The session advances
// only once both sides are ready simultaneously; a not-ready signal during
// an active block reverts the session to AWAITING_READY and notifies both.
//
// Postcondition: Returns ErrSessionOver after the session has ended.
func (s *Session) Ready(key string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return ErrSessionOver
	}
	i, err := s.indexOf(key)
	if err != nil {
		return err
	}
	s.sides[i].ready = ready

	if !ready {
		if s.state != StateAwaitingReady {
			s.revertLocked(s.sides[i].side.Name())
		}
		return nil
	}

	if s.state == StateAwaitingReady && s.bothReadyLocked() {
		return s.startBlockLocked()
	}
	s.deliverLocked(EventReady, false)
	return nil
}

// revertLocked aborts the active block and returns to AWAITING_READY.
func (s *Session) revertLocked(by string) {
	s.stopTimerLocked()
	s.waiting = false
	for _, st := range s.sides {
		st.pending = ""
	}
	s.state = StateAwaitingReady
	s.rebuildSnapshot()
	for _, st := range s.sides {
		st.side.Deliver(EventReady, map[string]any{"ready": false, "by": by})
	}
	s.logger.Info("session reverted to awaiting ready", zap.String("by", by))
}

// startBlockLocked draws the next block's parameters and begins play.
func (s *Session) startBlockLocked() error {
	if s.blockIndex >= s.cfg.Blocks() {
		s.endLocked()
		return nil
	}
	if s.cfg.ReselectStrategy && s.blockIndex > 0 {
		if err := s.selectStrategy(); err != nil {
			return err
		}
	}

	s.block = DrawBlock(s.cfg, s.src, s.blockIndex)
	s.roundsLeft = s.block.Rounds
	s.waiting = false
	for _, st := range s.sides {
		st.pending = ""
		st.cached = ""
		st.score.Score = 0
		st.score.ScoreInc = 0
		st.score.Games = 0
	}
	s.state = StateInProgress
	s.rebuildSnapshot()
	s.deliverLocked(EventBlock, false)

	s.logger.Info("block started",
		zap.Int("block", s.block.Index),
		zap.String("phase", string(s.block.Phase)),
		zap.String("environment", s.block.Environment),
		zap.Int("rounds", s.block.Rounds),
		zap.Bool("instrumented", s.block.Instrumented),
	)
	return nil
}

// Choose commits one side's choice for the current round. The round
// resolves only once both choices are present; a lone choice yields a
// waiting notice to both sides. Automated opponents are played immediately
// from the strategy selector.
//
// Postcondition: Returns ErrNotInProgress outside an active block,
// ErrRoundWait during the inter-round pause, or ErrSessionOver.
func (s *Session) Choose(key string, c Choice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateEnded:
		return ErrSessionOver
	case StateInProgress:
	default:
		return ErrNotInProgress
	}
	if s.waiting {
		return ErrRoundWait
	}

	i, err := s.indexOf(key)
	if err != nil {
		return err
	}
	me, opp := s.sides[i], s.sides[1-i]
	me.pending = c

	if !opp.side.Human() && opp.pending == "" {
		opp.pending = s.automatedChoiceLocked(opp, me)
	}

	if me.pending != "" && opp.pending != "" {
		s.resolveRoundLocked()
		return nil
	}

	// The uncommitted choice must be visible to snapshot readers.
	s.rebuildSnapshot()
	for _, st := range s.sides {
		st.side.Deliver(EventWaiting, map[string]any{
			"by":      me.side.Name(),
			"message": me.side.Name() + " has chosen.",
		})
	}
	return nil
}

// automatedChoiceLocked derives the bot's choice, fresh each round or
// cached per block depending on configuration.
func (s *Session) automatedChoiceLocked(bot, human *sideState) Choice {
	if !s.cfg.RecomputeChoice && bot.cached != "" {
		return bot.cached
	}
	c := s.strategy.Next(History{Own: bot.history, Opponent: human.history})
	if !s.cfg.RecomputeChoice {
		bot.cached = c
	}
	return c
}

// resolveRoundLocked applies the payoff, replaces the snapshot, pushes it
// to both sides, and schedules what follows the round.
func (s *Session) resolveRoundLocked() {
	a, b := s.sides[0], s.sides[1]
	pa, pb := Payoff(a.pending, b.pending)

	apply := func(st *sideState, points int) {
		st.score.Score += points
		st.score.ScoreAll += points
		st.score.ScoreInc = points
		st.score.Games++
		st.score.GamesAll++
		st.history = append(st.history, st.pending)
	}
	apply(a, pa)
	apply(b, pb)
	s.roundsLeft--

	s.logger.Info("round resolved",
		zap.String("a_choice", string(a.pending)),
		zap.String("b_choice", string(b.pending)),
		zap.Int("a_score", pa),
		zap.Int("b_score", pb),
		zap.Int("rounds_left", s.roundsLeft),
	)

	s.rebuildSnapshot()
	s.deliverLocked(EventRound, true)
	if s.onRound != nil {
		s.onRound(s.snapshot)
	}
	a.pending = ""
	b.pending = ""

	if s.roundsLeft > 0 {
		if s.cfg.RoundDelay > 0 {
			s.waiting = true
			s.timer = newDelayTimer(s.cfg.RoundDelay, s.roundDelayDone)
		}
		return
	}

	// Block complete.
	s.blockIndex++
	if s.blockIndex >= s.cfg.Blocks() {
		s.endLocked()
		return
	}
	s.state = StateBlockTransition
	s.rebuildSnapshot()
	delay := DrawLoadingDelay(s.cfg, s.src)
	for _, st := range s.sides {
		st.side.Deliver(EventLoading, map[string]any{"loading": delay.Milliseconds()})
	}
	s.timer = newDelayTimer(delay, s.transitionDone)
}

// roundDelayDone lifts the inter-round pause.
func (s *Session) roundDelayDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return
	}
	s.waiting = false
}

// transitionDone ends the loading delay and reschedules the next block.
// Readiness is sticky: if both sides stayed ready the block starts at once.
func (s *Session) transitionDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBlockTransition {
		return
	}
	s.state = StateAwaitingReady
	s.rebuildSnapshot()
	if s.bothReadyLocked() {
		if err := s.startBlockLocked(); err != nil {
			s.logger.Error("rescheduling block", zap.Error(err))
		}
		return
	}
	s.deliverLocked(EventReady, false)
}

// endLocked finishes the session and notifies both sides.
func (s *Session) endLocked() {
	s.stopTimerLocked()
	s.state = StateEnded
	s.waiting = false
	s.rebuildSnapshot()
	s.deliverLocked(EventEnded, false)
	s.logger.Info("session ended",
		zap.Int("a_score_all", s.sides[0].score.ScoreAll),
		zap.Int("b_score_all", s.sides[1].score.ScoreAll),
	)
}

// Abort terminates the session because the side identified by key
// disconnected or resigned. The surviving peer is notified exactly once.
//
// Postcondition: Returns the peer and true on the first call; false afterwards.
func (s *Session) Abort(key string) (Side, bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil, false
	}
	i, err := s.indexOf(key)
	if err != nil {
		s.mu.Unlock()
		return nil, false
	}
	s.stopTimerLocked()
	s.state = StateEnded
	s.waiting = false
	s.rebuildSnapshot()
	by := s.sides[i].side.Name()
	peer := s.sides[1-i].side
	s.mu.Unlock()

	peer.Deliver(EventAborted, map[string]any{
		"by":      by,
		"message": "Player has disconnected.",
	})
	s.logger.Info("session aborted", zap.String("by", by))
	return peer, true
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// rebuildSnapshot replaces the immutable snapshot with the current state.
func (s *Session) rebuildSnapshot() {
	s.snapshot = &GameState{
		State:      s.state,
		Block:      s.block,
		RoundsLeft: s.roundsLeft,
		Sides: [2]SideScore{
			s.sideScore(0),
			s.sideScore(1),
		},
	}
}

func (s *Session) sideScore(i int) SideScore {
	sc := s.sides[i].score
	sc.Pending = s.sides[i].pending != ""
	return sc
}

// ViewFor builds the session view as seen by the side identified by key.
// The opponent's identity is masked outside instrumented blocks.
func (s *Session) ViewFor(key string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.indexOf(key)
	if err != nil {
		return View{}, err
	}
	return s.viewLocked(i, false), nil
}

func (s *Session) viewLocked(i int, revealChoices bool) View {
	me, opp := s.sides[i], s.sides[1-i]

	player := SideView{
		Name:     me.side.Name(),
		Avatar:   me.side.Avatar(),
		Score:    me.score.Score,
		ScoreAll: me.score.ScoreAll,
		ScoreInc: me.score.ScoreInc,
		Games:    me.score.Games,
		GamesAll: me.score.GamesAll,
		Chosen:   me.pending != "",
	}
	opponent := SideView{
		Name:     opp.side.Name(),
		Avatar:   opp.side.Avatar(),
		Score:    opp.score.Score,
		ScoreAll: opp.score.ScoreAll,
		ScoreInc: opp.score.ScoreInc,
		Games:    opp.score.Games,
		GamesAll: opp.score.GamesAll,
		Chosen:   opp.pending != "",
	}
	if !s.block.Instrumented {
		opponent.Name = maskedName
		opponent.Avatar = maskedAvatar
	}
	if revealChoices {
		player.Choice = me.pending
		opponent.Choice = opp.pending
	}

	seat := s.block.Seat
	if i == 1 {
		seat = !seat
	}
	return View{
		State:      s.state,
		Block:      s.block,
		Seat:       seat,
		RoundsLeft: s.roundsLeft,
		Player:     player,
		Opponent:   opponent,
	}
}

// deliverLocked pushes per-side views of the current state to both sides.
func (s *Session) deliverLocked(typ string, revealChoices bool) {
	for i, st := range s.sides {
		st.side.Deliver(typ, s.viewLocked(i, revealChoices))
	}
}
