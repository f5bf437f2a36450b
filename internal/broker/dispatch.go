package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dilemmalab/arena/internal/audit"
	"github.com/dilemmalab/arena/internal/config"
	"github.com/dilemmalab/arena/internal/game/dice"
	"github.com/dilemmalab/arena/internal/game/duel"
	"github.com/dilemmalab/arena/internal/game/match"
	"github.com/dilemmalab/arena/internal/roster"
)

// Broker dispatches inbound envelopes to the connection registry, the room
// registry, the matchmaker, and active game sessions. One broker serves all
// connections; the transport calls its Handle methods from per-connection
// read loops.
type Broker struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *Registry
	rooms    *Rooms
	maker    *match.Maker
	roster   *roster.Roster
	src      dice.Source
	recorder *audit.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroker wires the broker's collaborators.
//
// Precondition: cfg validated; logger, maker source non-nil. recorder may be
// nil to disable auditing; ros may be nil to use the built-in roster.
func NewBroker(cfg config.Config, logger *zap.Logger, rec *audit.Recorder, ros *roster.Roster, src dice.Source) *Broker {
	if ros == nil {
		ros = roster.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(cfg.Server.Name, logger),
		rooms:    NewRooms(cfg.Rooms, logger),
		maker:    match.NewMaker(cfg.Match, logger),
		roster:   ros,
		src:      src,
		recorder: rec,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry exposes the connection registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Rooms exposes the room registry.
func (b *Broker) Rooms() *Rooms { return b.rooms }

// Close cancels in-flight searches and waits for their goroutines.
func (b *Broker) Close() {
	b.cancel()
	b.wg.Wait()
}

// HandleConnect registers a fresh transport handle.
//
// Postcondition: The returned connection is registered but unauthenticated.
func (b *Broker) HandleConnect(out Outbox, ip string) *Conn {
	conn := b.registry.Connect(out, ip)
	b.audit(conn, "connect", "", nil)
	return conn
}

// HandleDisconnect tears down all of a connection's state: its game
// session is aborted (notifying the surviving peer exactly once), its
// matchmaking entry removed, and every joined room left. Cleanup is
// unconditional and safe to call for unknown connections.
func (b *Broker) HandleDisconnect(conn *Conn) {
	b.teardownSession(conn, "disconnect")
	if peer, ok := b.maker.Deregister(conn.Key()); ok {
		b.releasePeer(conn, peer)
	}
	b.rooms.LeaveAll(conn)
	b.registry.Remove(conn)
	b.audit(conn, "disconnect", "", nil)
}

// releasePeer clears a surviving peer whose pairing dissolved while the
// session had not yet reached both sides. Automated peers leave the pool;
// a human peer holding the shared session gets the abort notice and its
// reference cleared.
func (b *Broker) releasePeer(conn *Conn, peer match.Participant) {
	if side, ok := peer.(duel.Side); ok && !side.Human() {
		b.maker.Deregister(peer.Key())
		return
	}
	peerConn, ok := peer.(*Conn)
	if !ok {
		return
	}
	if sess := peerConn.Session(); sess != nil {
		sess.Abort(conn.Key())
		peerConn.SetSession(nil)
	}
}

// HandleMalformed replies to an undecodable inbound frame. The connection
// stays open; only protocol-level failures drop it.
func (b *Broker) HandleMalformed(conn *Conn, err error) {
	b.reply(conn, CodeBadRequest, "malformed message", map[string]any{"error": err.Error()})
}

// HandleEnvelope routes one decoded envelope. A panic in a handler is
// contained to this message: the sender gets an internal-fault reply and
// the connection lives on.
func (b *Broker) HandleEnvelope(conn *Conn, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("handler panic",
				zap.String("conn_id", conn.ID()),
				zap.String("target", env.Target),
				zap.String("type", env.Type),
				zap.Any("panic", rec),
			)
			b.reply(conn, CodeInternal, "internal fault", nil)
		}
	}()

	conn.Touch()

	var err error
	if env.Target == SystemTarget {
		err = b.dispatchSystem(conn, env)
	} else {
		err = b.dispatchRoom(conn, env)
	}
	if err != nil {
		b.replyError(conn, err)
	}
}

func (b *Broker) dispatchSystem(conn *Conn, env Envelope) error {
	switch env.Type {
	case TypeLogin:
		return b.handleLogin(conn, env.Payload)
	case TypePing:
		b.reply(conn, CodePong, "pong", nil)
		return nil
	}

	if !conn.Authenticated() {
		return ErrNotAuthenticated
	}

	switch env.Type {
	case TypeRooms:
		b.reply(conn, CodeListing, "rooms", b.rooms.Listing())
		return nil
	case TypeSearch:
		return b.handleSearch(conn)
	case TypeReady:
		return b.handleReady(conn, env.Payload)
	case TypeChoice:
		return b.handleChoice(conn, env.Payload)
	case TypeResign:
		return b.handleResign(conn)
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, env.Type)
}

func (b *Broker) dispatchRoom(conn *Conn, env Envelope) error {
	switch env.Type {
	case TypeJoin:
		if err := b.rooms.Join(conn, env.Target); err != nil {
			return err
		}
		b.audit(conn, "join", env.Target, nil)
		b.reply(conn, CodeOK, "joined "+env.Target, nil)
		return nil
	case TypeLeave:
		if err := b.rooms.Leave(conn, env.Target, false); err != nil {
			return err
		}
		b.audit(conn, "leave", env.Target, nil)
		b.reply(conn, CodeOK, "left "+env.Target, nil)
		return nil
	case TypePose:
		return b.handlePose(conn, env)
	case TypeMsg, "":
		return b.handleMsg(conn, env)
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, env.Type)
}

type loginPayload struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

func (b *Broker) handleLogin(conn *Conn, raw json.RawMessage) error {
	var p loginPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if err := b.registry.Authenticate(conn, p.Name, p.Avatar); err != nil {
		return err
	}
	b.maker.Register(conn)
	b.audit(conn, "login", "", map[string]any{"avatar": p.Avatar})
	b.reply(conn, CodeLoggedIn, "logged in as "+p.Name, nil)

	// Fresh identities land in the permanent lobby room.
	if err := b.rooms.Join(conn, b.rooms.DefaultRoom()); err != nil {
		b.logger.Warn("lobby join failed",
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
	} else {
		b.audit(conn, "join", b.rooms.DefaultRoom(), nil)
	}
	return nil
}

// handleSearch starts a rendezvous search in its own goroutine, holding the
// participant's busy guard for the whole search so overlapping actions are
// rejected instead of interleaved.
func (b *Broker) handleSearch(conn *Conn) error {
	if conn.Session() != nil {
		return match.ErrAlreadyPaired
	}
	if err := b.maker.Acquire(conn.Key()); err != nil {
		return err
	}
	b.reply(conn, CodeOK, "searching for an opponent", nil)
	b.audit(conn, "search", "", nil)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.maker.Release(conn.Key())
		b.runSearch(conn)
	}()
	return nil
}

func (b *Broker) runSearch(conn *Conn) {
	peer, initiated, err := b.maker.Search(b.ctx, conn.Key())
	switch {
	case errors.Is(err, match.ErrNoPlayers):
		if b.cfg.Match.BotFallback {
			b.pairWithBot(conn)
			return
		}
		b.reply(conn, CodeNotFound, "no players found", nil)
	case err != nil:
		// Cancelled shutdown or a disconnect mid-search; nothing to report.
		b.logger.Debug("search ended",
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
	case peer == nil:
		// Deregistered mid-search.
	case initiated:
		b.startSession(conn, peer)
	default:
		// The peer initiated; it owns session setup.
	}
}

// pairWithBot attaches an automated opponent drawn from the roster.
func (b *Broker) pairWithBot(conn *Conn) {
	id := b.roster.Draw(b.src)
	bot := duel.NewBot(id.Name, id.Avatar)
	if err := b.maker.PairWith(conn.Key(), bot); err != nil {
		b.replyError(conn, err)
		return
	}
	b.startSession(conn, bot)
}

// startSession builds the game session for a fresh pair and announces it.
// Called by the pairing initiator only.
func (b *Broker) startSession(conn *Conn, peer match.Participant) {
	side, ok := peer.(duel.Side)
	if !ok {
		b.logger.Error("peer is not a playable side", zap.String("peer", peer.Key()))
		return
	}
	sess, err := duel.NewSession(conn, side, b.cfg.Game, b.src, b.logger)
	if err != nil {
		b.logger.Error("session setup failed", zap.Error(err))
		b.maker.Unpair(conn.Key())
		b.replyError(conn, err)
		return
	}
	conn.SetSession(sess)
	if peerConn, ok := peer.(*Conn); ok {
		peerConn.SetSession(sess)
	}
	sess.OnRound(func(snap *duel.GameState) {
		b.audit(conn, "round", "", map[string]any{
			"scores": map[string]int{
				snap.Sides[0].Name: snap.Sides[0].ScoreAll,
				snap.Sides[1].Name: snap.Sides[1].ScoreAll,
			},
			"rounds_left": snap.RoundsLeft,
		})
	})
	b.audit(conn, "match", "", map[string]any{"opponent": peer.Key()})
	sess.Start()
}

type readyPayload struct {
	Ready *bool `json:"ready"`
}

func (b *Broker) handleReady(conn *Conn, raw json.RawMessage) error {
	var p readyPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	ready := true
	if p.Ready != nil {
		ready = *p.Ready
	}

	sess := conn.Session()
	if sess == nil {
		return ErrNotPaired
	}
	if err := sess.Ready(conn.Key(), ready); err != nil {
		return err
	}
	b.reply(conn, CodeOK, "readiness recorded", map[string]any{"ready": ready})
	return nil
}

type choicePayload struct {
	Choice string `json:"choice"`
}

func (b *Broker) handleChoice(conn *Conn, raw json.RawMessage) error {
	var p choicePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	c, err := duel.ParseChoice(p.Choice)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	sess := conn.Session()
	if sess == nil {
		return ErrNotPaired
	}
	if err := sess.Choose(conn.Key(), c); err != nil {
		return err
	}
	b.audit(conn, "choice", "", map[string]any{"choice": string(c)})
	b.reply(conn, CodeOK, "choice accepted", nil)
	return nil
}

func (b *Broker) handleResign(conn *Conn) error {
	if conn.Session() == nil {
		return ErrNotPaired
	}
	b.teardownSession(conn, "resign")
	b.reply(conn, CodeOK, "resigned", nil)
	return nil
}

// teardownSession aborts conn's session, clears both sides' references,
// dissolves the pairing, and drops any automated peer from the pool.
// Idempotent; a no-op without an active session.
func (b *Broker) teardownSession(conn *Conn, cause string) {
	sess := conn.Session()
	if sess == nil {
		return
	}
	peerSide, aborted := sess.Abort(conn.Key())
	conn.SetSession(nil)
	if peerConn, ok := peerSide.(*Conn); ok {
		peerConn.SetSession(nil)
	}
	if peer, ok := b.maker.Unpair(conn.Key()); ok {
		if side, isSide := peer.(duel.Side); isSide && !side.Human() {
			b.maker.Deregister(peer.Key())
		}
	}
	if aborted {
		b.audit(conn, cause, "", map[string]any{"session": "aborted"})
	}
}

func (b *Broker) handleMsg(conn *Conn, env Envelope) error {
	if !conn.Authenticated() {
		return ErrNotAuthenticated
	}
	if !b.rooms.Member(conn, env.Target) {
		return fmt.Errorf("%w: %s", ErrNotInRoom, env.Target)
	}
	ev := NewEvent(env.Target, conn.Identity(), TypeMsg, env.Payload)
	b.rooms.Record(env.Target, ev)
	b.rooms.Broadcast(env.Target, ev, nil)
	b.audit(conn, "msg", env.Target, map[string]any{"message": env.Payload})
	b.reply(conn, CodeOK, "delivered", nil)
	return nil
}

// handlePose updates the sender's ambient pose. High-frequency and fire-and-
// forget: no reply, no history, fan-out happens on the pose ticker's cadence.
func (b *Broker) handlePose(conn *Conn, env Envelope) error {
	if !conn.Authenticated() {
		return ErrNotAuthenticated
	}
	if !b.rooms.Member(conn, env.Target) {
		return fmt.Errorf("%w: %s", ErrNotInRoom, env.Target)
	}
	var p Pose
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	conn.SetPose(p)
	b.rooms.UpdateMemberPose(conn, env.Target, p)
	return nil
}

func (b *Broker) reply(conn *Conn, code int, msg string, detail any) {
	if err := conn.Send(NewReply(code, msg, detail)); err != nil {
		b.logger.Debug("reply delivery failed",
			zap.String("conn_id", conn.ID()),
			zap.Int("code", code),
			zap.Error(err),
		)
	}
}

// replyError maps a handler error onto the reply-code convention.
func (b *Broker) replyError(conn *Conn, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, ErrSchemaViolation):
		code = CodeBadRequest
	case errors.Is(err, ErrNotAuthenticated):
		code = CodeUnauthenticated
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrNotInRoom):
		code = CodeForbidden
	case errors.Is(err, ErrNoSuchRoom), errors.Is(err, match.ErrNoPlayers):
		code = CodeNotFound
	case errors.Is(err, ErrAlreadyLoggedIn),
		errors.Is(err, ErrAlreadyInRoom),
		errors.Is(err, ErrNotPaired),
		errors.Is(err, match.ErrBusy),
		errors.Is(err, match.ErrAlreadyPaired),
		errors.Is(err, duel.ErrNotInProgress),
		errors.Is(err, duel.ErrRoundWait),
		errors.Is(err, duel.ErrSessionOver):
		code = CodeConflict
	case errors.Is(err, ErrUnknownCommand):
		code = CodeNotImplemented
	}
	b.reply(conn, code, err.Error(), nil)
}

// decodePayload unmarshals a payload into dst. An absent payload leaves dst
// at its zero value; an undecodable one is a schema violation.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

func (b *Broker) audit(conn *Conn, action, room string, detail map[string]any) {
	if b.recorder == nil {
		return
	}
	b.recorder.Record(audit.Entry{
		Conn:   conn.ID(),
		IP:     conn.IP(),
		Actor:  conn.Identity(),
		Action: action,
		Room:   room,
		Detail: detail,
	})
}
