// Package coordinator is the Game Coordinator: the per-game serialized
// critical section that orchestrates validate → clock → broadcast →
// persist → try-premove for every player-initiated action, and the
// exactly-once termination latch all terminal transitions funnel
// through.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/chessrules"
	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/gamestore"
	"github.com/park285/chess-arena/internal/premove"
	"github.com/park285/chess-arena/internal/rooms"
)

// Broadcaster is the narrow Session Fabric surface the coordinator
// needs: room-wide and user-targeted emission. Non-blocking by
// contract — failures are logged by the implementation, never awaited
// or propagated here.
type Broadcaster interface {
	Emit(room, event string, payload any)
	EmitToUser(userID, event string, payload any)
}

// StatsApplier is the idempotent completion side effect hook. It is
// invoked at most once per game, guarded by Game.StatsApplied.
type StatsApplier interface {
	Apply(ctx context.Context, g *gamestore.Game)
}

// DefaultFirstMoveTimeoutMs is the grace window a rematched game gives
// White to play the opening move when accepted through the session
// fabric. Games created over HTTP use the configured FIRST_MOVE_TIMEOUT_MS.
const DefaultFirstMoveTimeoutMs int64 = 30_000

var (
	ErrNotFound      = errors.New("coordinator: game not found")
	ErrNotAPlayer    = errors.New("coordinator: caller is not a player of this game")
	ErrGameCompleted = errors.New("coordinator: game is already completed")
	ErrWrongTurn     = errors.New("coordinator: not the caller's turn")
	ErrIllegalMove   = errors.New("coordinator: illegal move")
	ErrNotCallersTurnToPremove = errors.New("coordinator: cannot premove on your own turn")
	ErrDrawOfferPending        = errors.New("coordinator: a draw offer is already pending")
	ErrDrawOfferCapReached     = errors.New("coordinator: draw offer cap reached")
	ErrNoPendingDrawOffer      = errors.New("coordinator: no pending draw offer")
	ErrCannotAcceptOwnOffer    = errors.New("coordinator: cannot accept your own draw offer")
	ErrCancelWindowClosed      = errors.New("coordinator: cancel window has closed")
	ErrRematchBlocked          = errors.New("coordinator: rematch is not available")
	ErrNotCompleted            = errors.New("coordinator: game is not completed")
)

// Coordinator wires the Game Store, Premove Queue, Session Fabric, and
// the stats side effect behind the per-game lock.
type Coordinator struct {
	store             *gamestore.Store
	repo              *gamestore.Repository
	queue             *premove.Queue
	bus               Broadcaster
	stats             StatsApplier
	logger            *zap.Logger
	locks             *lockMap
	now               func() time.Time
	disconnectGraceMs int64
}

// New builds a Coordinator. repo may be nil (durable reporting is a
// best-effort enrichment, not required for correctness). disconnectGraceMs
// configures the grace window ArmDisconnect gives a dropped player before
// the Timeout Watcher commits a disconnect_timeout termination.
func New(store *gamestore.Store, repo *gamestore.Repository, queue *premove.Queue, bus Broadcaster, stats StatsApplier, disconnectGraceMs int64, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:             store,
		repo:              repo,
		queue:             queue,
		bus:               bus,
		stats:             stats,
		logger:            logger,
		locks:             newLockMap(),
		now:               time.Now,
		disconnectGraceMs: disconnectGraceMs,
	}
}

func (c *Coordinator) nowMs() int64 { return clock.NowMs(c.now()) }

// MakeMoveInput is the payload the make_move event carries.
type MakeMoveInput struct {
	GameID            string
	UserID            string
	Move              string
	ClientTimestampMs int64
	TraceID           string
}

// MakeMove is the hot path: validate → clock → broadcast → persist →
// try-premove, all inside the per-game lock.
func (c *Coordinator) MakeMove(ctx context.Context, in MakeMoveInput) error {
	return c.locks.withLock(in.GameID, func() error {
		g, err := c.store.Load(ctx, in.GameID)
		if errors.Is(err, gamestore.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if g.Status != gamestore.StatusOngoing {
			return ErrGameCompleted
		}
		moverColor := g.PlayerColor(in.UserID)
		if moverColor == "" {
			return ErrNotAPlayer
		}

		pos, err := chessrules.PositionFromHistory(g.History)
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		if toChessColor(pos.Turn()) != moverColor {
			return ErrWrongTurn
		}

		mv, err := pos.TryMove(in.Move)
		if err != nil {
			return ErrIllegalMove
		}

		var clearedPremove bool
		if _, had := c.queue.Get(in.GameID, moverColor); had {
			c.queue.Clear(in.GameID, moverColor, string(ClearReasonCancelled))
			clearedPremove = true
		}

		res, err := clock.ApplyMove(g.Clock, moverColor, in.ClientTimestampMs, c.nowMs())
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}

		if clearedPremove {
			c.bus.Emit(rooms.Game(in.GameID), EventPremoveCleared, PremoveClearedPayload{
				GameID: in.GameID, By: moverColor, Reason: ClearReasonCancelled,
			})
		}

		if res.Timeout {
			c.commitTimeoutTermination(ctx, g, res)
			return nil
		}

		g.History = append(g.History, mv.UCI)
		g.HistorySAN = append(g.HistorySAN, mv.SAN)
		g.Clock = res.Snapshot

		if pos.IsGameOver() {
			c.commitMoveTermination(ctx, g, moverColor, mv, pos)
			return nil
		}

		c.broadcastMove(g, moverColor, mv, in.TraceID)
		c.persistMove(g, moverColor)
		c.tryExecuteQueuedPremove(ctx, g)
		return nil
	})
}

// tryExecuteQueuedPremove is the latency-critical path invoked after a
// normal move commits. It never cascades: executing a premove does not
// attempt to execute a further premove for the side that just moved.
func (c *Coordinator) tryExecuteQueuedPremove(ctx context.Context, g *gamestore.Game) {
	toMove := g.Clock.ActiveColor
	if toMove != clock.White && toMove != clock.Black {
		return
	}
	p, ok := c.queue.Get(g.ID, toMove)
	if !ok {
		return
	}
	c.logger.Debug("turn_flipped", zap.String("game_id", g.ID), zap.String("color", string(toMove)))

	pos, err := chessrules.PositionFromHistory(g.History)
	if err != nil {
		c.logger.Error("premove_reconstruct_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}

	uci := p.From + p.To + p.Promotion
	mv, err := pos.TryMove(uci)
	if err != nil {
		c.queue.Clear(g.ID, toMove, string(ClearReasonRejected))
		c.bus.EmitToUser(g.PlayerIDFor(toMove), EventPremoveRejected, PremoveRejectedPayload{GameID: g.ID, By: toMove})
		c.bus.Emit(rooms.Game(g.ID), EventPremoveCleared, PremoveClearedPayload{GameID: g.ID, By: toMove, Reason: ClearReasonRejected})
		go c.clearPremoveShadow(g.ID, toMove)
		return
	}
	c.queue.Clear(g.ID, toMove, string(ClearReasonExecuted))

	res, err := clock.ApplyMove(g.Clock, toMove, 0, c.nowMs())
	if err != nil {
		c.logger.Error("premove_clock_error", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	if res.Timeout {
		c.commitTimeoutTermination(ctx, g, res)
		return
	}

	g.History = append(g.History, mv.UCI)
	g.HistorySAN = append(g.HistorySAN, mv.SAN)
	g.Clock = res.Snapshot

	if pos.IsGameOver() {
		c.commitMoveTermination(ctx, g, toMove, mv, pos)
		return
	}

	c.broadcastMove(g, toMove, mv, "")
	c.bus.Emit(rooms.Game(g.ID), EventPremoveCleared, PremoveClearedPayload{GameID: g.ID, By: toMove, Reason: ClearReasonExecuted})
	c.persistMove(g, toMove)
}

func (c *Coordinator) broadcastMove(g *gamestore.Game, by clock.Color, mv chessrules.MoveResult, traceID string) {
	room := rooms.Game(g.ID)
	c.bus.Emit(room, EventMoveMade, MoveMadePayload{
		GameID: g.ID, By: by, UCI: mv.UCI, SAN: mv.SAN, MoveCount: g.Clock.MoveCount, TraceID: traceID,
	})
	c.bus.Emit(room, EventClockUpdate, ClockUpdatePayload{
		GameID: g.ID, WhiteMs: g.Clock.WhiteMs, BlackMs: g.Clock.BlackMs, ActiveColor: g.Clock.ActiveColor,
	})
}

// commitMoveTermination finishes a move that has just ended the game
// (checkmate/stalemate/draw), via the exactly-once termination latch.
func (c *Coordinator) commitMoveTermination(ctx context.Context, g *gamestore.Game, by clock.Color, mv chessrules.MoveResult, pos *chessrules.Position) {
	result, reason := outcomeToResult(pos)
	oldLen := len(g.History) - 1

	applied, updated, err := c.store.ConditionalUpdate(ctx, g.ID,
		func(cur *gamestore.Game) bool {
			return cur.Status == gamestore.StatusOngoing && len(cur.History) == oldLen
		},
		func(cur *gamestore.Game) {
			cur.History = append(cur.History, mv.UCI)
			cur.HistorySAN = append(cur.HistorySAN, mv.SAN)
			cur.Clock = g.Clock
			cur.QueuedPremoves = nil
			cur.Status = gamestore.StatusCompleted
			cur.Result = result
			cur.ResultReason = reason
			cur.UpdatedAt = c.now()
		})
	if err != nil {
		c.logger.Error("commit_move_termination_failed", zap.String("game_id", g.ID), zap.Error(err))
		c.bus.EmitToUser(g.PlayerIDFor(by), EventError, ErrorPayload{Message: "sync error"})
		return
	}
	if !applied {
		return
	}

	c.queue.ClearAll(g.ID, "game_completed")
	c.broadcastMove(g, by, mv, "")
	c.bus.Emit(rooms.Game(g.ID), EventGameOver, GameOverPayload{GameID: g.ID, Result: string(result), ResultReason: string(reason)})
	c.finalizeCompletion(ctx, updated)
}

// commitTimeoutTermination finishes a move pipeline that discovered a
// flag-fall instead of completing a move.
func (c *Coordinator) commitTimeoutTermination(ctx context.Context, g *gamestore.Game, res clock.Result) {
	oldLen := len(g.History)
	result := gamestore.ResultFor(res.Winner)

	applied, updated, err := c.store.ConditionalUpdate(ctx, g.ID,
		func(cur *gamestore.Game) bool {
			return cur.Status == gamestore.StatusOngoing && len(cur.History) == oldLen
		},
		func(cur *gamestore.Game) {
			cur.Clock = res.Snapshot
			cur.QueuedPremoves = nil
			cur.Status = gamestore.StatusCompleted
			cur.Result = result
			cur.ResultReason = gamestore.ReasonTimeout
			cur.UpdatedAt = c.now()
		})
	if err != nil {
		c.logger.Error("commit_timeout_termination_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	if !applied {
		return
	}
	c.queue.ClearAll(g.ID, "game_completed")
	c.bus.Emit(rooms.Game(g.ID), EventGameOver, GameOverPayload{GameID: g.ID, Result: string(result), ResultReason: string(gamestore.ReasonTimeout)})
	c.finalizeCompletion(ctx, updated)
}

func (c *Coordinator) finalizeCompletion(ctx context.Context, g *gamestore.Game) {
	if g.Result != gamestore.ResultAborted {
		applied, updated, err := c.store.ConditionalUpdate(ctx, g.ID,
			func(cur *gamestore.Game) bool { return !cur.StatsApplied },
			func(cur *gamestore.Game) { cur.StatsApplied = true })
		if err == nil && applied && c.stats != nil {
			go c.stats.Apply(context.Background(), updated)
		}
	}
	if c.repo != nil {
		sanHistory := g.HistorySAN
		go func() {
			if err := c.repo.SaveResult(context.Background(), g, sanHistory); err != nil {
				c.logger.Error("save_result_failed", zap.String("game_id", g.ID), zap.Error(err))
			}
		}()
	}
}

// persistMove writes the narrow set of fields a committed move changes:
// history, clock, and the mover's premove shadow slot (the mover has no
// queued premove once they have moved). It runs after the move has been
// broadcast but still inside the per-game lock, so the next operation on
// the game loads the new history. A failure is logged and reported to the
// mover as a sync error; the broadcast is not rolled back.
func (c *Coordinator) persistMove(g *gamestore.Game, by clock.Color) {
	err := c.store.FieldPatch(context.Background(), g.ID, func(cur *gamestore.Game) {
		cur.History = append([]string(nil), g.History...)
		cur.HistorySAN = append([]string(nil), g.HistorySAN...)
		cur.Clock = g.Clock
		delete(cur.QueuedPremoves, by)
		cur.UpdatedAt = c.now()
	})
	if err != nil {
		c.logger.Error("field_patch_failed", zap.String("game_id", g.ID), zap.Error(err))
		c.bus.EmitToUser(g.PlayerIDFor(by), EventError, ErrorPayload{Message: "sync error"})
	}
}

func (c *Coordinator) clearPremoveShadow(gameID string, color clock.Color) {
	err := c.store.FieldPatch(context.Background(), gameID, func(cur *gamestore.Game) {
		if cur.QueuedPremoves != nil {
			delete(cur.QueuedPremoves, color)
		}
	})
	if err != nil {
		c.logger.Error("clear_premove_shadow_failed", zap.String("game_id", gameID), zap.Error(err))
	}
}

func outcomeToResult(pos *chessrules.Position) (gamestore.Result, gamestore.ResultReason) {
	switch pos.Outcome() {
	case chessrules.WhiteWon:
		return gamestore.ResultWhite, gamestore.ReasonCheckmate
	case chessrules.BlackWon:
		return gamestore.ResultBlack, gamestore.ReasonCheckmate
	case chessrules.Draw:
		if pos.Method() == chessrules.Stalemate {
			return gamestore.ResultDraw, gamestore.ReasonStalemate
		}
		return gamestore.ResultDraw, gamestore.ReasonDraw
	default:
		return gamestore.ResultUnset, gamestore.ReasonUnset
	}
}

func toChessColor(c chessrules.Color) clock.Color {
	if c == chessrules.White {
		return clock.White
	}
	return clock.Black
}
