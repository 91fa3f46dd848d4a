package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/gamestore"
	"github.com/park285/chess-arena/internal/rooms"
)

// SetPremove stores a speculative move for a player while it is not
// their turn. Legality is decided only at execution time.
func (c *Coordinator) SetPremove(ctx context.Context, gameID, userID string, p gamestore.Premove) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		if g.Status != gamestore.StatusOngoing {
			return ErrGameCompleted
		}
		color := g.PlayerColor(userID)
		if color == "" {
			return ErrNotAPlayer
		}
		toMove := g.Clock.ActiveColor
		if toMove == clock.None {
			// The clock has no active side before the first move; White is to move.
			toMove = clock.White
		}
		if toMove == color {
			return ErrNotCallersTurnToPremove
		}
		p.SetAtMs = clock.NowMs(c.now())
		p.SourceMoveNo = len(g.History)
		if err := c.queue.Set(gameID, color, p); err != nil {
			return err
		}
		c.bus.Emit(rooms.Game(gameID), EventPremoveSet, PremoveSetPayload{GameID: gameID, By: color, From: p.From, To: p.To})
		go c.shadowPremove(gameID, color, p)
		return nil
	})
}

// CancelPremove clears the caller's queued premove, if any.
func (c *Coordinator) CancelPremove(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		color := g.PlayerColor(userID)
		if color == "" {
			return ErrNotAPlayer
		}
		c.queue.Clear(gameID, color, string(ClearReasonCancelled))
		c.bus.Emit(rooms.Game(gameID), EventPremoveCleared, PremoveClearedPayload{GameID: gameID, By: color, Reason: ClearReasonCancelled})
		go c.clearPremoveShadow(gameID, color)
		return nil
	})
}

// Resign is a terminal transition with the resigning player's opponent
// as the winner.
func (c *Coordinator) Resign(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		color := g.PlayerColor(userID)
		if color == "" {
			return ErrNotAPlayer
		}
		if g.Status != gamestore.StatusOngoing {
			return ErrGameCompleted
		}
		return c.commitSimpleTermination(ctx, g, gamestore.ResultFor(color.Opposite()), gamestore.ReasonResignation)
	})
}

// OfferDraw registers a draw offer from the caller, subject to the
// per-player offer cap and the no-pending-offer rule.
func (c *Coordinator) OfferDraw(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		if g.Status != gamestore.StatusOngoing {
			return ErrGameCompleted
		}
		color := g.PlayerColor(userID)
		if color == "" {
			return ErrNotAPlayer
		}
		if g.PendingDrawOfferFrom != gamestore.DrawPartyNone {
			return ErrDrawOfferPending
		}
		offers := g.WhiteDrawOffers
		if color == clock.Black {
			offers = g.BlackDrawOffers
		}
		if offers >= gamestore.MaxDrawOffers {
			return ErrDrawOfferCapReached
		}

		applied, _, err := c.store.ConditionalUpdate(ctx, gameID,
			func(cur *gamestore.Game) bool {
				return cur.Status == gamestore.StatusOngoing && cur.PendingDrawOfferFrom == gamestore.DrawPartyNone
			},
			func(cur *gamestore.Game) {
				cur.PendingDrawOfferFrom = gamestore.DrawPartyFor(color)
				if color == clock.White {
					cur.WhiteDrawOffers++
				} else {
					cur.BlackDrawOffers++
				}
				cur.UpdatedAt = c.now()
			})
		if err != nil {
			return err
		}
		if !applied {
			return ErrDrawOfferPending
		}
		c.bus.Emit(rooms.Game(gameID), EventDrawOffered, DrawOfferedPayload{GameID: gameID, By: color})
		c.bus.EmitToUser(userID, EventDrawOffered, DrawOfferedPayload{GameID: gameID, By: color})
		return nil
	})
}

// AcceptDraw completes the game as a draw, agreed.
func (c *Coordinator) AcceptDraw(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		color := g.PlayerColor(userID)
		if color == "" {
			return ErrNotAPlayer
		}
		if g.PendingDrawOfferFrom == gamestore.DrawPartyNone {
			return ErrNoPendingDrawOffer
		}
		if g.PendingDrawOfferFrom == gamestore.DrawPartyFor(color) {
			return ErrCannotAcceptOwnOffer
		}
		return c.commitSimpleTermination(ctx, g, gamestore.ResultDraw, gamestore.ReasonDrawAgreed)
	})
}

// RejectDraw clears the pending offer without ending the game.
func (c *Coordinator) RejectDraw(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		if g.PlayerColor(userID) == "" {
			return ErrNotAPlayer
		}
		if g.PendingDrawOfferFrom == gamestore.DrawPartyNone {
			return ErrNoPendingDrawOffer
		}
		_, _, err = c.store.ConditionalUpdate(ctx, gameID,
			func(cur *gamestore.Game) bool { return cur.PendingDrawOfferFrom != gamestore.DrawPartyNone },
			func(cur *gamestore.Game) { cur.PendingDrawOfferFrom = gamestore.DrawPartyNone })
		if err != nil {
			return err
		}
		c.bus.Emit(rooms.Game(gameID), EventDrawRejected, DrawRejectedPayload{GameID: gameID})
		return nil
	})
}

// CancelEarly aborts a game before either side has committed a second
// half-move, used for the first-move-timeout-adjacent "cancel" action.
func (c *Coordinator) CancelEarly(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		if g.PlayerColor(userID) == "" {
			return ErrNotAPlayer
		}
		if g.Status != gamestore.StatusOngoing {
			return ErrGameCompleted
		}
		if len(g.History) >= 2 {
			return ErrCancelWindowClosed
		}
		return c.commitSimpleTermination(ctx, g, gamestore.ResultAborted, gamestore.ReasonCancelledFirstMoveTimeout)
	})
}

// OfferRematch registers a rematch offer, valid only after completion.
func (c *Coordinator) OfferRematch(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		color := g.PlayerColor(userID)
		if color == "" {
			return ErrNotAPlayer
		}
		if g.Status != gamestore.StatusCompleted || g.RematchDeclined || g.NextGameID != "" || g.RematchOfferFrom != gamestore.DrawPartyNone {
			return ErrRematchBlocked
		}
		if err := c.store.FieldPatch(ctx, gameID, func(cur *gamestore.Game) {
			cur.RematchOfferFrom = gamestore.DrawPartyFor(color)
		}); err != nil {
			return err
		}
		c.bus.Emit(rooms.Game(gameID), EventRematchOffered, RematchOfferedPayload{GameID: gameID, By: color})
		return nil
	})
}

// AcceptRematch creates a fresh game with colors swapped and a freshly
// primed clock, linking it from the old game's NextGameID.
func (c *Coordinator) AcceptRematch(ctx context.Context, gameID, userID string, firstMoveTimeoutMs int64) (string, error) {
	var newGameID string
	err := c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		color := g.PlayerColor(userID)
		if color == "" {
			return ErrNotAPlayer
		}
		if g.Status != gamestore.StatusCompleted || g.RematchOfferFrom == gamestore.DrawPartyNone || g.RematchOfferFrom == gamestore.DrawPartyFor(color) {
			return ErrRematchBlocked
		}

		newGameID = gamestore.NewGameID()
		newGame := &gamestore.Game{
			ID:            newGameID,
			WhitePlayerID: g.BlackPlayerID,
			BlackPlayerID: g.WhitePlayerID,
			Status:        gamestore.StatusOngoing,
			Clock:         clock.New(g.Clock.BaseMs, g.Clock.IncrementMs, clock.NowMs(c.now()), firstMoveTimeoutMs),
			TimeControl:   g.TimeControl,
			CreatedAt:     c.now(),
			UpdatedAt:     c.now(),
		}
		if err := c.store.Create(ctx, newGame); err != nil {
			return err
		}
		if err := c.store.FieldPatch(ctx, gameID, func(cur *gamestore.Game) {
			cur.NextGameID = newGameID
		}); err != nil {
			return err
		}
		c.bus.Emit(rooms.Game(gameID), EventRematchAccepted, RematchAcceptedPayload{GameID: gameID, NewGameID: newGameID})
		return nil
	})
	return newGameID, err
}

// RejectRematch declines a pending rematch offer.
func (c *Coordinator) RejectRematch(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		if g.PlayerColor(userID) == "" {
			return ErrNotAPlayer
		}
		if err := c.store.FieldPatch(ctx, gameID, func(cur *gamestore.Game) {
			cur.RematchDeclined = true
			cur.RematchOfferFrom = gamestore.DrawPartyNone
		}); err != nil {
			return err
		}
		c.bus.Emit(rooms.Game(gameID), EventRematchRejected, RematchRejectedPayload{GameID: gameID})
		return nil
	})
}

// ArmDisconnect marks userID as disconnected on gameID, starting the
// grace window. Called by the Session Fabric when a user's last
// connection in a game's room drops.
func (c *Coordinator) ArmDisconnect(ctx context.Context, gameID, userID string) error {
	return c.locks.withLock(gameID, func() error {
		g, err := c.store.Load(ctx, gameID)
		if err != nil {
			return translateLoadErr(err)
		}
		if g.Status != gamestore.StatusOngoing || g.PlayerColor(userID) == "" {
			return nil
		}
		deadline := clock.NowMs(c.now()) + c.disconnectGraceMs
		applied, _, err := c.store.ConditionalUpdate(ctx, gameID,
			func(cur *gamestore.Game) bool {
				return cur.Status == gamestore.StatusOngoing && cur.DisconnectedPlayerID == ""
			},
			func(cur *gamestore.Game) {
				cur.DisconnectedPlayerID = userID
				cur.DisconnectDeadlineMs = deadline
			})
		if err != nil {
			return err
		}
		if applied {
			c.bus.Emit(rooms.Game(gameID), EventOpponentDisconnected, OpponentDisconnectedPayload{GameID: gameID, ReconnectDeadlineAt: deadline})
		}
		return nil
	})
}

// JoinGame is read-mostly and does not take the per-game lock. Its one
// write, the reconnect-clear latch, is a ConditionalUpdate, so it races
// the Timeout Watcher harmlessly.
func (c *Coordinator) JoinGame(ctx context.Context, gameID, userID string) (*gamestore.Game, error) {
	g, err := c.store.Load(ctx, gameID)
	if err != nil {
		return nil, translateLoadErr(err)
	}
	if g.PlayerColor(userID) == "" {
		return g, nil
	}
	if c.queue.IsEmpty(gameID) && len(g.QueuedPremoves) > 0 {
		c.queue.Rehydrate(gameID, g.QueuedPremoves)
	}
	if g.DisconnectedPlayerID != userID || g.Status != gamestore.StatusOngoing {
		return g, nil
	}

	applied, updated, err := c.store.ConditionalUpdate(ctx, gameID,
		func(cur *gamestore.Game) bool {
			return cur.DisconnectedPlayerID == userID && cur.Status == gamestore.StatusOngoing
		},
		func(cur *gamestore.Game) {
			cur.DisconnectedPlayerID = ""
			cur.DisconnectDeadlineMs = 0
		})
	if err != nil {
		return g, err
	}
	if applied {
		c.bus.Emit(rooms.Game(gameID), EventOpponentReconnected, nil)
		return updated, nil
	}
	return g, nil
}

// commitSimpleTermination is the shared shape of resign/accept-draw/
// cancel-early: set status + result + reason with no history mutation.
func (c *Coordinator) commitSimpleTermination(ctx context.Context, g *gamestore.Game, result gamestore.Result, reason gamestore.ResultReason) error {
	applied, updated, err := c.store.ConditionalUpdate(ctx, g.ID,
		func(cur *gamestore.Game) bool { return cur.Status == gamestore.StatusOngoing },
		func(cur *gamestore.Game) {
			cur.Status = gamestore.StatusCompleted
			cur.Result = result
			cur.ResultReason = reason
			cur.Clock.ActiveColor = clock.None
			cur.QueuedPremoves = nil
			cur.PendingDrawOfferFrom = gamestore.DrawPartyNone
			cur.UpdatedAt = c.now()
		})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	c.queue.ClearAll(g.ID, "game_completed")
	c.bus.Emit(rooms.Game(g.ID), EventGameOver, GameOverPayload{GameID: g.ID, Result: string(result), ResultReason: string(reason)})
	c.finalizeCompletion(ctx, updated)
	return nil
}

func (c *Coordinator) shadowPremove(gameID string, color clock.Color, p gamestore.Premove) {
	err := c.store.FieldPatch(context.Background(), gameID, func(cur *gamestore.Game) {
		if cur.QueuedPremoves == nil {
			cur.QueuedPremoves = make(map[clock.Color]*gamestore.Premove)
		}
		cp := p
		cur.QueuedPremoves[color] = &cp
	})
	if err != nil {
		c.logger.Error("shadow_premove_failed", zap.String("game_id", gameID), zap.Error(err))
	}
}

func translateLoadErr(err error) error {
	if err == gamestore.ErrNotFound {
		return ErrNotFound
	}
	return err
}
