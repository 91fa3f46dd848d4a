// Package timeoutwatcher is the Timeout Watcher: a background loop,
// independent of the Game Coordinator's per-game lock, that sweeps every
// ongoing game for disconnect deadlines, first-move deadlines, and
// flag-falls. Every terminal transition it commits goes through the same
// conditionalUpdate latch the coordinator uses, so the two can race
// harmlessly.
package timeoutwatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/coordinator"
	"github.com/park285/chess-arena/internal/gamestore"
	"github.com/park285/chess-arena/internal/rooms"
)

// TickInterval is the fixed per-process sweep cadence.
const TickInterval = 100 * time.Millisecond

// ReconnectChecker is the narrow Session Fabric surface the watcher needs
// for the disconnect safety net: does this user still hold a live
// connection in this game's room, anywhere in the cluster?
type ReconnectChecker interface {
	HasLiveConnection(gameID, userID string) bool
}

// Watcher owns the ticking loop. repo and stats may be nil; durable
// reporting and the stats side effect are best-effort enrichments, not
// required for the termination latch itself.
type Watcher struct {
	store  *gamestore.Store
	repo   *gamestore.Repository
	bus    coordinator.Broadcaster
	conns  ReconnectChecker
	stats  coordinator.StatsApplier
	logger *zap.Logger
	now    func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Watcher. conns may be nil, in which case the disconnect
// safety net never finds a live connection and every expired deadline
// commits a disconnect_timeout termination.
func New(store *gamestore.Store, repo *gamestore.Repository, bus coordinator.Broadcaster, conns ReconnectChecker, stats coordinator.StatsApplier, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:  store,
		repo:   repo,
		bus:    bus,
		conns:  conns,
		stats:  stats,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run blocks, ticking every TickInterval until ctx is cancelled or Stop
// is called. Intended to be launched with `go watcher.Run(ctx)`.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.doneCh)
	t := time.NewTicker(TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *Watcher) tick(ctx context.Context) {
	ids, err := w.store.ListOngoing(ctx)
	if err != nil {
		w.logger.Error("timeoutwatcher_list_ongoing_failed", zap.Error(err))
		return
	}
	nowMs := clock.NowMs(w.now())
	for _, id := range ids {
		w.sweepGame(ctx, id, nowMs)
	}
}

// sweepGame evaluates a single game against the three ordered checks in
// spec.md §4.E step 2: disconnect deadline, then first-move deadline,
// then flag-fall. At most one applies per tick.
func (w *Watcher) sweepGame(ctx context.Context, id string, nowMs int64) {
	g, err := w.store.Load(ctx, id)
	if err != nil {
		if err != gamestore.ErrNotFound {
			w.logger.Error("timeoutwatcher_load_failed", zap.String("game_id", id), zap.Error(err))
		}
		return
	}
	if g.Status != gamestore.StatusOngoing {
		return
	}

	if g.DisconnectedPlayerID != "" && g.DisconnectDeadlineMs > 0 && g.DisconnectDeadlineMs <= nowMs {
		w.sweepDisconnect(ctx, g)
		return
	}
	if g.Clock.HasFirstMoveDeadline() && nowMs > g.Clock.FirstMoveDeadlineMs {
		w.sweepFirstMoveTimeout(ctx, g)
		return
	}
	if proj := clock.Project(g.Clock, nowMs); proj.TimedOut {
		w.sweepFlagFall(ctx, g, proj)
	}
}

// sweepDisconnect is the reconnect-safety-net-or-terminate branch.
func (w *Watcher) sweepDisconnect(ctx context.Context, g *gamestore.Game) {
	userID := g.DisconnectedPlayerID

	if w.conns != nil && w.conns.HasLiveConnection(g.ID, userID) {
		applied, _, err := w.store.ConditionalUpdate(ctx, g.ID,
			func(cur *gamestore.Game) bool {
				return cur.Status == gamestore.StatusOngoing && cur.DisconnectedPlayerID == userID
			},
			func(cur *gamestore.Game) {
				cur.DisconnectedPlayerID = ""
				cur.DisconnectDeadlineMs = 0
			})
		if err != nil {
			w.logger.Error("timeoutwatcher_reconnect_clear_failed", zap.String("game_id", g.ID), zap.Error(err))
			return
		}
		if applied {
			w.bus.Emit(rooms.Game(g.ID), coordinator.EventOpponentReconnected, nil)
		}
		return
	}

	color := g.PlayerColor(userID)
	if color == "" {
		return
	}
	result := gamestore.ResultFor(color.Opposite())
	w.commitTermination(ctx, g, func(cur *gamestore.Game) bool {
		return cur.Status == gamestore.StatusOngoing && cur.DisconnectedPlayerID == userID
	}, func(cur *gamestore.Game) {
		cur.DisconnectedPlayerID = ""
		cur.DisconnectDeadlineMs = 0
		cur.Result = result
		cur.ResultReason = gamestore.ReasonDisconnectTimeout
	})
}

func (w *Watcher) sweepFirstMoveTimeout(ctx context.Context, g *gamestore.Game) {
	deadline := g.Clock.FirstMoveDeadlineMs
	w.commitTermination(ctx, g, func(cur *gamestore.Game) bool {
		return cur.Status == gamestore.StatusOngoing && cur.Clock.HasFirstMoveDeadline() && cur.Clock.FirstMoveDeadlineMs == deadline
	}, func(cur *gamestore.Game) {
		cur.Result = gamestore.ResultAborted
		cur.ResultReason = gamestore.ReasonCancelledFirstMoveTimeout
	})
}

func (w *Watcher) sweepFlagFall(ctx context.Context, g *gamestore.Game, proj clock.Projection) {
	result := gamestore.ResultFor(proj.Flagged.Opposite())
	lastMoveAt := g.Clock.LastMoveAtMs
	w.commitTermination(ctx, g, func(cur *gamestore.Game) bool {
		return cur.Status == gamestore.StatusOngoing && cur.Clock.LastMoveAtMs == lastMoveAt
	}, func(cur *gamestore.Game) {
		cur.Clock.WhiteMs = proj.WhiteMs
		cur.Clock.BlackMs = proj.BlackMs
		cur.Result = result
		cur.ResultReason = gamestore.ReasonTimeout
	})
}

// commitTermination is the shared shape of the three terminal paths
// above: set status/result/clear clock/premoves, gated by the caller's
// predicate, through the exactly-once latch.
func (w *Watcher) commitTermination(ctx context.Context, g *gamestore.Game, predicate gamestore.Predicate, setResult gamestore.Patch) {
	applied, updated, err := w.store.ConditionalUpdate(ctx, g.ID, predicate, func(cur *gamestore.Game) {
		setResult(cur)
		cur.Status = gamestore.StatusCompleted
		cur.Clock.ActiveColor = clock.None
		cur.QueuedPremoves = nil
		cur.PendingDrawOfferFrom = gamestore.DrawPartyNone
		cur.UpdatedAt = w.now()
	})
	if err != nil {
		w.logger.Error("timeoutwatcher_commit_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	if !applied {
		return
	}
	w.bus.Emit(rooms.Game(g.ID), coordinator.EventGameOver, coordinator.GameOverPayload{
		GameID: g.ID, Result: string(updated.Result), ResultReason: string(updated.ResultReason),
	})
	w.finalizeCompletion(updated)
}

// finalizeCompletion mirrors the Game Coordinator's post-termination side
// effects, since the watcher commits terminal transitions independently
// of the coordinator and must still gate stats exactly once and enrich
// the durable tier.
func (w *Watcher) finalizeCompletion(g *gamestore.Game) {
	if g.Result != gamestore.ResultAborted && w.stats != nil {
		applied, updated, err := w.store.ConditionalUpdate(context.Background(), g.ID,
			func(cur *gamestore.Game) bool { return !cur.StatsApplied },
			func(cur *gamestore.Game) { cur.StatsApplied = true })
		if err == nil && applied {
			go w.stats.Apply(context.Background(), updated)
		}
	}
	if w.repo != nil {
		historySAN := append([]string(nil), g.HistorySAN...)
		go func() {
			if err := w.repo.SaveResult(context.Background(), g, historySAN); err != nil {
				w.logger.Error("timeoutwatcher_save_result_failed", zap.String("game_id", g.ID), zap.Error(err))
			}
		}()
	}
}
