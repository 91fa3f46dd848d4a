package timeoutwatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/coordinator"
	"github.com/park285/chess-arena/internal/gamestore"
)

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) Emit(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}
func (f *fakeBus) EmitToUser(userID, event string, payload any) {}

func (f *fakeBus) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type fakeConns struct {
	live map[string]bool
}

func (f *fakeConns) HasLiveConnection(gameID, userID string) bool {
	return f.live[gameID+"/"+userID]
}

type fakeStats struct {
	mu      sync.Mutex
	applied int
}

func (f *fakeStats) Apply(ctx context.Context, g *gamestore.Game) {
	f.mu.Lock()
	f.applied++
	f.mu.Unlock()
}

func newTestStore(t *testing.T) *gamestore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store, err := gamestore.NewStore(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestSweep_DisconnectTimeoutWithoutLiveConnection(t *testing.T) {
	store := newTestStore(t)
	bus := &fakeBus{}
	stats := &fakeStats{}
	w := New(store, nil, bus, &fakeConns{}, stats, nil)

	now := time.Now()
	g := &gamestore.Game{
		ID: "g1", WhitePlayerID: "alice", BlackPlayerID: "bob",
		Status:               gamestore.StatusOngoing,
		Clock:                clock.New(60_000, 0, clock.NowMs(now), 30_000),
		DisconnectedPlayerID: "alice",
		DisconnectDeadlineMs: clock.NowMs(now) - 1,
		CreatedAt:            now, UpdatedAt: now,
	}
	if err := store.Create(context.Background(), g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w.tick(context.Background())

	loaded, err := store.Load(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != gamestore.StatusCompleted || loaded.Result != gamestore.ResultBlack {
		t.Fatalf("expected black to win on disconnect timeout, got status=%v result=%v", loaded.Status, loaded.Result)
	}
	if loaded.ResultReason != gamestore.ReasonDisconnectTimeout {
		t.Fatalf("expected disconnect_timeout reason, got %v", loaded.ResultReason)
	}
	if bus.count(coordinator.EventGameOver) != 1 {
		t.Fatalf("expected one game_over, got %d", bus.count(coordinator.EventGameOver))
	}
	// The stats side effect runs in its own goroutine; give it time to land.
	time.Sleep(20 * time.Millisecond)
	if stats.applied != 1 {
		t.Fatalf("expected stats applied once, got %d", stats.applied)
	}
}

func TestSweep_DisconnectSafetyNetClearsMarkersOnLiveConnection(t *testing.T) {
	store := newTestStore(t)
	bus := &fakeBus{}
	conns := &fakeConns{live: map[string]bool{"g1/alice": true}}
	w := New(store, nil, bus, conns, nil, nil)

	now := time.Now()
	g := &gamestore.Game{
		ID: "g1", WhitePlayerID: "alice", BlackPlayerID: "bob",
		Status:               gamestore.StatusOngoing,
		Clock:                clock.New(60_000, 0, clock.NowMs(now), 30_000),
		DisconnectedPlayerID: "alice",
		DisconnectDeadlineMs: clock.NowMs(now) - 1,
		CreatedAt:            now, UpdatedAt: now,
	}
	if err := store.Create(context.Background(), g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w.tick(context.Background())

	loaded, _ := store.Load(context.Background(), "g1")
	if loaded.Status != gamestore.StatusOngoing {
		t.Fatalf("expected game to remain ongoing, got %v", loaded.Status)
	}
	if loaded.DisconnectedPlayerID != "" || loaded.DisconnectDeadlineMs != 0 {
		t.Fatalf("expected markers cleared, got %+v", loaded)
	}
	if bus.count(coordinator.EventOpponentReconnected) != 1 {
		t.Fatalf("expected opponent_reconnected, got %d", bus.count(coordinator.EventOpponentReconnected))
	}
}

func TestSweep_FirstMoveDeadlineAborts(t *testing.T) {
	store := newTestStore(t)
	bus := &fakeBus{}
	w := New(store, nil, bus, nil, nil, nil)

	now := time.Now()
	g := &gamestore.Game{
		ID: "g1", WhitePlayerID: "alice", BlackPlayerID: "bob",
		Status:    gamestore.StatusOngoing,
		Clock:     clock.New(60_000, 0, clock.NowMs(now)-31_000, 30_000),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(context.Background(), g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w.tick(context.Background())

	loaded, _ := store.Load(context.Background(), "g1")
	if loaded.Status != gamestore.StatusCompleted || loaded.Result != gamestore.ResultAborted {
		t.Fatalf("expected aborted completion, got status=%v result=%v", loaded.Status, loaded.Result)
	}
	if loaded.ResultReason != gamestore.ReasonCancelledFirstMoveTimeout {
		t.Fatalf("unexpected reason %v", loaded.ResultReason)
	}
}

func TestSweep_FlagFallTerminatesWithTimeoutReason(t *testing.T) {
	store := newTestStore(t)
	bus := &fakeBus{}
	w := New(store, nil, bus, nil, nil, nil)

	now := time.Now()
	snap := clock.New(1_000, 0, clock.NowMs(now), 30_000)
	snap.ActiveColor = clock.White
	snap.LastMoveAtMs = clock.NowMs(now) - 5_000
	snap.FirstMoveDeadlineMs = 0
	g := &gamestore.Game{
		ID: "g1", WhitePlayerID: "alice", BlackPlayerID: "bob",
		Status:    gamestore.StatusOngoing,
		Clock:     snap,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(context.Background(), g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w.tick(context.Background())

	loaded, _ := store.Load(context.Background(), "g1")
	if loaded.Status != gamestore.StatusCompleted || loaded.Result != gamestore.ResultBlack {
		t.Fatalf("expected black to win on white's flag fall, got status=%v result=%v", loaded.Status, loaded.Result)
	}
	if loaded.ResultReason != gamestore.ReasonTimeout {
		t.Fatalf("unexpected reason %v", loaded.ResultReason)
	}
	if loaded.Clock.WhiteMs != 0 {
		t.Fatalf("expected flagged side floored at 0, got %d", loaded.Clock.WhiteMs)
	}
}

func TestListOngoing_ExcludesCompletedGames(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	ongoing := &gamestore.Game{ID: "g1", Status: gamestore.StatusOngoing, Clock: clock.New(60_000, 0, clock.NowMs(now), 30_000), CreatedAt: now, UpdatedAt: now}
	completed := &gamestore.Game{ID: "g2", Status: gamestore.StatusCompleted, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(context.Background(), ongoing); err != nil {
		t.Fatalf("Create ongoing: %v", err)
	}
	if err := store.Create(context.Background(), completed); err != nil {
		t.Fatalf("Create completed: %v", err)
	}
	ids, err := store.ListOngoing(context.Background())
	if err != nil {
		t.Fatalf("ListOngoing: %v", err)
	}
	if len(ids) != 1 || ids[0] != "g1" {
		t.Fatalf("expected only g1 listed ongoing, got %v", ids)
	}
}
