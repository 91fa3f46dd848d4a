package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/gamestore"
	"github.com/park285/chess-arena/internal/premove"
)

type recordedEvent struct {
	room    string
	userID  string
	event   string
	payload any
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBus) Emit(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{room: room, event: event, payload: payload})
}

func (f *fakeBus) EmitToUser(userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{userID: userID, event: event, payload: payload})
}

func (f *fakeBus) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeBus) first(event string) (recordedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.event == event {
			return e, true
		}
	}
	return recordedEvent{}, false
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

func newTestCoordinator(t *testing.T) (*Coordinator, *gamestore.Store, *fakeBus, *fakeStats) {
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
	bus := &fakeBus{}
	stats := &fakeStats{}
	coord := New(store, nil, premove.New(), bus, stats, 20_000, nil)
	return coord, store, bus, stats
}

func seedGame(t *testing.T, store *gamestore.Store, id string) *gamestore.Game {
	t.Helper()
	now := time.Now()
	g := &gamestore.Game{
		ID:            id,
		WhitePlayerID: "alice",
		BlackPlayerID: "bob",
		Status:        gamestore.StatusOngoing,
		Clock:         clock.New(60_000, 0, clock.NowMs(now), 30_000),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Create(context.Background(), g); err != nil {
		t.Fatalf("seed Create: %v", err)
	}
	return g
}

func waitForAsync() { time.Sleep(20 * time.Millisecond) }

func TestMakeMove_UCIHappyPath(t *testing.T) {
	coord, store, bus, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")

	err := coord.MakeMove(context.Background(), MakeMoveInput{GameID: "g1", UserID: "alice", Move: "e2e4"})
	if err != nil {
		t.Fatalf("MakeMove: %v", err)
	}
	waitForAsync()

	g, err := store.Load(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(g.History) != 1 || g.History[0] != "e2e4" {
		t.Fatalf("unexpected history: %+v", g.History)
	}
	if g.Clock.ActiveColor != clock.Black {
		t.Fatalf("expected black to move, got %v", g.Clock.ActiveColor)
	}
	if bus.count(EventMoveMade) != 1 {
		t.Fatalf("expected one move_made event, got %d", bus.count(EventMoveMade))
	}
}

func TestMakeMove_WrongTurnRejected(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")
	if err := coord.MakeMove(context.Background(), MakeMoveInput{GameID: "g1", UserID: "bob", Move: "e7e5"}); err != ErrWrongTurn {
		t.Fatalf("expected ErrWrongTurn, got %v", err)
	}
}

func TestMakeMove_IllegalMoveLeavesHistoryUnchanged(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")
	if err := coord.MakeMove(context.Background(), MakeMoveInput{GameID: "g1", UserID: "alice", Move: "e2e5"}); err != ErrIllegalMove {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	g, _ := store.Load(context.Background(), "g1")
	if len(g.History) != 0 {
		t.Fatalf("expected no history mutation on illegal move, got %+v", g.History)
	}
}

func TestSetPremove_ThenExecutedOnTurnFlip(t *testing.T) {
	coord, store, bus, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")

	if err := coord.SetPremove(context.Background(), "g1", "bob", gamestore.Premove{From: "d7", To: "d5"}); err != nil {
		t.Fatalf("SetPremove: %v", err)
	}
	if err := coord.MakeMove(context.Background(), MakeMoveInput{GameID: "g1", UserID: "alice", Move: "e2e4"}); err != nil {
		t.Fatalf("MakeMove: %v", err)
	}
	waitForAsync()

	g, err := store.Load(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(g.History) != 2 || g.History[1] != "d7d5" {
		t.Fatalf("expected premove executed into history, got %+v", g.History)
	}
	if g.Clock.ActiveColor != clock.White {
		t.Fatalf("expected white to move after premove executes, got %v", g.Clock.ActiveColor)
	}
	if bus.count(EventMoveMade) != 2 {
		t.Fatalf("expected two move_made events, got %d", bus.count(EventMoveMade))
	}
	if ev, ok := bus.first(EventPremoveCleared); !ok {
		t.Fatalf("expected premove_cleared event")
	} else if payload, ok := ev.payload.(PremoveClearedPayload); !ok || payload.Reason != ClearReasonExecuted {
		t.Fatalf("expected executed-reason premove_cleared, got %+v", ev.payload)
	}
}

func TestSetPremove_RejectedOnOwnTurn(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")
	if err := coord.SetPremove(context.Background(), "g1", "alice", gamestore.Premove{From: "e2", To: "e4"}); err != ErrNotCallersTurnToPremove {
		t.Fatalf("expected ErrNotCallersTurnToPremove, got %v", err)
	}
}

func TestPremove_IllegalAtExecutionIsRejectedNotAnError(t *testing.T) {
	coord, store, bus, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")

	// Black first queues and cancels e7e6, then queues d8d1, which is
	// illegal after white's move because the queen's path is blocked.
	if err := coord.SetPremove(context.Background(), "g1", "bob", gamestore.Premove{From: "e7", To: "e6"}); err != nil {
		t.Fatalf("SetPremove: %v", err)
	}
	_ = coord.CancelPremove(context.Background(), "g1", "bob")
	if err := coord.SetPremove(context.Background(), "g1", "bob", gamestore.Premove{From: "d8", To: "d1"}); err != nil {
		t.Fatalf("SetPremove: %v", err)
	}

	if err := coord.MakeMove(context.Background(), MakeMoveInput{GameID: "g1", UserID: "alice", Move: "e2e4"}); err != nil {
		t.Fatalf("MakeMove: %v", err)
	}
	waitForAsync()

	g, _ := store.Load(context.Background(), "g1")
	if len(g.History) != 1 {
		t.Fatalf("expected only white's move in history, got %+v", g.History)
	}
	if _, ok := bus.first(EventPremoveRejected); !ok {
		t.Fatalf("expected premove_rejected event")
	}
}

func TestResign_TerminalTransition(t *testing.T) {
	coord, store, bus, stats := newTestCoordinator(t)
	seedGame(t, store, "g1")

	if err := coord.Resign(context.Background(), "g1", "alice"); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	waitForAsync()

	g, _ := store.Load(context.Background(), "g1")
	if g.Status != gamestore.StatusCompleted || g.Result != gamestore.ResultBlack {
		t.Fatalf("expected black to win by resignation, got status=%v result=%v", g.Status, g.Result)
	}
	if bus.count(EventGameOver) != 1 {
		t.Fatalf("expected exactly one game_over, got %d", bus.count(EventGameOver))
	}
	if stats.applied != 1 {
		t.Fatalf("expected stats applied once, got %d", stats.applied)
	}
}

func TestExactlyOnceTermination_ConcurrentResignAndDraw(t *testing.T) {
	coord, store, bus, stats := newTestCoordinator(t)
	seedGame(t, store, "g1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = coord.Resign(context.Background(), "g1", "alice") }()
	go func() {
		defer wg.Done()
		_ = coord.OfferDraw(context.Background(), "g1", "bob")
		_ = coord.AcceptDraw(context.Background(), "g1", "alice")
	}()
	wg.Wait()
	waitForAsync()

	if bus.count(EventGameOver) != 1 {
		t.Fatalf("expected exactly one game_over across concurrent terminators, got %d", bus.count(EventGameOver))
	}
	if stats.applied != 1 {
		t.Fatalf("expected stats applied exactly once, got %d", stats.applied)
	}
}

func TestOfferDraw_RejectedWhilePending(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")
	if err := coord.OfferDraw(context.Background(), "g1", "alice"); err != nil {
		t.Fatalf("OfferDraw: %v", err)
	}
	if err := coord.OfferDraw(context.Background(), "g1", "bob"); err != ErrDrawOfferPending {
		t.Fatalf("expected ErrDrawOfferPending, got %v", err)
	}
}

func TestOfferDraw_CapReached(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")
	if err := coord.OfferDraw(context.Background(), "g1", "alice"); err != nil {
		t.Fatalf("OfferDraw 1: %v", err)
	}
	if err := coord.RejectDraw(context.Background(), "g1", "bob"); err != nil {
		t.Fatalf("RejectDraw: %v", err)
	}
	if err := coord.OfferDraw(context.Background(), "g1", "alice"); err != nil {
		t.Fatalf("OfferDraw 2: %v", err)
	}
	if err := coord.RejectDraw(context.Background(), "g1", "bob"); err != nil {
		t.Fatalf("RejectDraw: %v", err)
	}
	if err := coord.OfferDraw(context.Background(), "g1", "alice"); err != ErrDrawOfferCapReached {
		t.Fatalf("expected ErrDrawOfferCapReached, got %v", err)
	}
}

func TestCancelEarly_RejectedOnceHistoryGrows(t *testing.T) {
	coord, store, _, _ := newTestCoordinator(t)
	seedGame(t, store, "g1")
	if err := coord.MakeMove(context.Background(), MakeMoveInput{GameID: "g1", UserID: "alice", Move: "e2e4"}); err != nil {
		t.Fatalf("MakeMove: %v", err)
	}
	if err := coord.MakeMove(context.Background(), MakeMoveInput{GameID: "g1", UserID: "bob", Move: "e7e5"}); err != nil {
		t.Fatalf("MakeMove: %v", err)
	}
	if err := coord.CancelEarly(context.Background(), "g1", "alice"); err != ErrCancelWindowClosed {
		t.Fatalf("expected ErrCancelWindowClosed, got %v", err)
	}
}
