package gamestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/park285/chess-arena/internal/clock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	url := fmt.Sprintf("redis://%s/0", mr.Addr())
	ctx := context.Background()
	s, err := NewStore(ctx, url)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func newTestGame(id string) *Game {
	now := time.Now()
	return &Game{
		ID:            id,
		WhitePlayerID: "alice",
		BlackPlayerID: "bob",
		History:       nil,
		Status:        StatusOngoing,
		Clock:         clock.New(300_000, 0, clock.NowMs(now), 30_000),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newTestGame("g1")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}
	loaded, err := s.Load(ctx, "g1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.WhitePlayerID != "alice" {
		t.Fatalf("unexpected white player: %q", loaded.WhitePlayerID)
	}
}

func TestLoad_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreate_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newTestGame("g1")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, g); err == nil {
		t.Fatalf("expected error creating duplicate game id")
	}
}

func TestConditionalUpdate_AppliesWhenPredicateHolds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newTestGame("g1")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	applied, result, err := s.ConditionalUpdate(ctx, "g1",
		func(cur *Game) bool { return cur.Status == StatusOngoing },
		func(cur *Game) {
			cur.Status = StatusCompleted
			cur.Result = ResultWhite
			cur.ResultReason = ReasonResignation
		})
	if err != nil {
		t.Fatalf("ConditionalUpdate: %v", err)
	}
	if !applied {
		t.Fatalf("expected update to apply")
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %v", result.Status)
	}
}

func TestConditionalUpdate_IsANoOpOnceCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newTestGame("g1")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	predicate := func(cur *Game) bool { return cur.Status == StatusOngoing }
	patch := func(cur *Game) {
		cur.Status = StatusCompleted
		cur.Result = ResultWhite
		cur.ResultReason = ReasonResignation
	}

	first, _, err := s.ConditionalUpdate(ctx, "g1", predicate, patch)
	if err != nil || !first {
		t.Fatalf("expected first ConditionalUpdate to apply, got applied=%v err=%v", first, err)
	}

	second, _, err := s.ConditionalUpdate(ctx, "g1", predicate, patch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Fatalf("expected ConditionalUpdate to be a no-op once completed")
	}
}

func TestConditionalUpdate_ExactlyOneOfConcurrentTerminatorsWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newTestGame("g1")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	predicate := func(cur *Game) bool { return cur.Status == StatusOngoing }
	wins := 0
	for i := 0; i < 5; i++ {
		applied, _, err := s.ConditionalUpdate(ctx, "g1", predicate, func(cur *Game) {
			cur.Status = StatusCompleted
			cur.Result = ResultDraw
			cur.ResultReason = ReasonTimeout
		})
		if err != nil {
			t.Fatalf("ConditionalUpdate: %v", err)
		}
		if applied {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one terminator to win, got %d", wins)
	}
}

func TestFieldPatch_NarrowUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := newTestGame("g1")
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.FieldPatch(ctx, "g1", func(cur *Game) {
		cur.History = append(cur.History, "e2e4")
	}); err != nil {
		t.Fatalf("FieldPatch: %v", err)
	}
	loaded, err := s.Load(ctx, "g1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.History) != 1 || loaded.History[0] != "e2e4" {
		t.Fatalf("unexpected history after FieldPatch: %+v", loaded.History)
	}
}
