package premove

import (
	"testing"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/gamestore"
)

func TestSetThenGet(t *testing.T) {
	q := New()
	p := gamestore.Premove{From: "d7", To: "d5"}
	if err := q.Set("g1", clock.Black, p); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := q.Get("g1", clock.Black)
	if !ok {
		t.Fatalf("expected premove present")
	}
	if got.From != "d7" || got.To != "d5" {
		t.Fatalf("unexpected premove: %+v", got)
	}
}

func TestSet_RejectsSameSquare(t *testing.T) {
	q := New()
	if err := q.Set("g1", clock.Black, gamestore.Premove{From: "e5", To: "e5"}); err != ErrInvalidPremove {
		t.Fatalf("expected ErrInvalidPremove, got %v", err)
	}
}

func TestSet_RejectsInvalidPromotion(t *testing.T) {
	q := New()
	err := q.Set("g1", clock.White, gamestore.Premove{From: "e7", To: "e8", Promotion: "k"})
	if err != ErrInvalidPremove {
		t.Fatalf("expected ErrInvalidPremove for bogus promotion, got %v", err)
	}
}

func TestSetCancelRoundTrip(t *testing.T) {
	q := New()
	_ = q.Set("g1", clock.White, gamestore.Premove{From: "e2", To: "e4"})
	q.Clear("g1", clock.White, "cancelled")
	if _, ok := q.Get("g1", clock.White); ok {
		t.Fatalf("expected slot empty after clear")
	}
}

func TestClearAll_Idempotent(t *testing.T) {
	q := New()
	_ = q.Set("g1", clock.White, gamestore.Premove{From: "e2", To: "e4"})
	_ = q.Set("g1", clock.Black, gamestore.Premove{From: "e7", To: "e5"})
	q.ClearAll("g1", "aborted")
	q.ClearAll("g1", "aborted")
	if !q.IsEmpty("g1") {
		t.Fatalf("expected both slots empty")
	}
}

func TestRehydrate_SeedsFromDurableShadow(t *testing.T) {
	q := New()
	durable := map[clock.Color]*gamestore.Premove{
		clock.Black: {From: "d7", To: "d5"},
	}
	if !q.IsEmpty("g1") {
		t.Fatalf("expected empty before rehydrate")
	}
	q.Rehydrate("g1", durable)
	got, ok := q.Get("g1", clock.Black)
	if !ok || got.From != "d7" {
		t.Fatalf("expected rehydrated premove, got %+v ok=%v", got, ok)
	}
}

func TestDistinctGamesDoNotCollide(t *testing.T) {
	q := New()
	_ = q.Set("g1", clock.White, gamestore.Premove{From: "e2", To: "e4"})
	if _, ok := q.Get("g2", clock.White); ok {
		t.Fatalf("expected g2 to have no premove set on g1")
	}
}
