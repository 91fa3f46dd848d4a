package chessrules

import "testing"

func TestPositionFromHistory_Empty(t *testing.T) {
	pos, err := PositionFromHistory(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Turn() != White {
		t.Fatalf("expected white to move from start position")
	}
}

func TestTryMove_UCI(t *testing.T) {
	pos, _ := PositionFromHistory(nil)
	res, err := pos.TryMove("e2e4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UCI != "e2e4" {
		t.Fatalf("expected uci e2e4, got %s", res.UCI)
	}
	if res.SAN != "e4" {
		t.Fatalf("expected san e4, got %s", res.SAN)
	}
	if pos.Turn() != Black {
		t.Fatalf("expected black to move after e4")
	}
}

func TestTryMove_SANFallback(t *testing.T) {
	pos, _ := PositionFromHistory(nil)
	res, err := pos.TryMove("Nf3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UCI != "g1f3" {
		t.Fatalf("expected uci g1f3, got %s", res.UCI)
	}
}

func TestTryMove_IllegalLeavesPositionUnchanged(t *testing.T) {
	pos, _ := PositionFromHistory(nil)
	before := pos.FEN()
	if _, err := pos.TryMove("e2e5"); err != ErrIllegalMove {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if pos.FEN() != before {
		t.Fatalf("illegal move must not mutate position")
	}
}

func TestPositionFromHistory_ReplaysMoves(t *testing.T) {
	pos, err := PositionFromHistory([]string{"e2e4", "e7e5", "g1f3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Turn() != Black {
		t.Fatalf("expected black to move after three-ply replay")
	}
}

func TestPositionFromHistory_CorruptHistory(t *testing.T) {
	if _, err := PositionFromHistory([]string{"e2e4", "e2e4"}); err == nil {
		t.Fatalf("expected error replaying illegal stored move")
	}
}

func TestIsGameOver_Checkmate(t *testing.T) {
	pos, _ := PositionFromHistory(nil)
	moves := []string{"f2f3", "e7e5", "g2g4", "d8h4"}
	for _, mv := range moves {
		if _, err := pos.TryMove(mv); err != nil {
			t.Fatalf("unexpected error applying %s: %v", mv, err)
		}
	}
	if !pos.IsGameOver() {
		t.Fatalf("expected fool's mate to be game over")
	}
	if pos.Outcome() != BlackWon {
		t.Fatalf("expected black to win fool's mate, got %v", pos.Outcome())
	}
	if pos.Method() != Checkmate {
		t.Fatalf("expected checkmate method, got %v", pos.Method())
	}
}
