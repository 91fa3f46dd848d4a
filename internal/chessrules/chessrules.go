// Package chessrules adapts github.com/corentings/chess/v2 behind the
// narrow surface the rest of the server needs: replaying a move history,
// validating and applying a candidate move, and reading back terminal
// outcomes.
package chessrules

import (
	"errors"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Color mirrors the two playable sides using the same "w"/"b" values as
// internal/clock's Color; the two are distinct types.
type Color string

const (
	White Color = "w"
	Black Color = "b"
)

// ErrIllegalMove is returned when a candidate move cannot be decoded or
// applied against the current position, in either UCI or SAN notation.
var ErrIllegalMove = errors.New("chessrules: illegal move")

// Outcome reports a terminal game result, if any.
type Outcome int

const (
	Ongoing Outcome = iota
	WhiteWon
	BlackWon
	Draw
)

// Position is a replayed, in-memory chess position plus the notation
// history needed to persist and re-derive it.
type Position struct {
	game *nchess.Game
}

// PositionFromHistory replays a sequence of UCI moves from the starting
// position. An empty slice yields the starting position. It returns an
// error if any stored move fails to replay, which indicates corrupted
// persisted state rather than a user input error.
func PositionFromHistory(movesUCI []string) (*Position, error) {
	game := nchess.NewGame()
	uci := nchess.UCINotation{}
	for _, mv := range movesUCI {
		if err := game.PushNotationMove(mv, uci, nil); err != nil {
			return nil, errors.New("chessrules: corrupt move history: " + err.Error())
		}
	}
	return &Position{game: game}, nil
}

// FEN returns the Forsyth-Edwards representation of the current position.
func (p *Position) FEN() string {
	return p.game.FEN()
}

// Turn reports which color is to move.
func (p *Position) Turn() Color {
	if p.game.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

// MoveResult is the outcome of a single TryMove call.
type MoveResult struct {
	UCI     string
	SAN     string
	Outcome Outcome
}

// TryMove validates and applies moveStr (accepted as UCI first, falling
// back to SAN) against the position in place. On success it returns the
// canonical UCI/SAN pair and any resulting terminal outcome; on failure
// the position is left unchanged and ErrIllegalMove is returned.
func (p *Position) TryMove(moveStr string) (MoveResult, error) {
	raw := strings.TrimSpace(moveStr)
	if raw == "" {
		return MoveResult{}, ErrIllegalMove
	}

	pos := p.game.Position()
	uciNotation := nchess.UCINotation{}
	lower := strings.ToLower(raw)

	if mv, err := uciNotation.Decode(pos, lower); err == nil {
		san := nchess.AlgebraicNotation{}.Encode(pos, mv)
		if merr := p.game.Move(mv, nil); merr != nil {
			return MoveResult{}, ErrIllegalMove
		}
		return MoveResult{UCI: lower, SAN: san, Outcome: p.outcome()}, nil
	}

	if err := p.game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
		return MoveResult{}, ErrIllegalMove
	}
	last := lastMove(p.game)
	if last == nil {
		return MoveResult{}, ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, last)
	return MoveResult{UCI: last.String(), SAN: san, Outcome: p.outcome()}, nil
}

// IsGameOver reports whether the position has reached a terminal outcome.
func (p *Position) IsGameOver() bool {
	return p.outcome() != Ongoing
}

// Outcome returns the current terminal outcome, or Ongoing.
func (p *Position) Outcome() Outcome {
	return p.outcome()
}

// Method refines a Draw/WhiteWon/BlackWon outcome with how it was
// reached, distinguishing checkmate and stalemate from other draw types.
type Method int

const (
	NoMethod Method = iota
	Checkmate
	Stalemate
	OtherMethod
)

// Method returns how the current outcome was reached.
func (p *Position) Method() Method {
	switch p.game.Method() {
	case nchess.Checkmate:
		return Checkmate
	case nchess.Stalemate:
		return Stalemate
	default:
		return OtherMethod
	}
}

func (p *Position) outcome() Outcome {
	switch p.game.Outcome() {
	case nchess.WhiteWon:
		return WhiteWon
	case nchess.BlackWon:
		return BlackWon
	case nchess.Draw:
		return Draw
	default:
		return Ongoing
	}
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}
