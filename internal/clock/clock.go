// Package clock implements the chess-clock contract as a pure
// transformation over a snapshot value: no I/O, no locks, no wall-clock
// reads beyond what the caller supplies.
package clock

import (
	"errors"
	"time"
)

// Color identifies which side is on the move.
type Color string

const (
	White Color = "w"
	Black Color = "b"
	None  Color = "none"
)

func (c Color) Opposite() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return None
	}
}

// LagCompensationCapMs is the fixed cap on how much observed network
// delay is credited back to the mover. Fixed per spec, not configurable.
const LagCompensationCapMs int64 = 500

// ErrWrongTurn is returned when the moving color does not match the
// snapshot's active color (or, before the first move, is not white).
var ErrWrongTurn = errors.New("clock: wrong turn")

// Snapshot is the persisted clock state for one game.
type Snapshot struct {
	WhiteMs            int64
	BlackMs            int64
	ActiveColor        Color
	LastMoveAtMs       int64
	FirstMoveDeadlineMs int64 // 0 means unset
	MoveCount           int
	BaseMs              int64
	IncrementMs         int64
}

// HasFirstMoveDeadline reports whether a first-move deadline is armed.
func (s Snapshot) HasFirstMoveDeadline() bool {
	return s.ActiveColor == None && s.FirstMoveDeadlineMs > 0
}

// Result is the outcome of ApplyMove.
type Result struct {
	Snapshot Snapshot
	Timeout  bool
	// Winner is only meaningful when Timeout is true.
	Winner Color
}

// ApplyMove advances the clock for a committed move by movingColor,
// observed at nowMs, with an optional client-reported send timestamp
// used for lag compensation. It never mutates its input.
func ApplyMove(snap Snapshot, movingColor Color, clientTimestampMs int64, nowMs int64) (Result, error) {
	// 1. First move.
	if snap.ActiveColor == None {
		if movingColor != White {
			return Result{}, ErrWrongTurn
		}
		snap.ActiveColor = Black
		snap.LastMoveAtMs = nowMs
		snap.FirstMoveDeadlineMs = 0
		snap.MoveCount = 1
		return Result{Snapshot: snap}, nil
	}

	// 2. Turn check.
	if snap.ActiveColor != movingColor {
		return Result{}, ErrWrongTurn
	}

	// 3. Deduct elapsed.
	elapsed := nowMs - snap.LastMoveAtMs
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := deduct(snap, movingColor, elapsed)

	// 4. Lag compensation.
	comp := lagCompensation(clientTimestampMs, nowMs)
	remaining = credit(snap, movingColor, remaining, comp)

	// 5. Increment.
	remaining += snap.IncrementMs

	snap = setRemaining(snap, movingColor, remaining)

	// 6. Flag-fall.
	if snap.WhiteMs <= 0 || snap.BlackMs <= 0 {
		flagged := White
		if snap.BlackMs <= 0 {
			flagged = Black
		}
		if snap.WhiteMs <= 0 && snap.BlackMs <= 0 {
			// Both can only reach here if the mover's own clock fell
			// through the deduction step; attribute the flag to mover.
			flagged = movingColor
		}
		snap.WhiteMs = floor0(snap.WhiteMs)
		snap.BlackMs = floor0(snap.BlackMs)
		return Result{Snapshot: snap, Timeout: true, Winner: flagged.Opposite()}, nil
	}

	// 7. Swap.
	snap.ActiveColor = movingColor.Opposite()
	snap.LastMoveAtMs = nowMs
	snap.MoveCount++

	return Result{Snapshot: snap}, nil
}

// Projection is the read-only view used for broadcasts and timeout
// scanning: remaining time for both sides as of now, without mutating
// turn state.
type Projection struct {
	WhiteMs  int64
	BlackMs  int64
	TimedOut bool
	Flagged  Color
}

// Project returns remaining time for both sides as of nowMs, subtracting
// elapsed time from whichever side is active (floored at 0). It never
// mutates the snapshot.
func Project(snap Snapshot, nowMs int64) Projection {
	p := Projection{WhiteMs: snap.WhiteMs, BlackMs: snap.BlackMs}
	if snap.ActiveColor == None {
		return p
	}
	elapsed := nowMs - snap.LastMoveAtMs
	if elapsed < 0 {
		elapsed = 0
	}
	switch snap.ActiveColor {
	case White:
		p.WhiteMs = floor0(snap.WhiteMs - elapsed)
	case Black:
		p.BlackMs = floor0(snap.BlackMs - elapsed)
	}
	if p.WhiteMs <= 0 {
		p.TimedOut = true
		p.Flagged = White
	} else if p.BlackMs <= 0 {
		p.TimedOut = true
		p.Flagged = Black
	}
	return p
}

// NowMs is a convenience for callers that want the same epoch-millis
// convention as Snapshot fields.
func NowMs(t time.Time) int64 { return t.UnixMilli() }

func deduct(snap Snapshot, color Color, elapsed int64) int64 {
	if color == White {
		return snap.WhiteMs - elapsed
	}
	return snap.BlackMs - elapsed
}

func setRemaining(snap Snapshot, color Color, v int64) Snapshot {
	if color == White {
		snap.WhiteMs = v
	} else {
		snap.BlackMs = v
	}
	return snap
}

// lagCompensation returns the milliseconds to credit back to the mover.
// A missing, non-positive, or future client timestamp yields zero
// compensation — misuse never produces negative compensation.
func lagCompensation(clientTimestampMs, nowMs int64) int64 {
	if clientTimestampMs <= 0 || clientTimestampMs > nowMs {
		return 0
	}
	delay := nowMs - clientTimestampMs
	if delay > LagCompensationCapMs {
		return LagCompensationCapMs
	}
	return delay
}

func credit(_ Snapshot, _ Color, remaining, comp int64) int64 {
	return remaining + comp
}

func floor0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// New returns a freshly primed snapshot for a game about to start: both
// clocks at baseMs, no active color yet, first-move deadline armed.
func New(baseMs, incrementMs int64, nowMs int64, firstMoveTimeoutMs int64) Snapshot {
	return Snapshot{
		WhiteMs:             baseMs,
		BlackMs:             baseMs,
		ActiveColor:         None,
		LastMoveAtMs:        nowMs,
		FirstMoveDeadlineMs: nowMs + firstMoveTimeoutMs,
		MoveCount:           0,
		BaseMs:              baseMs,
		IncrementMs:         incrementMs,
	}
}
