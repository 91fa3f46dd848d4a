package coordinator

import "github.com/park285/chess-arena/internal/clock"

// Event names, closed per spec.md §6.
const (
	EventGameState           = "game_state"
	EventClockUpdate         = "clock_update"
	EventOpponentJoined      = "opponent_joined"
	EventOpponentReconnected = "opponent_reconnected"
	EventOpponentDisconnected = "opponent_disconnected"
	EventMoveMade            = "move_made"
	EventPremoveSet          = "premove_set"
	EventPremoveRejected     = "premove_rejected"
	EventPremoveCleared      = "premove_cleared"
	EventGameOver            = "game_over"
	EventDrawOffered         = "draw_offered"
	EventDrawRejected        = "draw_rejected"
	EventRematchOffered      = "rematch_offered"
	EventRematchAccepted     = "rematch_accepted"
	EventRematchRejected     = "rematch_rejected"
	EventError               = "error"
)

// PremoveClearReason is the closed set of reasons a premove slot empties.
type PremoveClearReason string

const (
	ClearReasonCancelled PremoveClearReason = "cancelled"
	ClearReasonRejected  PremoveClearReason = "rejected"
	ClearReasonExecuted  PremoveClearReason = "executed"
)

// MoveMadePayload accompanies every committed move, normal or premove.
type MoveMadePayload struct {
	GameID    string      `json:"gameId"`
	By        clock.Color `json:"by"`
	UCI       string      `json:"uci"`
	SAN       string      `json:"san"`
	MoveCount int         `json:"moveCount"`
	TraceID   string      `json:"traceId,omitempty"`
}

// ClockUpdatePayload mirrors the clock snapshot after a committed move.
type ClockUpdatePayload struct {
	GameID      string      `json:"gameId"`
	WhiteMs     int64       `json:"whiteMs"`
	BlackMs     int64       `json:"blackMs"`
	ActiveColor clock.Color `json:"activeColor"`
}

// GameOverPayload is emitted exactly once per game, by whichever path
// wins the termination latch.
type GameOverPayload struct {
	GameID       string `json:"gameId"`
	Result       string `json:"result"`
	ResultReason string `json:"resultReason"`
}

// PremoveSetPayload is emitted to the room when a player queues a premove.
type PremoveSetPayload struct {
	GameID string      `json:"gameId"`
	By     clock.Color `json:"by"`
	From   string      `json:"from"`
	To     string      `json:"to"`
}

// PremoveRejectedPayload is emitted to the premover only, on illegal
// execution at turn-flip.
type PremoveRejectedPayload struct {
	GameID string      `json:"gameId"`
	By     clock.Color `json:"by"`
}

// PremoveClearedPayload is emitted to the room whenever a slot empties.
type PremoveClearedPayload struct {
	GameID string              `json:"gameId"`
	By     clock.Color         `json:"by"`
	Reason PremoveClearReason  `json:"reason"`
}

// DrawOfferedPayload is emitted to the opponent and the caller's other
// sessions when a draw offer is made.
type DrawOfferedPayload struct {
	GameID string      `json:"gameId"`
	By     clock.Color `json:"by"`
}

// DrawRejectedPayload is emitted to the room when a pending offer is
// declined.
type DrawRejectedPayload struct {
	GameID string `json:"gameId"`
}

// RematchOfferedPayload / RematchAcceptedPayload / RematchRejectedPayload
// carry the post-completion rematch handshake.
type RematchOfferedPayload struct {
	GameID string      `json:"gameId"`
	By     clock.Color `json:"by"`
}

type RematchAcceptedPayload struct {
	GameID    string `json:"gameId"`
	NewGameID string `json:"newGameId"`
}

type RematchRejectedPayload struct {
	GameID string `json:"gameId"`
}

// OpponentDisconnectedPayload warns the room that the grace window has
// started.
type OpponentDisconnectedPayload struct {
	GameID              string `json:"gameId"`
	ReconnectDeadlineAt int64  `json:"reconnectDeadlineAt"`
}

// ErrorPayload is the generic per-connection error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
