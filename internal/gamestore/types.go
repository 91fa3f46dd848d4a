// Package gamestore is the Game Store component: the durable record per
// game (position history, clock snapshot, premove shadow, disconnect
// markers, result), split into a Redis-backed hot tier (Store) used on
// the move pipeline and a Postgres-backed durable tier (Repository) used
// for history and reporting once a game completes.
package gamestore

import (
	"time"

	"github.com/park285/chess-arena/internal/clock"
)

// Status is the coarse lifecycle state of a game.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Result is the closed set of terminal outcomes.
type Result string

const (
	ResultUnset   Result = ""
	ResultWhite   Result = "white"
	ResultBlack   Result = "black"
	ResultDraw    Result = "draw"
	ResultAborted Result = "aborted"
)

// ResultReason tags why a game ended.
type ResultReason string

const (
	ReasonUnset                     ResultReason = ""
	ReasonCheckmate                 ResultReason = "checkmate"
	ReasonStalemate                 ResultReason = "stalemate"
	ReasonDraw                      ResultReason = "draw"
	ReasonTimeout                   ResultReason = "timeout"
	ReasonResignation               ResultReason = "resignation"
	ReasonDisconnectTimeout         ResultReason = "disconnect_timeout"
	ReasonDrawAgreed                ResultReason = "draw_agreed"
	ReasonCancelledFirstMoveTimeout ResultReason = "cancelled_due_to_first_move_timeout"
)

// DrawParty names which color holds a pending draw offer, or none.
type DrawParty string

const (
	DrawPartyNone  DrawParty = ""
	DrawPartyWhite DrawParty = "white"
	DrawPartyBlack DrawParty = "black"
)

// MaxDrawOffers is the per-player cap on draw offers in a single game.
const MaxDrawOffers = 2

// Premove is one queued, speculative move. Legality is decided only at
// execution time, against the position at that instant.
type Premove struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Promotion    string `json:"promotion,omitempty"`
	SetAtMs      int64  `json:"setAtMs"`
	SourceMoveNo int    `json:"sourceMoveNo"`
	TraceID      string `json:"traceId,omitempty"`
}

// TimeControl is the human-facing label paired with the clock.Snapshot's
// numeric base/increment.
type TimeControl struct {
	BaseMinutes      int    `json:"baseMinutes"`
	IncrementSeconds int    `json:"incrementSeconds"`
	Label            string `json:"label"`
}

// Game is the sole persisted entity the core touches.
type Game struct {
	ID            string `json:"id"`
	WhitePlayerID string `json:"whitePlayerId"`
	BlackPlayerID string `json:"blackPlayerId"`

	// History is the move list in UCI notation; HistorySAN mirrors it in
	// algebraic notation, appended alongside on every committed move.
	History    []string `json:"history"`
	HistorySAN []string `json:"historySAN"`

	Status       Status       `json:"status"`
	Result       Result       `json:"result"`
	ResultReason ResultReason `json:"resultReason"`

	Clock       clock.Snapshot `json:"clock"`
	TimeControl TimeControl    `json:"timeControl"`

	// QueuedPremoves mirrors the Premove Queue's in-process state for
	// durability and rehydration; the in-process copy is authoritative
	// on the hot path.
	QueuedPremoves map[clock.Color]*Premove `json:"queuedPremoves,omitempty"`

	DisconnectedPlayerID string `json:"disconnectedPlayerId,omitempty"`
	DisconnectDeadlineMs int64  `json:"disconnectDeadlineMs,omitempty"`

	StatsApplied bool `json:"statsApplied"`

	PendingDrawOfferFrom DrawParty `json:"pendingDrawOfferFrom,omitempty"`
	WhiteDrawOffers      int       `json:"whiteDrawOffers"`
	BlackDrawOffers      int       `json:"blackDrawOffers"`

	RematchOfferFrom DrawParty `json:"rematchOfferFrom,omitempty"`
	RematchDeclined  bool      `json:"rematchDeclined"`
	NextGameID       string    `json:"nextGameId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlayerColor reports which color userID plays, or "" if not a player.
func (g *Game) PlayerColor(userID string) clock.Color {
	switch userID {
	case g.WhitePlayerID:
		return clock.White
	case g.BlackPlayerID:
		return clock.Black
	default:
		return ""
	}
}

// Opponent returns the player ID of the color opposite userID, or "" if
// userID is not a player.
func (g *Game) Opponent(userID string) string {
	switch userID {
	case g.WhitePlayerID:
		return g.BlackPlayerID
	case g.BlackPlayerID:
		return g.WhitePlayerID
	default:
		return ""
	}
}

// PlayerIDFor returns the player ID for a given color.
func (g *Game) PlayerIDFor(c clock.Color) string {
	if c == clock.White {
		return g.WhitePlayerID
	}
	return g.BlackPlayerID
}

// ResultFor maps a winning color to the Result tag.
func ResultFor(c clock.Color) Result {
	if c == clock.White {
		return ResultWhite
	}
	return ResultBlack
}

// DrawPartyFor maps a color to its DrawParty tag.
func DrawPartyFor(c clock.Color) DrawParty {
	if c == clock.White {
		return DrawPartyWhite
	}
	return DrawPartyBlack
}
