// Package matchhandler exposes the thin HTTP surface a matchmaker or
// private-room joiner uses to create a game: everything else a client
// does happens over the session fabric's WebSocket connection.
package matchhandler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/gamestore"
	"github.com/park285/chess-arena/internal/timecontrol"
)

// Handler serves game creation for external collaborators. Joining,
// moving, and every other game action is a WebSocket concern handled
// by the session fabric, never HTTP.
type Handler struct {
	store     *gamestore.Store
	catalog   *timecontrol.Catalog
	logger    *zap.Logger
	firstMvMs int64
}

func New(store *gamestore.Store, catalog *timecontrol.Catalog, firstMoveTimeoutMs int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, catalog: catalog, logger: logger, firstMvMs: firstMoveTimeoutMs}
}

type createGameRequest struct {
	WhitePlayerID string `json:"whitePlayerId"`
	BlackPlayerID string `json:"blackPlayerId"`
	TimeControl   string `json:"timeControl"`
}

type createGameResponse struct {
	GameID string `json:"gameId"`
}

// CreateGame handles POST /games: a matchmaker pairs two users and
// hands chessd their IDs plus a time-control preset name; chessd deals
// the clock and opens the game for the Session Fabric to join into.
func (h *Handler) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.WhitePlayerID = strings.TrimSpace(req.WhitePlayerID)
	req.BlackPlayerID = strings.TrimSpace(req.BlackPlayerID)
	if req.WhitePlayerID == "" || req.BlackPlayerID == "" || req.WhitePlayerID == req.BlackPlayerID {
		writeError(w, http.StatusBadRequest, "whitePlayerId and blackPlayerId must be distinct and non-empty")
		return
	}

	preset, err := h.catalog.Lookup(req.TimeControl)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown timeControl preset")
		return
	}

	createdAt := time.Now()
	g := &gamestore.Game{
		ID:            uuid.NewString(),
		WhitePlayerID: req.WhitePlayerID,
		BlackPlayerID: req.BlackPlayerID,
		Status:        gamestore.StatusOngoing,
		Clock:         clock.New(preset.BaseMs, preset.IncrementMs, clock.NowMs(createdAt), h.firstMvMs),
		TimeControl: gamestore.TimeControl{
			BaseMinutes:      int(preset.BaseMs / 60_000),
			IncrementSeconds: int(preset.IncrementMs / 1_000),
			Label:            strings.ToLower(strings.TrimSpace(req.TimeControl)),
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	if err := h.store.Create(r.Context(), g); err != nil {
		h.logger.Error("create_game_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create game")
		return
	}

	writeJSON(w, http.StatusCreated, createGameResponse{GameID: g.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
