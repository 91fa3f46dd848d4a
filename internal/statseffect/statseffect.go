// Package statseffect is the stats side effect hook: an idempotent,
// best-effort notification fired exactly once per completed, non-aborted
// game. Failures are logged and swallowed, never propagated back onto
// the termination path that triggered them.
package statseffect

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/gamestore"
)

// Applier satisfies coordinator.StatsApplier and timeoutwatcher's stats
// collaborator.
type Applier interface {
	Apply(ctx context.Context, g *gamestore.Game)
}

// Logging is the zero-configuration default: it records the outcome and
// does nothing else. Used when no external stats endpoint is configured.
type Logging struct {
	logger *zap.Logger
}

func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger}
}

func (l *Logging) Apply(ctx context.Context, g *gamestore.Game) {
	l.logger.Info("stats_applied",
		zap.String("game_id", g.ID),
		zap.String("result", string(g.Result)),
		zap.String("result_reason", string(g.ResultReason)),
		zap.String("white", g.WhitePlayerID),
		zap.String("black", g.BlackPlayerID),
	)
}

// HTTP posts the completed game to an external stats endpoint.
type HTTP struct {
	url    string
	http   *fasthttp.Client
	logger *zap.Logger
}

func NewHTTP(endpoint string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		url:    strings.TrimSpace(endpoint),
		http:   &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second},
		logger: logger,
	}
}

type statsPayload struct {
	GameID        string `json:"gameId"`
	WhitePlayerID string `json:"whitePlayerId"`
	BlackPlayerID string `json:"blackPlayerId"`
	Result        string `json:"result"`
	ResultReason  string `json:"resultReason"`
	MoveCount     int    `json:"moveCount"`
}

func (h *HTTP) Apply(ctx context.Context, g *gamestore.Game) {
	body, err := json.Marshal(statsPayload{
		GameID: g.ID, WhitePlayerID: g.WhitePlayerID, BlackPlayerID: g.BlackPlayerID,
		Result: string(g.Result), ResultReason: string(g.ResultReason), MoveCount: g.Clock.MoveCount,
	})
	if err != nil {
		h.logger.Error("stats_marshal_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(h.url)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := h.http.DoDeadline(req, resp, deadline); err != nil {
		h.logger.Error("stats_post_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		h.logger.Error("stats_post_rejected", zap.String("game_id", g.ID), zap.Int("status", resp.StatusCode()))
	}
}
