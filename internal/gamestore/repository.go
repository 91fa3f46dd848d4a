package gamestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository is the Postgres-backed durable tier: history and result
// reporting once a game completes. It never participates in the hot
// move path.
type Repository struct {
	db *sql.DB
}

// NewRepository opens and pings a Postgres connection pool.
func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("gamestore: DATABASE_URL required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a completed game's history, result, and a
// reconstructed PGN into durable storage. It is invoked exactly once
// per game, by whichever path (Game Coordinator or Timeout Watcher) wins
// the termination latch.
func (r *Repository) SaveResult(ctx context.Context, g *Game, movesSAN []string) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}

	pgnResult := mapResultToPGN(g.Result)
	pgn := buildPGN(g, movesSAN, pgnResult)

	historyRaw, _ := json.Marshal(g.History)
	sanRaw, _ := json.Marshal(movesSAN)
	duration := g.UpdatedAt.Sub(g.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	const q = `INSERT INTO games (
		game_id, white_id, black_id,
		time_control_label, base_minutes, increment_seconds,
		result, result_reason, history_uci, history_san, pgn,
		started_at, ended_at, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	) ON CONFLICT (game_id) DO UPDATE SET
		result=EXCLUDED.result,
		result_reason=EXCLUDED.result_reason,
		history_uci=EXCLUDED.history_uci,
		history_san=EXCLUDED.history_san,
		pgn=EXCLUDED.pgn,
		ended_at=EXCLUDED.ended_at,
		duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		g.ID, g.WhitePlayerID, g.BlackPlayerID,
		g.TimeControl.Label, g.TimeControl.BaseMinutes, g.TimeControl.IncrementSeconds,
		string(g.Result), string(g.ResultReason), string(historyRaw), string(sanRaw), pgn,
		g.CreatedAt, g.UpdatedAt, duration,
	)
	return err
}

func mapResultToPGN(result Result) string {
	switch result {
	case ResultWhite:
		return "1-0"
	case ResultBlack:
		return "0-1"
	case ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(g *Game, movesSAN []string, pgnResult string) string {
	if g == nil {
		return ""
	}
	date := g.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	var b strings.Builder
	b.WriteString("[Event \"ChessArena\"]\n")
	b.WriteString("[Site \"chess-arena\"]\n")
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(g.WhitePlayerID))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(g.BlackPlayerID))
	if g.TimeControl.Label != "" {
		fmt.Fprintf(&b, "[TimeControl \"%s\"]\n", sanitizePGN(g.TimeControl.Label))
	}
	if g.ResultReason != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(string(g.ResultReason)))
	}
	fmt.Fprintf(&b, "[Result \"%s\"]\n\n", pgnResult)

	for i := 0; i < len(movesSAN); i += 2 {
		turn := i/2 + 1
		fmt.Fprintf(&b, "%d. %s", turn, strings.TrimSpace(movesSAN[i]))
		if i+1 < len(movesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(movesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
