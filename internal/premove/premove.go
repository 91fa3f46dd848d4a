// Package premove is the authoritative in-process Premove Queue: a
// per-game, per-color single-slot holding at most one speculative move.
// The Game Store holds a durable shadow for rehydration; this package
// is the fast path consulted on every turn-flip.
package premove

import (
	"errors"
	"strings"
	"sync"

	"github.com/park285/chess-arena/internal/clock"
	"github.com/park285/chess-arena/internal/gamestore"
)

// ErrInvalidPremove is returned by Set when the shape of the move is
// malformed. Deeper legality is deliberately not checked here — it is
// decided only at execution time, against the position at that instant.
var ErrInvalidPremove = errors.New("premove: invalid premove")

var promotions = map[string]bool{"q": true, "r": true, "b": true, "n": true}

// Validate checks the shape-level constraints a premove must satisfy at
// set-time: distinct squares, both present, and a legal promotion tag if
// any. It does not touch the board.
func Validate(p gamestore.Premove) error {
	from := strings.ToLower(strings.TrimSpace(p.From))
	to := strings.ToLower(strings.TrimSpace(p.To))
	if from == "" || to == "" || from == to {
		return ErrInvalidPremove
	}
	if !isSquare(from) || !isSquare(to) {
		return ErrInvalidPremove
	}
	if p.Promotion != "" && !promotions[strings.ToLower(p.Promotion)] {
		return ErrInvalidPremove
	}
	return nil
}

func isSquare(s string) bool {
	if len(s) != 2 {
		return false
	}
	file, rank := s[0], s[1]
	return file >= 'a' && file <= 'h' && rank >= '1' && rank <= '8'
}

type slotKey struct {
	gameID string
	color  clock.Color
}

// Queue is the process-wide premove table, guarded by a single mutex.
// Games are short-lived relative to process uptime and contention is
// per-key in practice (distinct games rarely collide), so a single
// sync.RWMutex is sufficient — the same tradeoff the source's in-process
// challenge map makes.
type Queue struct {
	mu    sync.RWMutex
	slots map[slotKey]gamestore.Premove
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{slots: make(map[slotKey]gamestore.Premove)}
}

// Set stores (overwriting) the premove for gameID/color after shape
// validation.
func (q *Queue) Set(gameID string, color clock.Color, p gamestore.Premove) error {
	if err := Validate(p); err != nil {
		return err
	}
	q.mu.Lock()
	q.slots[slotKey{gameID, color}] = p
	q.mu.Unlock()
	return nil
}

// Get returns the queued premove for gameID/color, if any.
func (q *Queue) Get(gameID string, color clock.Color) (gamestore.Premove, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.slots[slotKey{gameID, color}]
	return p, ok
}

// Clear removes the queued premove for gameID/color, if any. reason is
// accepted for symmetry with the durable/event-emission call sites but
// does not affect queue state.
func (q *Queue) Clear(gameID string, color clock.Color, _ string) {
	q.mu.Lock()
	delete(q.slots, slotKey{gameID, color})
	q.mu.Unlock()
}

// ClearAll removes both colors' slots for gameID. Idempotent.
func (q *Queue) ClearAll(gameID string, reason string) {
	q.Clear(gameID, clock.White, reason)
	q.Clear(gameID, clock.Black, reason)
}

// Rehydrate seeds the in-process queue for gameID from the durable
// shadow carried on the Game Store record. Called by the coordinator on
// join_game when the in-process copy is empty but the durable copy is
// not — the node first handling a game after a restart, or a different
// node than the one that last wrote it.
func (q *Queue) Rehydrate(gameID string, fromDurable map[clock.Color]*gamestore.Premove) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for color, p := range fromDurable {
		if p == nil {
			continue
		}
		q.slots[slotKey{gameID, color}] = *p
	}
}

// IsEmpty reports whether gameID has no queued premoves in process
// memory, used to decide whether Rehydrate is needed.
func (q *Queue) IsEmpty(gameID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, white := q.slots[slotKey{gameID, clock.White}]
	_, black := q.slots[slotKey{gameID, clock.Black}]
	return !white && !black
}
