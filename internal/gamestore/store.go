package gamestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Load when no game exists for the given id.
var ErrNotFound = errors.New("gamestore: game not found")

// ErrPredicateFailed names the outcome of a conditional write whose
// predicate does not hold — the expected, non-exceptional outcome of
// losing a race to another terminator. ConditionalUpdate does not return
// it: it reports that case as applied=false with a nil error.
var ErrPredicateFailed = errors.New("gamestore: predicate failed")

// ongoingKey is a Redis set holding the ids of every game currently in
// StatusOngoing. It is best-effort and reconciled on every write path
// (Create, ConditionalUpdate); the Timeout Watcher uses it to avoid
// scanning the entire keyspace every tick.
const ongoingKey = "games:ongoing"

// Store is the Redis-backed hot tier: the single source of truth on the
// move pipeline, read and written under optimistic concurrency control.
type Store struct {
	rdb *redis.Client
}

// NewStore dials Redis from a redis:// URL and pings it.
func NewStore(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("gamestore: REDIS_URL required")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("gamestore: redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Client exposes the underlying Redis client for collaborators that need
// it for their own purposes (the Session Fabric's Pub/Sub fanout), so the
// process shares one connection pool instead of opening a second.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Create writes a brand-new game, failing if one with the same id exists.
func (s *Store) Create(ctx context.Context, g *Game) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, gameKey(g.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("gamestore: game %q already exists", g.ID)
	}
	if g.Status == StatusOngoing {
		if err := s.rdb.SAdd(ctx, ongoingKey, g.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

// ListOngoing returns the ids of all games believed to be ongoing. Used
// only by the Timeout Watcher's scan; membership is best-effort and
// reconciled by ConditionalUpdate/FieldPatch on every status change.
func (s *Store) ListOngoing(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, ongoingKey).Result()
}

// Load fetches a game by id.
func (s *Store) Load(ctx context.Context, id string) (*Game, error) {
	raw, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("gamestore: corrupt record for %q: %w", id, err)
	}
	return &g, nil
}

// Predicate inspects the currently-stored game and reports whether the
// caller's intended transition still applies.
type Predicate func(*Game) bool

// Patch mutates g in place to express the intended transition. It is
// only ever called after Predicate has already approved the document.
type Patch func(*Game)

// ConditionalUpdate is the exactly-once termination latch: patch is
// applied, and the result written back, only if predicate holds against
// the document as currently stored. It reports whether a write occurred.
//
// This is the WATCH/MULTI/EXEC optimistic-concurrency shape: any
// concurrent writer that commits between our GET and our EXEC causes
// redis to fail the transaction, which this method reports as an
// ErrPredicateFailed-free "no" rather than surfacing the retry detail
// to the caller — the caller has already lost the race to someone else's
// valid transition, which is precisely what the latch is for.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, predicate Predicate, patch Patch) (bool, *Game, error) {
	key := gameKey(id)
	var applied bool
	var result *Game

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		applied = false
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var g Game
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("gamestore: corrupt record for %q: %w", id, err)
		}
		if predicate != nil && !predicate(&g) {
			result = &g
			return nil
		}
		if patch != nil {
			patch(&g)
		}
		out, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if g.Status == StatusOngoing {
				pipe.SAdd(ctx, ongoingKey, id)
			} else {
				pipe.SRem(ctx, ongoingKey, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		result = &g
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer committed between our read and our EXEC — the
		// expected way to lose a race for the termination latch, not a
		// store failure. Caller sees "no document was modified".
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return applied, result, nil
}

// FieldPatch is the hot-path narrow update: it always applies patch
// (no predicate), used when the caller has already established — inside
// the coordinator's per-game lock — that the write is safe. It still
// uses WATCH/EXEC so a FieldPatch never clobbers a concurrent
// ConditionalUpdate mid-flight; on that rare race it retries once.
func (s *Store) FieldPatch(ctx context.Context, id string, patch Patch) error {
	for attempt := 0; attempt < 2; attempt++ {
		applied, _, err := s.ConditionalUpdate(ctx, id, nil, patch)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("gamestore: FieldPatch on %q did not converge", id)
}

func gameKey(id string) string { return "game:" + strings.TrimSpace(id) }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("gamestore: unsupported redis scheme %q", u.Scheme)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "6379"
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: host + ":" + port, Password: pass, DB: db}, nil
}
