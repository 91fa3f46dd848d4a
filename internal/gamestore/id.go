package gamestore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewGameID returns an opaque, time-ordered, collision-resistant game
// identifier. The timestamp prefix keeps ids roughly sortable; the
// random suffix defends against same-nanosecond collisions under load.
func NewGameID() string {
	return fmt.Sprintf("game-%d-%s", time.Now().UnixNano(), secureRandSuffix(4))
}

// NewTraceID returns an opaque id suitable for the optional traceId
// field carried on move/premove events.
func NewTraceID() string {
	return uuid.NewString()
}

func secureRandSuffix(n int) string {
	if n <= 0 {
		n = 4
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err == nil {
		return hex.EncodeToString(b)
	}
	return fmt.Sprintf("%x", time.Now().UnixNano()%1_000_000)
}
