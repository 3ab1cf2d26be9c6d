package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// NewSpawnToken generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// used to key an agent before its OS pid is known (spec §3, Agent: "keyed
// by its OS pid after spawn, by an internal token before").
func NewSpawnToken() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
