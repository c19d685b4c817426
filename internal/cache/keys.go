package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey names the request counter of an API key for the window
// starting at windowStart.
func RateLimitKey(keyName string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyName, windowStart.Unix())
}

func HeartbeatKey(nodeID string) string {
	return fmt.Sprintf("heartbeat:%s", nodeID)
}
