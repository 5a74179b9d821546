package control

import (
	"context"
	"time"
)

// Pinger is the part of a connection the liveness check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckLiveness pings conn and reports whether a pong arrived within timeout.
// Transport errors and panics count as unreachable.
func CheckLiveness(ctx context.Context, conn Pinger, timeout time.Duration) (reachable bool) {
	if conn == nil {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}
	defer func() {
		if recover() != nil {
			reachable = false
		}
	}()

	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return conn.Ping(pingCtx) == nil
}
