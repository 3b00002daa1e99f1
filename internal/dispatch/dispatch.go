package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/victornm/slangquiz/internal/telemetry"
)

// Conn is the sending half of a player connection.
//
// Send must not block: it enqueues one text frame and returns an error if the
// connection can no longer accept messages.
type Conn interface {
	ID() string
	Send(msg []byte) error
}

// Broadcast marshals msg once and sends it to every connection whose id is not
// in exclude. Delivery is best effort: a failed send is logged and counted but
// never stops the fan-out. It returns the number of successful sends.
func Broadcast(ctx context.Context, msg any, conns []Conn, exclude ...string) int {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "dispatch: marshal message failed", "error", err)
		return 0
	}

	sent := 0
	for _, c := range conns {
		if c == nil || slices.Contains(exclude, c.ID()) {
			continue
		}

		if err := c.Send(b); err != nil {
			telemetry.BroadcastFailures.Inc()
			slog.DebugContext(ctx, "dispatch: send failed", "conn", c.ID(), "error", err)
			continue
		}
		sent++
	}

	return sent
}

// Send delivers msg to a single connection.
func Send(ctx context.Context, msg any, c Conn) bool {
	return Broadcast(ctx, msg, []Conn{c}) == 1
}
