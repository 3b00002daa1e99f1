package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis instruments r with OpenTelemetry and debug-level command
// logging. client names the role of the connection, e.g. "leaderboard".
func MonitorRedis(r redis.UniversalClient, client string) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{client: client})
	return nil
}

type redisLog struct {
	client string
}

func (l redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		slog.DebugContext(ctx, "redis: dial", "client", l.client, "addr", addr, "error", err)
		return conn, err
	}
}

func (l redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		slog.DebugContext(ctx, "redis: command",
			"client", l.client,
			"cmd", cmd.Name(),
			"key", commandKey(cmd),
			"duration", time.Since(start),
			"error", redisError(err),
		)
		return err
	}
}

func (l redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)

		names := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			names = append(names, cmd.Name())
		}

		slog.DebugContext(ctx, "redis: pipeline",
			"client", l.client,
			"cmds", names,
			"duration", time.Since(start),
			"error", redisError(err),
		)
		return err
	}
}

// commandKey returns the first argument after the command name. Every
// command this service sends keeps its game key there.
func commandKey(cmd redis.Cmder) string {
	args := cmd.Args()
	if len(args) < 2 {
		return ""
	}

	if s, ok := args[1].(string); ok {
		return s
	}

	return fmt.Sprint(args[1])
}

// redisError hides redis.Nil, which only means the key was missing.
func redisError(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}

	return err
}
