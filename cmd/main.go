package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/victornm/slangquiz/internal/config"
	"github.com/victornm/slangquiz/internal/server"
	"github.com/victornm/slangquiz/internal/telemetry"
)

const (
	releaseVersion = "0.1.0"
	envPrefix      = "SLANGQUIZ"
)

func main() {
	cobra.CheckErr(newCmd().ExecuteContext(context.Background()))
}

func newCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "slangquiz",
		Short:         "Real-time multiplayer slang trivia server.",
		Args:          cobra.NoArgs,
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.Flags())
		},
	}

	d := server.DefaultConfig()
	fs := cmd.Flags()
	fs.StringP("config", "c", os.Getenv("CONFIG_PATH"), "path to the config file (env: CONFIG_PATH)")
	fs.Int32("http.port", d.HTTP.Port, "HTTP and WebSocket port (env: SLANGQUIZ_HTTP_PORT)")
	fs.Int32("grpc.port", d.GRPC.Port, "gRPC health port (env: SLANGQUIZ_GRPC_PORT)")
	fs.String("log.level", d.Log.Level, "log level: debug, info, warn or error (env: SLANGQUIZ_LOG_LEVEL)")
	fs.Duration("session.idletimeout", d.Session.IdleTimeout, "time before games without players are evicted (env: SLANGQUIZ_SESSION_IDLETIMEOUT)")
	fs.String("bank.file", d.Bank.File, "JSON question bank; the built-in bank is used when empty (env: SLANGQUIZ_BANK_FILE)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	return cmd
}

func run(ctx context.Context, fs *pflag.FlagSet) error {
	c, err := loadConfig(fs)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(os.Stdout, c.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	s, err := server.Init(ctx, c)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	s.Shutdown()
	return err
}

func loadConfig(fs *pflag.FlagSet) (server.Config, error) {
	c := server.DefaultConfig()

	p, err := fs.GetString("config")
	if err != nil {
		return c, err
	}

	if err := config.Load(p, &c, config.WithEnvPrefix(envPrefix), config.WithFlags(fs)); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
