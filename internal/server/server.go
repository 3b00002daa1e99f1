package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/slangquiz/internal/api"
	"github.com/victornm/slangquiz/internal/bank"
	"github.com/victornm/slangquiz/internal/directory"
	"github.com/victornm/slangquiz/internal/event"
	"github.com/victornm/slangquiz/internal/hub"
	"github.com/victornm/slangquiz/internal/leaderboard"
	"github.com/victornm/slangquiz/internal/messaging"
	"github.com/victornm/slangquiz/internal/registry"
	"github.com/victornm/slangquiz/internal/telemetry"
)

const connectTimeout = 10 * time.Second

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Level string
	}

	Session struct {
		IdleTimeout time.Duration
	}

	// Bank is read from File if set, else from Postgres if an address is set,
	// else the built-in bank is used.
	Bank struct {
		File string

		Postgres struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	// Redis clients are optional: an empty address list disables the feature.
	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
			TTL    time.Duration
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	// RabbitMQ is optional: an empty URL disables game event publishing.
	RabbitMQ struct {
		URL   string
		Queue string
	}
}

// DefaultConfig returns the configuration used for keys that are not set anywhere else.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8765
	c.GRPC.Port = 9090
	c.Log.Level = "info"
	c.Session.IdleTimeout = 30 * time.Minute
	c.Redis.Leaderboard.Prefix = "slangquiz"
	c.Redis.Leaderboard.TTL = 2 * time.Hour
	c.Redis.Pubsub.Prefix = "slangquiz"
	c.RabbitMQ.Queue = "slangquiz.games"
	return c
}

type Server struct {
	c Config

	eb   *event.Bus
	bank *bank.Bank

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		rabbitmq *messaging.Publisher
	}

	service struct {
		leaderboard *leaderboard.Service
		directory   *directory.Directory
		registry    *registry.Registry
		hub         *hub.Hub
	}

	api *api.API

	// ctx is the base context of every HTTP request. Cancelling it closes
	// the WebSocket connections, which Shutdown on its own would not.
	ctx    context.Context
	cancel context.CancelFunc

	http *http.Server
	grpc *grpc.Server
}

func Init(ctx context.Context, c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.eb = event.NewBus()

	if err := s.initBank(ctx); err != nil {
		return nil, fmt.Errorf("server: init bank: %w", err)
	}

	if err := s.initInfra(ctx); err != nil {
		s.closeInfra()
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initBank(ctx context.Context) (err error) {
	switch {
	case s.c.Bank.File != "":
		s.bank, err = bank.LoadFile(s.c.Bank.File)

	case s.c.Bank.Postgres.Addr != "":
		pg := s.c.Bank.Postgres
		var db *pgxpool.Pool
		db, err = connectPostgres(ctx, pg.Addr, pg.User, pg.Pass, pg.Name)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()

		s.bank, err = bank.LoadPostgres(ctx, db)

	default:
		s.bank = bank.Default()
	}

	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "server: bank loaded", "items", s.bank.Len())
	return nil
}

func connectPostgres(ctx context.Context, addr, user, pass, name string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (s *Server) initInfra(ctx context.Context) error {
	if err := s.initRedis(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initRabbitMQ(); err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}

	return nil
}

func (s *Server) initRedis(ctx context.Context) error {
	connect := func(client string, addrs []string, pass string) (redis.UniversalClient, error) {
		if len(addrs) == 0 {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r, client); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initRabbitMQ() (err error) {
	if s.c.RabbitMQ.URL == "" {
		return nil
	}

	s.infra.rabbitmq, err = messaging.Dial(messaging.Config{
		URL:      s.c.RabbitMQ.URL,
		Queue:    s.c.RabbitMQ.Queue,
		EventBus: s.eb,
	})

	return err
}

func (s *Server) initService() {
	if s.infra.redis.leaderboard != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis.leaderboard,
			Prefix:   s.c.Redis.Leaderboard.Prefix,
			TTL:      s.c.Redis.Leaderboard.TTL,
		})
	}

	s.service.directory = directory.New(directory.Config{
		Bank:        s.bank,
		EventBus:    s.eb,
		IdleTimeout: s.c.Session.IdleTimeout,
	})

	s.service.registry = registry.New()

	s.service.hub = hub.New(hub.Config{
		Directory: s.service.directory,
		Registry:  s.service.registry,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)

	c := api.Config{
		GRPC:         s.grpc,
		Router:       e,
		EventBus:     s.eb,
		Hub:          s.service.hub,
		Leaderboard:  s.service.leaderboard,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	}
	if s.infra.redis.pubsub != nil {
		c.Redis = s.infra.redis.pubsub
	}
	s.api = api.New(c)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
}

// Start serves gRPC and HTTP and runs the idle game reaper until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("grpc server: listen: %w", err)
	}

	s.api.SetServing(true)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return s.service.directory.Run(s.ctx)
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
		return err
	}

	return nil
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.api.SetServing(false)
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.cancel()
	s.service.directory.Close()
	s.eb.Stop()
	s.closeInfra()

	slog.InfoContext(ctx, "server: shutdown completed")
}

func (s *Server) closeInfra() {
	var errs []error

	if r := s.infra.redis.leaderboard; r != nil {
		errs = append(errs, r.Close())
	}

	if r := s.infra.redis.pubsub; r != nil {
		errs = append(errs, r.Close())
	}

	if p := s.infra.rabbitmq; p != nil {
		errs = append(errs, p.Close())
	}

	if err := stderrors.Join(errs...); err != nil {
		slog.Error("server: close infra failed", "error", err)
	}
}
