package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/skip2/go-qrcode"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/victornm/slangquiz/internal/domain"
	"github.com/victornm/slangquiz/internal/errors"
	"github.com/victornm/slangquiz/internal/event"
	"github.com/victornm/slangquiz/internal/hub"
	"github.com/victornm/slangquiz/internal/leaderboard"
	"github.com/victornm/slangquiz/internal/ws"
)

const (
	defaultQRSize = 320
	minQRSize     = 128
	maxQRSize     = 1024
)

type Config struct {
	GRPC     *grpc.Server
	Router   gin.IRouter
	EventBus *event.Bus
	Hub      *hub.Hub

	// Leaderboard is optional. Without it the leaderboard route answers 503.
	Leaderboard *leaderboard.Service

	// Redis is optional. Without it game events are not published.
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	hub *hub.Hub
	ls  *leaderboard.Service

	redis  Redis
	prefix string

	health   *health.Server
	upgrader websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		hub:    c.Hub,
		ls:     c.Leaderboard,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
		health: health.NewServer(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Players connect from native clients and arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	// gRPC APIs
	if c.GRPC != nil {
		healthpb.RegisterHealthServer(c.GRPC, a.health)
		reflection.Register(c.GRPC)
	}

	// HTTP APIs
	r := c.Router
	r.GET("/healthz", a.Healthz)
	r.GET("/ws/:game_id/:player_name", a.ServeWS)
	r.GET("/games/:game_id", a.GetGame)
	r.GET("/games/:game_id/leaderboard", a.GetLeaderboard)
	r.GET("/games/:game_id/qr", a.GetInviteQR)

	// Register event handlers
	if a.redis != nil && c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
			return a.PublishGameFinished(ctx, e.(domain.EventGameFinished))
		})

		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return a
}

// SetServing flips the gRPC health status reported for the whole server.
func (a *API) SetServing(serving bool) {
	if serving {
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}

	a.health.Shutdown()
}

func (a *API) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ServeWS upgrades the request and runs the player's connection until it ends.
func (a *API) ServeWS(c *gin.Context) {
	gameID, name := hub.NormalizeAddress(c.Param("game_id"), c.Param("player_name"))
	if gameID == "" || name == "" {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game id and player name are required")))
		return
	}

	wc, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		slog.DebugContext(c, "api: websocket upgrade failed", "error", err)
		return
	}

	conn, err := ws.New(wc)
	if err != nil {
		slog.ErrorContext(c, "api: create connection failed", "error", err)
		_ = wc.Close()
		return
	}

	ctx := c.Request.Context()
	if err := a.hub.Connect(ctx, conn, gameID, name); err != nil {
		e := errors.Convert(err)
		slog.WarnContext(ctx, "api: connect failed", "game", gameID, "player", name, "error", e)
		_ = wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, e.Message))
		_ = wc.Close()
		return
	}
	defer a.hub.Disconnect(context.WithoutCancel(ctx), conn.ID())

	conn.Serve(ctx, func(ctx context.Context, data []byte) {
		a.hub.Handle(ctx, conn.ID(), data)
	})
}

type (
	Game struct {
		GameID  string   `json:"game_id"`
		Host    string   `json:"host"`
		State   string   `json:"state"`
		Round   int      `json:"round"`
		Players []Player `json:"players"`
	}

	Player struct {
		Name  string `json:"name"`
		Ready bool   `json:"ready"`
		Score int    `json:"score"`
	}
)

func (a *API) GetGame(c *gin.Context) {
	s, ok := a.hub.Session(c.Param("game_id"))
	if !ok {
		writeError(c, errors.New(errors.CodeNotFound, errors.WithMessagef("game not found: game=%s", c.Param("game_id"))))
		return
	}

	ss := s.Snapshot()
	resp := Game{
		GameID:  ss.GameID,
		Host:    ss.Host,
		State:   string(ss.State),
		Round:   ss.Round,
		Players: make([]Player, 0, len(ss.Players)),
	}

	for _, p := range ss.Players {
		resp.Players = append(resp.Players, Player{Name: p.Name, Ready: p.Ready, Score: p.Score})
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	if a.ls == nil {
		writeError(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("leaderboard is disabled")))
		return
	}

	gameID, _ := hub.NormalizeAddress(c.Param("game_id"), "")
	l, err := a.ls.GetLeaderboard(c, leaderboard.GetLeaderboardRequest{GameID: gameID})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(*l))
}

// GetInviteQR renders a PNG QR code of the address players join the game with.
// The player's name is appended by the client.
func (a *API) GetInviteQR(c *gin.Context) {
	gameID, _ := hub.NormalizeAddress(c.Param("game_id"), "")
	if gameID == "" {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game id is required")))
		return
	}

	size := defaultQRSize
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minQRSize || n > maxQRSize {
			writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("size must be between %d and %d", minQRSize, maxQRSize)))
			return
		}
		size = n
	}

	png, err := qrcode.Encode(inviteURL(c.Request, gameID), qrcode.Medium, size)
	if err != nil {
		writeError(c, errors.Internal(err))
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

func inviteURL(r *http.Request, gameID string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
		scheme = "wss"
	}

	return scheme + "://" + r.Host + "/ws/" + gameID + "/"
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c, "api: request failed", "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
