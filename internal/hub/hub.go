package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/victornm/slangquiz/internal/directory"
	"github.com/victornm/slangquiz/internal/dispatch"
	"github.com/victornm/slangquiz/internal/errors"
	"github.com/victornm/slangquiz/internal/game"
	"github.com/victornm/slangquiz/internal/registry"
	"github.com/victornm/slangquiz/internal/telemetry"
)

// Inbound actions.
const (
	ActionJoin         = "join"
	ActionStartGame    = "start_game"
	ActionSubmitAnswer = "submit_answer"
	ActionPlayAgain    = "play_again"
)

// Inbound is a message sent by a player. Unknown fields are ignored.
type Inbound struct {
	Action string `json:"action"`
	Answer string `json:"answer"`
}

type Config struct {
	Directory *directory.Directory
	Registry  *registry.Registry
}

// Hub routes connection lifecycle and player messages to game sessions.
type Hub struct {
	dir *directory.Directory
	reg *registry.Registry
}

func New(c Config) *Hub {
	return &Hub{
		dir: c.Directory,
		reg: c.Registry,
	}
}

// NormalizeAddress trims surrounding blanks. Game ids are otherwise matched
// exactly, so "abc123" and "ABC123" are different games.
func NormalizeAddress(gameID, name string) (string, string) {
	return strings.TrimSpace(gameID), strings.TrimSpace(name)
}

// Connect registers conn and joins its player to the game, creating the game if needed.
func (h *Hub) Connect(ctx context.Context, conn dispatch.Conn, gameID, name string) error {
	gameID, name = NormalizeAddress(gameID, name)
	if gameID == "" || name == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game id and player name are required"))
	}

	if err := h.reg.Register(conn.ID(), registry.Entry{GameID: gameID, PlayerName: name}); err != nil {
		return err
	}

	_, created, err := h.dir.Join(ctx, gameID, name, conn)
	if err != nil {
		h.reg.Remove(conn.ID())
		return err
	}

	telemetry.ConnectionsActive.Inc()
	slog.InfoContext(ctx, "hub: player connected", "conn", conn.ID(), "game", gameID, "player", name, "host", created)

	return nil
}

// Handle decodes one inbound frame and applies it to the sender's game.
// Nothing is ever reported back to the sender: malformed frames are dropped
// and inapplicable actions are ignored.
func (h *Hub) Handle(ctx context.Context, connID string, data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		slog.WarnContext(ctx, "hub: malformed message dropped", "conn", connID, "error", err)
		return
	}

	e, ok := h.reg.Lookup(connID)
	if !ok {
		slog.DebugContext(ctx, "hub: message from unknown connection", "conn", connID)
		return
	}

	s, ok := h.dir.Get(e.GameID)
	if !ok || !s.Owns(e.PlayerName, connID) {
		slog.DebugContext(ctx, "hub: message for a game the connection no longer plays", "conn", connID, "game", e.GameID)
		return
	}

	if err := h.apply(ctx, s, e.PlayerName, in); err != nil {
		slog.DebugContext(ctx, "hub: action ignored",
			"conn", connID,
			"game", e.GameID,
			"player", e.PlayerName,
			"action", in.Action,
			"reason", err,
		)
	}
}

func (h *Hub) apply(ctx context.Context, s *game.Session, player string, in Inbound) error {
	switch in.Action {
	case ActionJoin:
		return s.Ready(ctx, player)
	case ActionStartGame:
		return s.Start(ctx, player)
	case ActionSubmitAnswer:
		return s.SubmitAnswer(ctx, player, in.Answer)
	case ActionPlayAgain:
		return s.Reset(ctx, player)
	default:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown action %q", in.Action))
	}
}

// Disconnect runs the cleanup of a connection. Only the first call for a
// connection has any effect.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	e, ok := h.reg.Remove(connID)
	if !ok {
		return
	}
	telemetry.ConnectionsActive.Dec()

	s, ok := h.dir.Get(e.GameID)
	if !ok {
		return
	}

	left := s.Leave(ctx, e.PlayerName, connID)
	slog.InfoContext(ctx, "hub: player disconnected", "conn", connID, "game", e.GameID, "player", e.PlayerName, "removed", left)
}

// Session returns the session of a game, if it exists.
func (h *Hub) Session(gameID string) (*game.Session, bool) {
	gameID, _ = NormalizeAddress(gameID, "")
	return h.dir.Get(gameID)
}
