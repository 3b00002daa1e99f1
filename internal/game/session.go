package game

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/victornm/slangquiz/internal/bank"
	"github.com/victornm/slangquiz/internal/dispatch"
	"github.com/victornm/slangquiz/internal/domain"
	"github.com/victornm/slangquiz/internal/errors"
	"github.com/victornm/slangquiz/internal/event"
	"github.com/victornm/slangquiz/internal/telemetry"
)

const (
	TimeLimit       = 20 * time.Second
	GraceDelay      = 3 * time.Second
	PointsPerAnswer = 10
	ChoiceCount     = bank.MinDistractors + 1

	// SystemPlayer is reported as the answering player when a round times out.
	SystemPlayer = "System"
)

type Config struct {
	GameID string
	Host   string
	Bank   *bank.Bank

	// EventBus is optional.
	EventBus *event.Bus

	// Scheduler defaults to Clock.
	Scheduler Scheduler

	// Shuffle permutes the choices of a round. Defaults to a uniform shuffle.
	Shuffle func([]string)
}

type player struct {
	name  string
	conn  dispatch.Conn
	ready bool
	score int
}

// Session is the state machine of one game. All methods are safe for
// concurrent use; every mutation and every timer continuation runs under the
// session lock.
type Session struct {
	id      string
	host    string
	bank    *bank.Bank
	eb      *event.Bus
	sched   Scheduler
	shuffle func([]string)

	mu         sync.Mutex
	players    []*player // join order
	state      domain.State
	round      int // items consumed in the current game
	current    *domain.QuizItem
	choices    []string
	resolved   bool
	deadline   time.Time
	gen        uint64
	timer      Timer
	closed     bool
	emptySince time.Time
}

func NewSession(c Config) *Session {
	s := &Session{
		id:      c.GameID,
		host:    c.Host,
		bank:    c.Bank,
		eb:      c.EventBus,
		sched:   c.Scheduler,
		shuffle: c.Shuffle,
		state:   domain.StateLobby,
	}

	if s.sched == nil {
		s.sched = Clock{}
	}

	if s.shuffle == nil {
		s.shuffle = func(xs []string) {
			rand.Shuffle(len(xs), func(i, j int) { xs[i], xs[j] = xs[j], xs[i] })
		}
	}

	s.emptySince = s.sched.Now()

	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Host() string {
	return s.host
}

// Join adds a player, or replaces the connection of a player that already uses
// the name. The other players are told about the newcomer and everyone gets
// the refreshed state. A player joining mid-round receives the current question.
func (s *Session) Join(ctx context.Context, name string, conn dispatch.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("game closed: game=%s", s.id))
	}

	if name == "" || conn == nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("player name and connection are required"))
	}

	if p := s.findLocked(name); p != nil {
		slog.InfoContext(ctx, "game: player connection replaced", "game", s.id, "player", name, "old_conn", p.conn.ID(), "conn", conn.ID())
		p.conn = conn
		p.ready = false
		p.score = 0
		s.publish(ctx, domain.EventPlayerRejoined{GameID: s.id, Player: name})
	} else {
		s.players = append(s.players, &player{name: name, conn: conn})
	}
	s.emptySince = time.Time{}

	s.broadcastLocked(ctx, PlayerJoined{Type: TypePlayerJoined, PlayerName: name}, conn.ID())
	s.broadcastLocked(ctx, s.gameStateLocked())

	if s.state == domain.StatePlaying && s.current != nil && !s.resolved {
		dispatch.Send(ctx, s.questionLocked(), conn)
	}

	return nil
}

// Ready marks the player as ready and broadcasts the state, even when the
// player was already ready.
func (s *Session) Ready(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(name)
	if p == nil {
		return s.playerNotFound(name)
	}

	p.ready = true
	s.broadcastLocked(ctx, s.gameStateLocked())

	return nil
}

// Start begins the first round. Only the host may start, and only from the lobby.
func (s *Session) Start(ctx context.Context, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if by != s.host {
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can start: game=%s player=%s", s.id, by))
	}

	if s.state != domain.StateLobby {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("game is %s: game=%s", s.state, s.id))
	}

	for _, p := range s.players {
		p.score = 0
	}
	s.round = 0
	s.state = domain.StatePlaying

	slog.InfoContext(ctx, "game: started", "game", s.id, "players", len(s.players))
	s.publish(ctx, domain.EventGameStarted{GameID: s.id, Host: s.host})

	s.advanceLocked(ctx)
	return nil
}

// SubmitAnswer scores the first answer of the active round and resolves it.
// Answers arriving after the round resolved are rejected.
func (s *Session) SubmitAnswer(ctx context.Context, by, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(by)
	if p == nil {
		return s.playerNotFound(by)
	}

	if s.state != domain.StatePlaying || s.current == nil {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no active question: game=%s", s.id))
	}

	if s.resolved {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("round %d already answered: game=%s", s.round, s.id))
	}

	correct := answer == s.current.Meaning
	result := telemetry.ResultIncorrect
	if correct {
		result = telemetry.ResultCorrect
		p.score += PointsPerAnswer
		s.publish(ctx, domain.EventScoreUpdated{
			GameID:     s.id,
			Player:     p.name,
			TotalScore: p.score,
			UpdateTime: s.sched.Now(),
		})
	}
	telemetry.Answers.WithLabelValues(result).Inc()

	s.broadcastLocked(ctx, AnswerResult{
		Type:          TypeAnswerResult,
		Player:        p.name,
		Correct:       correct,
		CorrectAnswer: s.current.Meaning,
	})

	s.resolveLocked(ctx)
	return nil
}

// Reset returns a finished game to the lobby, keeping the roster.
func (s *Session) Reset(ctx context.Context, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if by != s.host {
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can reset: game=%s player=%s", s.id, by))
	}

	if s.state != domain.StateFinished {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("game is %s: game=%s", s.state, s.id))
	}

	s.cancelLocked()
	s.state = domain.StateLobby
	s.current = nil
	s.choices = nil
	s.round = 0
	for _, p := range s.players {
		p.score = 0
	}

	s.broadcastLocked(ctx, s.gameStateLocked())
	s.publish(ctx, domain.EventGameReset{GameID: s.id})
	return nil
}

// Leave removes the player if it is still bound to connID. A connection that
// was replaced by a later join with the same name leaves nothing behind.
func (s *Session) Leave(ctx context.Context, name, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.players, func(p *player) bool { return p.name == name })
	if i < 0 || s.players[i].conn.ID() != connID {
		return false
	}

	s.players = slices.Delete(s.players, i, i+1)
	if len(s.players) == 0 {
		s.emptySince = s.sched.Now()
	}

	s.broadcastLocked(ctx, PlayerLeft{Type: TypePlayerLeft, PlayerName: name})
	s.broadcastLocked(ctx, s.gameStateLocked())
	s.publish(ctx, domain.EventPlayerLeft{GameID: s.id, Player: name})

	return true
}

// Owns reports whether name is currently bound to connID.
func (s *Session) Owns(name, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(name)
	return p != nil && p.conn.ID() == connID
}

// Close stops the session. Pending timers become no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cancelLocked()
}

// EmptySince returns when the last player left, and false while anyone is connected.
func (s *Session) EmptySince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.emptySince, len(s.players) == 0
}

func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := domain.Snapshot{
		GameID:  s.id,
		Host:    s.host,
		State:   s.state,
		Round:   s.round,
		Players: make([]domain.PlayerSnapshot, 0, len(s.players)),
	}

	for _, p := range s.players {
		ss.Players = append(ss.Players, domain.PlayerSnapshot{Name: p.name, Ready: p.ready, Score: p.score})
	}

	return ss
}

func (s *Session) advanceLocked(ctx context.Context) {
	s.cancelLocked()
	s.resolved = false

	if s.round >= s.bank.Len() {
		s.finishLocked(ctx)
		return
	}

	item := s.bank.Item(s.round)
	s.current = &item
	s.round++

	s.choices = make([]string, 0, ChoiceCount)
	s.choices = append(s.choices, item.Meaning)
	s.choices = append(s.choices, item.Distractors[:ChoiceCount-1]...)
	s.shuffle(s.choices)

	s.deadline = s.sched.Now().Add(TimeLimit)
	s.broadcastLocked(ctx, s.questionLocked())
	telemetry.RoundsStarted.Inc()

	gen := s.gen
	ctx = context.WithoutCancel(ctx)
	s.timer = s.sched.AfterFunc(TimeLimit, func() { s.onTimeout(ctx, gen) })
}

func (s *Session) onTimeout(ctx context.Context, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed || s.state != domain.StatePlaying || s.current == nil || s.resolved {
		return
	}

	telemetry.Answers.WithLabelValues(telemetry.ResultTimeout).Inc()
	s.broadcastLocked(ctx, AnswerResult{
		Type:          TypeAnswerResult,
		Player:        SystemPlayer,
		Correct:       false,
		CorrectAnswer: s.current.Meaning,
	})

	s.resolveLocked(ctx)
}

// resolveLocked closes the round to further answers and schedules the next one.
func (s *Session) resolveLocked(ctx context.Context) {
	s.resolved = true
	if s.timer != nil {
		s.timer.Stop()
	}

	gen := s.gen
	ctx = context.WithoutCancel(ctx)
	s.timer = s.sched.AfterFunc(GraceDelay, func() { s.onGrace(ctx, gen) })
}

func (s *Session) onGrace(ctx context.Context, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed || s.state != domain.StatePlaying {
		return
	}

	s.advanceLocked(ctx)
}

func (s *Session) finishLocked(ctx context.Context) {
	s.state = domain.StateFinished
	s.current = nil
	s.choices = nil

	var (
		winner *string
		best   = math.MinInt
		scores = make(map[string]int, len(s.players))
		final  = make([]domain.PlayerScore, 0, len(s.players))
	)

	for _, p := range s.players {
		scores[p.name] = p.score
		final = append(final, domain.PlayerScore{Player: p.name, Score: p.score})
		if p.score > best {
			best = p.score
			winner = &p.name
		}
	}

	s.broadcastLocked(ctx, GameOver{Type: TypeGameOver, Scores: scores, Winner: winner})
	telemetry.GamesFinished.Inc()

	e := domain.EventGameFinished{GameID: s.id, Scores: final}
	if winner != nil {
		e.Winner = *winner
	}

	slog.InfoContext(ctx, "game: finished", "game", s.id, "winner", e.Winner)
	s.publish(ctx, e)
}

// cancelLocked invalidates every pending continuation.
func (s *Session) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) questionLocked() NewQuestion {
	remaining := s.deadline.Sub(s.sched.Now())
	secs := int(math.Ceil(remaining.Seconds()))
	secs = max(0, min(secs, int(TimeLimit/time.Second)))

	return NewQuestion{
		Type:           TypeNewQuestion,
		Term:           s.current.Term,
		Choices:        slices.Clone(s.choices),
		TimeLimit:      secs,
		QuestionNumber: s.round,
	}
}

func (s *Session) gameStateLocked() GameState {
	gs := GameState{
		Type:      TypeGameState,
		Players:   make(map[string]PlayerState, len(s.players)),
		Scores:    make(map[string]int, len(s.players)),
		GameState: s.state,
		Host:      s.host,
	}

	for _, p := range s.players {
		gs.Players[p.name] = PlayerState{Ready: p.ready}
		gs.Scores[p.name] = p.score
	}

	return gs
}

func (s *Session) broadcastLocked(ctx context.Context, msg any, exclude ...string) {
	conns := make([]dispatch.Conn, 0, len(s.players))
	for _, p := range s.players {
		conns = append(conns, p.conn)
	}

	dispatch.Broadcast(ctx, msg, conns, exclude...)
}

func (s *Session) publish(ctx context.Context, e event.Event) {
	if s.eb != nil {
		s.eb.Publish(ctx, e)
	}
}

func (s *Session) findLocked(name string) *player {
	for _, p := range s.players {
		if p.name == name {
			return p
		}
	}

	return nil
}

func (s *Session) playerNotFound(name string) error {
	return errors.New(errors.CodeNotFound, errors.WithMessagef("player not found: game=%s player=%s", s.id, name))
}
