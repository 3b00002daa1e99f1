package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/slangquiz/internal/bank"
	"github.com/victornm/slangquiz/internal/dispatch"
	"github.com/victornm/slangquiz/internal/errors"
	"github.com/victornm/slangquiz/internal/event"
	"github.com/victornm/slangquiz/internal/game"
	"github.com/victornm/slangquiz/internal/telemetry"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	reapInterval       = time.Minute
)

type Config struct {
	Bank      *bank.Bank
	EventBus  *event.Bus
	Scheduler game.Scheduler

	// IdleTimeout is how long a session may stay without players before it is evicted.
	IdleTimeout time.Duration
}

// Directory owns every live game session, keyed by game id.
// Lock order is directory then session.
type Directory struct {
	bank        *bank.Bank
	eb          *event.Bus
	sched       game.Scheduler
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*game.Session
	closed   bool
}

func New(c Config) *Directory {
	d := &Directory{
		bank:        c.Bank,
		eb:          c.EventBus,
		sched:       c.Scheduler,
		idleTimeout: c.IdleTimeout,
		sessions:    make(map[string]*game.Session),
	}

	if d.sched == nil {
		d.sched = game.Clock{}
	}

	if d.idleTimeout <= 0 {
		d.idleTimeout = defaultIdleTimeout
	}

	return d
}

// Join adds the player to the game, creating the game first if needed. The
// player that creates a game becomes its host. Creation and the creator's join
// happen under the directory lock, so two players racing for a fresh id
// cannot both become host and the reaper never sees the new session empty.
func (d *Directory) Join(ctx context.Context, gameID, name string, conn dispatch.Conn) (s *game.Session, created bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, false, errors.New(errors.CodeUnavailable, errors.WithMessagef("directory closed"))
	}

	s, ok := d.sessions[gameID]
	if !ok {
		s = game.NewSession(game.Config{
			GameID:    gameID,
			Host:      name,
			Bank:      d.bank,
			EventBus:  d.eb,
			Scheduler: d.sched,
		})
		d.sessions[gameID] = s
		created = true
		telemetry.SessionsActive.Inc()
		slog.InfoContext(ctx, "directory: game created", "game", gameID, "host", name)
	}

	if err := s.Join(ctx, name, conn); err != nil {
		if created {
			d.deleteLocked(gameID)
		}
		return nil, false, err
	}

	return s, created, nil
}

// Get returns the session of a game.
func (d *Directory) Get(gameID string) (*game.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[gameID]
	return s, ok
}

// Reap closes and removes sessions that have been empty for longer than the
// idle timeout. It returns the evicted game ids.
func (d *Directory) Reap(ctx context.Context) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.sched.Now()

	var evicted []string
	for id, s := range d.sessions {
		since, empty := s.EmptySince()
		if !empty || now.Sub(since) < d.idleTimeout {
			continue
		}

		d.deleteLocked(id)
		evicted = append(evicted, id)
	}

	if len(evicted) > 0 {
		slog.InfoContext(ctx, "directory: idle games evicted", "games", evicted)
	}

	return evicted
}

// Run reaps idle sessions periodically until ctx is done.
func (d *Directory) Run(ctx context.Context) error {
	t := time.NewTicker(min(reapInterval, d.idleTimeout))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.Reap(ctx)
		}
	}
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.sessions)
}

// Close stops every session and rejects further joins.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for id := range d.sessions {
		d.deleteLocked(id)
	}
}

func (d *Directory) deleteLocked(gameID string) {
	d.sessions[gameID].Close()
	delete(d.sessions, gameID)
	telemetry.SessionsActive.Dec()
}
