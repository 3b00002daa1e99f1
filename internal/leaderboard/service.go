package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/slangquiz/internal/domain"
	"github.com/victornm/slangquiz/internal/errors"
	"github.com/victornm/slangquiz/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultTTL      = 2 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string

	// TTL bounds how long a leaderboard outlives its last update.
	TTL time.Duration
}

// Service mirrors live game scores into Redis sorted sets. The mirror is a
// read model only: games never read their scores back from it.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	s.eb.Subscribe(domain.EventNameGameStarted, func(ctx context.Context, e event.Event) error {
		return s.ResetLeaderboard(ctx, e.(domain.EventGameStarted).GameID)
	})

	s.eb.Subscribe(domain.EventNameGameReset, func(ctx context.Context, e event.Event) error {
		return s.ResetLeaderboard(ctx, e.(domain.EventGameReset).GameID)
	})

	s.eb.Subscribe(domain.EventNamePlayerLeft, func(ctx context.Context, e event.Event) error {
		left := e.(domain.EventPlayerLeft)
		return s.RemovePlayer(ctx, left.GameID, left.Player)
	})

	// A rejoined player starts again from zero, which ZAddGT would never record.
	s.eb.Subscribe(domain.EventNamePlayerRejoined, func(ctx context.Context, e event.Event) error {
		rejoined := e.(domain.EventPlayerRejoined)
		return s.RemovePlayer(ctx, rejoined.GameID, rejoined.Player)
	})

	return s
}

type GetLeaderboardRequest struct {
	GameID string
}

// GetLeaderboard returns the players of a game that have scored, highest score first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.GameID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: game=%s", req.GameID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			Player: z.Member.(string),
			Score:  z.Score,
		})
	}

	return &domain.Leaderboard{
		GameID:  req.GameID,
		Entries: entries,
	}, nil
}

// UpdateLeaderboard records the player's total score. Handlers run
// concurrently, so a stale total never overwrites a higher one.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	key := s.getLeaderboardKey(e.GameID)

	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddGT(ctx, key, redis.Z{
			Score:  float64(e.TotalScore),
			Member: e.Player,
		})
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e)
}

// ResetLeaderboard drops the scores of a previous round of play.
func (s *Service) ResetLeaderboard(ctx context.Context, gameID string) error {
	if err := s.redis.Del(ctx, s.getLeaderboardKey(gameID), s.getLeaderboardTimeKey(gameID)).Err(); err != nil {
		return fmt.Errorf("reset leaderboard: %w", err)
	}

	return nil
}

// RemovePlayer drops the player's entry until they score again.
func (s *Service) RemovePlayer(ctx context.Context, gameID, player string) error {
	if err := s.redis.ZRem(ctx, s.getLeaderboardKey(gameID), player).Err(); err != nil {
		return fmt.Errorf("remove player: %w", err)
	}

	return nil
}

// schedulePublishLeaderboard publishes the leaderboard at most once per interval.
// A burst of answers across many games only costs one event per game.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(e.GameID), e.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, e)
}

func (s *Service) publishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		GameID: e.GameID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: game=%s: %w", e.GameID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) getLeaderboardKey(game string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, game)
}

func (s *Service) getLeaderboardTimeKey(game string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, game)
}
