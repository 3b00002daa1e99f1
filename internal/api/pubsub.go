package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/slangquiz/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		GameID  string             `json:"game_id"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Player string `json:"player"`
		Score  string `json:"score"`
	}

	GameResult struct {
		GameID string               `json:"game_id"`
		Winner *string              `json:"winner"`
		Scores []domain.PlayerScore `json:"scores"`
	}
)

func toLeaderboard(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{
		GameID:  l.GameID,
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			Player: entry.Player,
			Score:  strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	return data
}

// PublishLeaderboardUpdated publishes the leaderboard on the game channel.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard
	return a.publishNotification(ctx, a.gameChannel(l.GameID), e.Name(), toLeaderboard(l))
}

// PublishGameFinished publishes the final result on the game channel and on
// the channel of every player that took part.
func (a *API) PublishGameFinished(ctx context.Context, e domain.EventGameFinished) error {
	data := GameResult{
		GameID: e.GameID,
		Scores: e.Scores,
	}
	if e.Winner != "" {
		data.Winner = &e.Winner
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, a.gameChannel(e.GameID), e.Name(), data)
	})

	for _, sc := range e.Scores {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.playerChannel(e.GameID, sc.Player), e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) gameChannel(gameID string) string {
	return fmt.Sprintf("%s:game:%s", a.prefix, gameID)
}

func (a *API) playerChannel(gameID, player string) string {
	return fmt.Sprintf("%s:game:%s:player:%s", a.prefix, gameID, player)
}
