package domain

import "time"

const (
	EventNameGameStarted        = "game.started"
	EventNameScoreUpdated       = "score.updated"
	EventNameGameFinished       = "game.finished"
	EventNamePlayerLeft         = "player.left"
	EventNamePlayerRejoined     = "player.rejoined"
	EventNameGameReset          = "game.reset"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventGameStarted struct {
	GameID string
	Host   string
}

func (EventGameStarted) Name() string { return EventNameGameStarted }

type EventScoreUpdated struct {
	GameID     string
	Player     string
	TotalScore int
	UpdateTime time.Time
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventGameFinished struct {
	GameID string
	Scores []PlayerScore // join order
	Winner string        // empty when nobody played
}

func (EventGameFinished) Name() string { return EventNameGameFinished }

type EventPlayerLeft struct {
	GameID string
	Player string
}

func (EventPlayerLeft) Name() string { return EventNamePlayerLeft }

// EventPlayerRejoined is published when a new connection takes over a name,
// which resets that player's score.
type EventPlayerRejoined struct {
	GameID string
	Player string
}

func (EventPlayerRejoined) Name() string { return EventNamePlayerRejoined }

// EventGameReset is published when a finished game returns to the lobby.
type EventGameReset struct {
	GameID string
}

func (EventGameReset) Name() string { return EventNameGameReset }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
