package domain

// State is the lifecycle state of a game session.
type State string

const (
	StateLobby    State = "lobby"
	StatePlaying  State = "playing"
	StateFinished State = "finished"
)

// QuizItem is one slang term with its correct meaning and wrong answers.
// Items are immutable once loaded into a bank.
type QuizItem struct {
	Term        string   `json:"term"`
	Meaning     string   `json:"meaning"`
	Distractors []string `json:"distractors"`
	Difficulty  string   `json:"difficulty,omitempty"`
}

// Snapshot is a point-in-time copy of a game session.
type Snapshot struct {
	GameID  string
	Host    string
	State   State
	Round   int
	Players []PlayerSnapshot // join order
}

type PlayerSnapshot struct {
	Name  string
	Ready bool
	Score int
}

// PlayerScore is a final or running score of a player.
type PlayerScore struct {
	Player string `json:"player"`
	Score  int    `json:"score"`
}

// Leaderboard represents the players of a game and their scores.
// The list is sorted by score in descending order.
type Leaderboard struct {
	GameID  string
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	Player string
	Score  float64
}
