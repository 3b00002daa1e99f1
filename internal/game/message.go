package game

import "github.com/victornm/slangquiz/internal/domain"

// Outbound message types.
const (
	TypeGameState    = "game_state"
	TypeNewQuestion  = "new_question"
	TypeAnswerResult = "answer_result"
	TypeGameOver     = "game_over"
	TypePlayerLeft   = "player_left"
	TypePlayerJoined = "player_joined"
)

type (
	GameState struct {
		Type      string                 `json:"type"`
		Players   map[string]PlayerState `json:"players"`
		Scores    map[string]int         `json:"scores"`
		GameState domain.State           `json:"game_state"`
		Host      string                 `json:"host"`
	}

	PlayerState struct {
		Ready bool `json:"ready"`
	}

	NewQuestion struct {
		Type           string   `json:"type"`
		Term           string   `json:"term"`
		Choices        []string `json:"choices"`
		TimeLimit      int      `json:"time_limit"`
		QuestionNumber int      `json:"question_number"`
	}

	AnswerResult struct {
		Type          string `json:"type"`
		Player        string `json:"player"`
		Correct       bool   `json:"correct"`
		CorrectAnswer string `json:"correct_answer"`
	}

	GameOver struct {
		Type   string         `json:"type"`
		Scores map[string]int `json:"scores"`
		Winner *string        `json:"winner"`
	}

	PlayerLeft struct {
		Type       string `json:"type"`
		PlayerName string `json:"player_name"`
	}

	PlayerJoined struct {
		Type       string `json:"type"`
		PlayerName string `json:"player_name"`
	}
)
