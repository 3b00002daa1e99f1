package game_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/slangquiz/internal/bank"
	"github.com/victornm/slangquiz/internal/domain"
	"github.com/victornm/slangquiz/internal/errors"
	"github.com/victornm/slangquiz/internal/event"
	"github.com/victornm/slangquiz/internal/game"
	"github.com/victornm/slangquiz/internal/game/gametest"
)

const host = "Alice"

type fixture struct {
	s     *game.Session
	sched *gametest.Scheduler
	conns map[string]*gametest.Conn
}

type option func(c *game.Config)

func withEventBus(eb *event.Bus) option {
	return func(c *game.Config) { c.EventBus = eb }
}

func withShuffle(f func([]string)) option {
	return func(c *game.Config) { c.Shuffle = f }
}

// newFixture creates a session hosted by Alice and joins players in order.
// Choices are not shuffled unless an option says otherwise.
func newFixture(t *testing.T, players []string, opts ...option) *fixture {
	t.Helper()

	sched := gametest.NewScheduler()
	c := game.Config{
		GameID:    "ABC123",
		Host:      host,
		Bank:      bank.Default(),
		Scheduler: sched,
		Shuffle:   func([]string) {},
	}
	for _, opt := range opts {
		opt(&c)
	}

	f := &fixture{
		s:     game.NewSession(c),
		sched: sched,
		conns: make(map[string]*gametest.Conn),
	}

	for _, p := range players {
		f.join(t, p)
	}

	return f
}

func (f *fixture) join(t *testing.T, name string) *gametest.Conn {
	t.Helper()

	c := gametest.NewConn("conn-" + name)
	require.NoError(t, f.s.Join(context.Background(), name, c))
	f.conns[name] = c

	return c
}

func (f *fixture) resetConns() {
	for _, c := range f.conns {
		c.Reset()
	}
}

func meaning(i int) string {
	return bank.Default().Item(i).Meaning
}

func scores(ss domain.Snapshot) map[string]int {
	m := make(map[string]int, len(ss.Players))
	for _, p := range ss.Players {
		m[p.Name] = p.Score
	}

	return m
}

func TestSession_StartResetsScoresAndBeginsAtRoundOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host, "Bob"})

	require.NoError(t, f.s.Start(ctx, host))
	require.NoError(t, f.s.SubmitAnswer(ctx, "Bob", meaning(0)))
	f.sched.Advance(game.GraceDelay)
	require.NoError(t, f.s.SubmitAnswer(ctx, "Bob", meaning(1)))
	f.sched.Advance(game.GraceDelay)
	require.NoError(t, f.s.SubmitAnswer(ctx, host, meaning(2)))
	f.sched.Advance(game.GraceDelay)

	ss := f.s.Snapshot()
	require.Equal(t, domain.StateFinished, ss.State)
	assert.Equal(t, map[string]int{host: 10, "Bob": 20}, scores(ss))

	require.NoError(t, f.s.Reset(ctx, host))
	ss = f.s.Snapshot()
	assert.Equal(t, domain.StateLobby, ss.State)
	assert.Equal(t, 0, ss.Round)
	assert.Equal(t, map[string]int{host: 0, "Bob": 0}, scores(ss))

	f.resetConns()
	require.NoError(t, f.s.Start(ctx, host))

	ss = f.s.Snapshot()
	assert.Equal(t, domain.StatePlaying, ss.State)
	assert.Equal(t, 1, ss.Round)
	assert.Equal(t, map[string]int{host: 0, "Bob": 0}, scores(ss))

	for _, c := range f.conns {
		q := c.Last(game.TypeNewQuestion)
		require.NotNil(t, q)
		assert.EqualValues(t, 1, q["question_number"])
		assert.EqualValues(t, 20, q["time_limit"])
		assert.Equal(t, "awe", q["term"])
	}
}

func TestSession_SubmitAnswer(t *testing.T) {
	tests := map[string]struct {
		answer    string
		wantScore int
	}{
		"exact meaning should score": {
			answer:    meaning(0),
			wantScore: game.PointsPerAnswer,
		},
		"different case should not score": {
			answer: "Friendly greeting; hey/what's up",
		},
		"leading whitespace should not score": {
			answer: " " + meaning(0),
		},
		"trailing whitespace should not score": {
			answer: meaning(0) + " ",
		},
		"distractor should not score": {
			answer: "goodbye",
		},
		"empty answer should not score": {
			answer: "",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, []string{host, "Bob"})
			require.NoError(t, f.s.Start(ctx, host))

			require.NoError(t, f.s.SubmitAnswer(ctx, "Bob", tc.answer))

			assert.Equal(t, map[string]int{host: 0, "Bob": tc.wantScore}, scores(f.s.Snapshot()))
			for _, c := range f.conns {
				res := c.Last(game.TypeAnswerResult)
				require.NotNil(t, res)
				assert.Equal(t, "Bob", res["player"])
				assert.Equal(t, tc.wantScore > 0, res["correct"])
				assert.Equal(t, meaning(0), res["correct_answer"])
			}
		})
	}
}

func TestSession_OnlyFirstAnswerPerRoundCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host, "Bob"})
	require.NoError(t, f.s.Start(ctx, host))

	require.NoError(t, f.s.SubmitAnswer(ctx, host, "goodbye"))
	err := f.s.SubmitAnswer(ctx, "Bob", meaning(0))

	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	assert.Equal(t, map[string]int{host: 0, "Bob": 0}, scores(f.s.Snapshot()))
	assert.Len(t, f.conns["Bob"].OfType(game.TypeAnswerResult), 1)
}

func TestSession_ChoicesArePermutations(t *testing.T) {
	const samples = 400

	ctx := context.Background()
	item := bank.Default().Item(0)
	want := append([]string{item.Meaning}, item.Distractors[:3]...)
	positions := make([]int, game.ChoiceCount)

	for range samples {
		sched := gametest.NewScheduler()
		s := game.NewSession(game.Config{GameID: "G", Host: host, Bank: bank.Default(), Scheduler: sched})
		c := gametest.NewConn("c")
		require.NoError(t, s.Join(ctx, host, c))
		require.NoError(t, s.Start(ctx, host))

		q := c.Last(game.TypeNewQuestion)
		require.NotNil(t, q)

		var choices []string
		for _, v := range q["choices"].([]any) {
			choices = append(choices, v.(string))
		}

		require.Len(t, choices, game.ChoiceCount)
		require.ElementsMatch(t, want, choices)

		n := 0
		for i, ch := range choices {
			if ch == item.Meaning {
				positions[i]++
				n++
			}
		}
		require.Equal(t, 1, n)

		s.Close()
	}

	// Each position expects samples/4 hits; the bound is far outside normal variance.
	for i, n := range positions {
		assert.Greater(t, n, samples/8, "correct answer rarely at position %d: %v", i, positions)
	}
}

func TestSession_Winner(t *testing.T) {
	type round struct {
		player  string // empty for a timeout
		correct bool
	}

	tests := map[string]struct {
		rounds     []round
		wantWinner string
		wantScores map[string]any
	}{
		"strictly highest score should win": {
			rounds:     []round{{"Bob", true}, {"Bob", true}, {host, true}},
			wantWinner: "Bob",
			wantScores: map[string]any{host: float64(10), "Bob": float64(20), "Carol": float64(0)},
		},
		"tie should go to the player who joined first": {
			rounds:     []round{{"Carol", true}, {"Bob", true}, {host, false}},
			wantWinner: "Bob",
			wantScores: map[string]any{host: float64(0), "Bob": float64(10), "Carol": float64(10)},
		},
		"all zero should go to the first player": {
			rounds:     []round{{}, {"Bob", false}, {}},
			wantWinner: host,
			wantScores: map[string]any{host: float64(0), "Bob": float64(0), "Carol": float64(0)},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, []string{host, "Bob", "Carol"})
			require.NoError(t, f.s.Start(ctx, host))

			for i, r := range tc.rounds {
				if r.player == "" {
					f.sched.Advance(game.TimeLimit)
				} else {
					answer := "wrong"
					if r.correct {
						answer = meaning(i)
					}
					require.NoError(t, f.s.SubmitAnswer(ctx, r.player, answer))
				}
				f.sched.Advance(game.GraceDelay)
			}

			assert.Equal(t, domain.StateFinished, f.s.Snapshot().State)
			for _, c := range f.conns {
				over := c.OfType(game.TypeGameOver)
				require.Len(t, over, 1)
				assert.Equal(t, tc.wantWinner, over[0]["winner"])
				assert.Equal(t, tc.wantScores, over[0]["scores"])
			}
			assert.Zero(t, f.sched.Pending())
		})
	}
}

func TestSession_TimeoutResolvesRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host})
	require.NoError(t, f.s.Start(ctx, host))

	f.sched.Advance(game.TimeLimit - time.Millisecond)
	assert.Empty(t, f.conns[host].OfType(game.TypeAnswerResult))

	f.sched.Advance(time.Millisecond)
	res := f.conns[host].Last(game.TypeAnswerResult)
	require.NotNil(t, res)
	assert.Equal(t, game.SystemPlayer, res["player"])
	assert.Equal(t, false, res["correct"])
	assert.Equal(t, meaning(0), res["correct_answer"])

	err := f.s.SubmitAnswer(ctx, host, meaning(0))
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "answers during the grace delay are rejected")

	f.sched.Advance(game.GraceDelay)
	q := f.conns[host].Last(game.TypeNewQuestion)
	assert.EqualValues(t, 2, q["question_number"])
	assert.Equal(t, "braai", q["term"])
}

func TestSession_RacingAnswerAndTimeoutAdvanceOnce(t *testing.T) {
	tests := map[string]struct {
		answerAt time.Duration
	}{
		"answer just before the timeout": {
			answerAt: game.TimeLimit - time.Millisecond,
		},
		"answer well before the timeout": {
			answerAt: time.Second,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, []string{host, "Bob"})
			f.sched.IgnoreStop = true

			require.NoError(t, f.s.Start(ctx, host))
			f.sched.Advance(tc.answerAt)
			require.NoError(t, f.s.SubmitAnswer(ctx, "Bob", meaning(0)))

			// The stale round timeout fires inside this window and must do nothing.
			f.sched.Advance(game.TimeLimit)

			for _, c := range f.conns {
				results := c.OfType(game.TypeAnswerResult)
				require.Len(t, results, 1)
				assert.Equal(t, "Bob", results[0]["player"])

				questions := c.OfType(game.TypeNewQuestion)
				require.Len(t, questions, 2)
				assert.EqualValues(t, 2, questions[1]["question_number"])
			}
			assert.Equal(t, 2, f.s.Snapshot().Round)
		})
	}
}

func TestSession_HostOnlyActions(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture)
		act     func(f *fixture) error
		want    errors.Code
		state   domain.State
	}{
		"non-host start should be ignored": {
			act:   func(f *fixture) error { return f.s.Start(ctx, "Bob") },
			want:  errors.CodePermissionDenied,
			state: domain.StateLobby,
		},
		"start while playing should be ignored": {
			arrange: func(t *testing.T, f *fixture) {
				require.NoError(t, f.s.Start(ctx, host))
			},
			act:   func(f *fixture) error { return f.s.Start(ctx, host) },
			want:  errors.CodeFailedPrecondition,
			state: domain.StatePlaying,
		},
		"reset from the lobby should be ignored": {
			act:   func(f *fixture) error { return f.s.Reset(ctx, host) },
			want:  errors.CodeFailedPrecondition,
			state: domain.StateLobby,
		},
		"non-host reset should be ignored": {
			arrange: func(t *testing.T, f *fixture) {
				require.NoError(t, f.s.Start(ctx, host))
				for range 3 {
					f.sched.Advance(game.TimeLimit + game.GraceDelay)
				}
				require.Equal(t, domain.StateFinished, f.s.Snapshot().State)
			},
			act:   func(f *fixture) error { return f.s.Reset(ctx, "Bob") },
			want:  errors.CodePermissionDenied,
			state: domain.StateFinished,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, []string{host, "Bob"})
			if tc.arrange != nil {
				tc.arrange(t, f)
			}
			f.resetConns()

			err := tc.act(f)

			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, tc.state, f.s.Snapshot().State)
			assert.Empty(t, f.conns["Bob"].Messages(), "ignored actions broadcast nothing")
		})
	}
}

func TestSession_Leave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host, "Bob", "Carol"})
	f.resetConns()

	assert.False(t, f.s.Leave(ctx, "Bob", "some-other-conn"))
	assert.False(t, f.s.Leave(ctx, "Dave", "conn-Dave"))
	assert.True(t, f.s.Leave(ctx, "Bob", "conn-Bob"))
	assert.False(t, f.s.Leave(ctx, "Bob", "conn-Bob"), "second leave is a no-op")

	assert.Empty(t, f.conns["Bob"].Messages())
	for _, name := range []string{host, "Carol"} {
		c := f.conns[name]
		assert.Equal(t, []string{game.TypePlayerLeft, game.TypeGameState}, c.Types())
		assert.Equal(t, "Bob", c.Last(game.TypePlayerLeft)["player_name"])

		gs := c.Last(game.TypeGameState)
		assert.Equal(t, map[string]any{host: map[string]any{"ready": false}, "Carol": map[string]any{"ready": false}}, gs["players"])
		assert.Equal(t, map[string]any{host: float64(0), "Carol": float64(0)}, gs["scores"])
	}

	_, empty := f.s.EmptySince()
	assert.False(t, empty)

	assert.True(t, f.s.Leave(ctx, host, "conn-Alice"))
	assert.True(t, f.s.Leave(ctx, "Carol", "conn-Carol"))
	since, empty := f.s.EmptySince()
	assert.True(t, empty)
	assert.Equal(t, f.sched.Now(), since)
}

func TestSession_PlayersAndScoresShareKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host, "Bob"})
	require.NoError(t, f.s.Ready(ctx, "Bob"))
	require.NoError(t, f.s.Start(ctx, host))
	require.NoError(t, f.s.SubmitAnswer(ctx, "Bob", meaning(0)))
	f.join(t, "Carol")
	f.s.Leave(ctx, "Bob", "conn-Bob")
	f.sched.Advance(game.GraceDelay)

	for _, gs := range f.conns[host].OfType(game.TypeGameState) {
		players := gs["players"].(map[string]any)
		scores := gs["scores"].(map[string]any)

		require.Len(t, scores, len(players))
		for name := range players {
			assert.Contains(t, scores, name)
		}
	}
}

func TestSession_Join(t *testing.T) {
	ctx := context.Background()

	t.Run("others should be told about the newcomer", func(t *testing.T) {
		f := newFixture(t, []string{host})
		f.resetConns()

		bob := f.join(t, "Bob")

		assert.Equal(t, []string{game.TypePlayerJoined, game.TypeGameState}, f.conns[host].Types())
		assert.Equal(t, "Bob", f.conns[host].Last(game.TypePlayerJoined)["player_name"])
		assert.Equal(t, []string{game.TypeGameState}, bob.Types())
		assert.Equal(t, host, bob.Last(game.TypeGameState)["host"])
		assert.Equal(t, "lobby", bob.Last(game.TypeGameState)["game_state"])
	})

	t.Run("same name should replace the previous connection", func(t *testing.T) {
		f := newFixture(t, []string{host, "Bob"})
		old := f.conns["Bob"]

		replacement := gametest.NewConn("conn-Bob-2")
		require.NoError(t, f.s.Join(ctx, "Bob", replacement))
		old.Reset()
		replacement.Reset()

		require.NoError(t, f.s.Ready(ctx, host))
		assert.Empty(t, old.Messages())
		assert.Equal(t, []string{game.TypeGameState}, replacement.Types())

		assert.False(t, f.s.Leave(ctx, "Bob", old.ID()), "superseded connection must not remove the player")
		assert.True(t, f.s.Owns("Bob", replacement.ID()))
		assert.False(t, f.s.Owns("Bob", old.ID()))
		assert.Len(t, f.s.Snapshot().Players, 2)
	})

	t.Run("late joiner should receive the active question", func(t *testing.T) {
		f := newFixture(t, []string{host})
		require.NoError(t, f.s.Start(ctx, host))
		f.sched.Advance(5*time.Second + 500*time.Millisecond)

		bob := f.join(t, "Bob")

		assert.Equal(t, []string{game.TypeGameState, game.TypeNewQuestion}, bob.Types())
		q := bob.Last(game.TypeNewQuestion)
		assert.Equal(t, "awe", q["term"])
		assert.EqualValues(t, 15, q["time_limit"])
		assert.EqualValues(t, 1, q["question_number"])
	})

	t.Run("invalid join should be rejected", func(t *testing.T) {
		f := newFixture(t, nil)

		err := f.s.Join(ctx, "", gametest.NewConn("c"))
		assert.True(t, errors.Is(err, errors.CodeInvalidArgument))

		f.s.Close()
		err = f.s.Join(ctx, host, gametest.NewConn("c"))
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})
}

func TestSession_Ready(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host, "Bob"})
	f.resetConns()

	require.NoError(t, f.s.Ready(ctx, "Bob"))
	require.NoError(t, f.s.Ready(ctx, "Bob"))

	states := f.conns[host].OfType(game.TypeGameState)
	require.Len(t, states, 2, "ready always broadcasts")
	assert.Equal(t, map[string]any{"ready": true}, states[1]["players"].(map[string]any)["Bob"])

	err := f.s.Ready(ctx, "Dave")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestSession_FailedSendDoesNotStopBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host, "Bob", "Carol"})
	f.conns["Bob"].SetFail(true)

	require.NoError(t, f.s.Start(ctx, host))

	assert.Len(t, f.conns[host].OfType(game.TypeNewQuestion), 1)
	assert.Len(t, f.conns["Carol"].OfType(game.TypeNewQuestion), 1)
}

func TestSession_CloseCancelsTimers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{host})
	f.sched.IgnoreStop = true
	require.NoError(t, f.s.Start(ctx, host))
	f.resetConns()

	f.s.Close()
	f.sched.Advance(time.Minute)

	assert.Empty(t, f.conns[host].Messages())
	assert.Equal(t, domain.StatePlaying, f.s.Snapshot().State)
}

func TestSession_PublishesEvents(t *testing.T) {
	ctx := context.Background()
	eb := event.NewBus()

	finished := make(chan domain.EventGameFinished, 1)
	eb.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		finished <- e.(domain.EventGameFinished)
		return nil
	})

	updated := make(chan domain.EventScoreUpdated, 3)
	eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		updated <- e.(domain.EventScoreUpdated)
		return nil
	})

	f := newFixture(t, []string{host, "Bob"}, withEventBus(eb), withShuffle(func([]string) {}))
	require.NoError(t, f.s.Start(ctx, host))
	require.NoError(t, f.s.SubmitAnswer(ctx, "Bob", meaning(0)))
	f.sched.Advance(game.GraceDelay)
	f.sched.Advance(game.TimeLimit + game.GraceDelay)
	f.sched.Advance(game.TimeLimit + game.GraceDelay)
	eb.Stop()

	select {
	case e := <-updated:
		assert.Equal(t, domain.EventScoreUpdated{GameID: "ABC123", Player: "Bob", TotalScore: 10, UpdateTime: e.UpdateTime}, e)
	default:
		t.Fatal("score.updated not published")
	}

	select {
	case e := <-finished:
		assert.Equal(t, "Bob", e.Winner)
		assert.Equal(t, []domain.PlayerScore{{Player: host, Score: 0}, {Player: "Bob", Score: 10}}, e.Scores)
	default:
		t.Fatal("game.finished not published")
	}
}

func TestSession_BusyEventHandlersDoNotBlockGame(t *testing.T) {
	ctx := context.Background()
	eb := event.NewBus(event.WithPoolSize(1))

	release := make(chan struct{})
	eb.Subscribe(domain.EventNameGameStarted, func(ctx context.Context, e event.Event) error {
		<-release
		return nil
	})
	eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return nil
	})
	defer func() {
		close(release)
		eb.Stop()
	}()

	f := newFixture(t, []string{host, "Bob"}, withEventBus(eb))
	require.NoError(t, f.s.Start(ctx, host))

	done := make(chan error, 1)
	go func() {
		done <- f.s.SubmitAnswer(ctx, "Bob", meaning(0))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("answer blocked on a busy event handler")
	}

	assert.Equal(t, 10, scores(f.s.Snapshot())["Bob"])
}

func TestSession_PublishesScoreResets(t *testing.T) {
	ctx := context.Background()
	eb := event.NewBus()

	rejoined := make(chan domain.EventPlayerRejoined, 1)
	eb.Subscribe(domain.EventNamePlayerRejoined, func(ctx context.Context, e event.Event) error {
		rejoined <- e.(domain.EventPlayerRejoined)
		return nil
	})

	reset := make(chan domain.EventGameReset, 1)
	eb.Subscribe(domain.EventNameGameReset, func(ctx context.Context, e event.Event) error {
		reset <- e.(domain.EventGameReset)
		return nil
	})

	f := newFixture(t, []string{host, "Bob"}, withEventBus(eb))
	f.join(t, "Bob")

	require.NoError(t, f.s.Start(ctx, host))
	for i := 0; i < bank.Default().Len(); i++ {
		f.sched.Advance(game.TimeLimit + game.GraceDelay)
	}
	require.Equal(t, domain.StateFinished, f.s.Snapshot().State)
	require.NoError(t, f.s.Reset(ctx, host))
	eb.Stop()

	select {
	case e := <-rejoined:
		assert.Equal(t, domain.EventPlayerRejoined{GameID: "ABC123", Player: "Bob"}, e)
	default:
		t.Fatal("player.rejoined not published")
	}

	select {
	case e := <-reset:
		assert.Equal(t, domain.EventGameReset{GameID: "ABC123"}, e)
	default:
		t.Fatal("game.reset not published")
	}
}
