package bank

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/victornm/slangquiz/internal/domain"
	"github.com/victornm/slangquiz/internal/errors"
)

// MinDistractors is the number of wrong answers presented with every term.
const MinDistractors = 3

//go:embed data/slang_en_za.json
var defaultData []byte

// Bank is an ordered, immutable set of quiz items shared by every game session.
type Bank struct {
	items []domain.QuizItem
}

// New validates items and returns a bank holding a private copy of them.
func New(items []domain.QuizItem) (*Bank, error) {
	if len(items) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("bank is empty"))
	}

	cp := make([]domain.QuizItem, 0, len(items))
	for i, it := range items {
		if err := validate(it); err != nil {
			return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("item %d (%q): %s", i, it.Term, err))
		}

		it.Distractors = slices.Clone(it.Distractors)
		cp = append(cp, it)
	}

	return &Bank{items: cp}, nil
}

func validate(it domain.QuizItem) error {
	switch {
	case it.Term == "":
		return fmt.Errorf("empty term")
	case it.Meaning == "":
		return fmt.Errorf("empty meaning")
	case len(it.Distractors) < MinDistractors:
		return fmt.Errorf("need at least %d distractors, got %d", MinDistractors, len(it.Distractors))
	case slices.Contains(it.Distractors[:MinDistractors], it.Meaning):
		return fmt.Errorf("meaning repeated among distractors")
	}

	return nil
}

// Default returns the built-in South African slang bank.
func Default() *Bank {
	b, err := Parse(defaultData)
	if err != nil {
		panic(fmt.Sprintf("bank: embedded data is invalid: %v", err))
	}

	return b
}

// Parse decodes a JSON array of quiz items.
func Parse(data []byte) (*Bank, error) {
	var items []domain.QuizItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode bank: %w", err)
	}

	return New(items)
}

// LoadFile reads a JSON bank from path.
func LoadFile(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bank file: %w", err)
	}

	return Parse(data)
}

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadPostgres reads the bank from the slang_terms table.
func LoadPostgres(ctx context.Context, db Querier) (*Bank, error) {
	const query = `SELECT term, meaning, distractors, COALESCE(difficulty, '') FROM slang_terms ORDER BY position;`

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query slang terms: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.QuizItem, error) {
		var it domain.QuizItem
		err := row.Scan(&it.Term, &it.Meaning, &it.Distractors, &it.Difficulty)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan slang terms: %w", err)
	}

	return New(items)
}

// Len returns the number of items.
func (b *Bank) Len() int {
	return len(b.items)
}

// Item returns the i-th item. The distractor slice must not be modified.
func (b *Bank) Item(i int) domain.QuizItem {
	return b.items[i]
}
