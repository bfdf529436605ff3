package quiz

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service reads quiz content. Content does not change while sessions run, so options are
// cached per question for the lifetime of the process.
type Service struct {
	db *pgxpool.Pool

	mu      sync.RWMutex
	options map[string][]domain.Option
}

func NewService(c Config) *Service {
	return &Service{
		db:      c.DB,
		options: make(map[string][]domain.Option),
	}
}

// ListQuestions returns the questions of a quiz ordered by their position, options included.
func (s *Service) ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	const stmt = `
SELECT q.question_id, q.question_text, q.time_limit_seconds, q.order_index, o.option_id, o.option_text, o.is_correct
FROM questions q
JOIN options o ON o.question_id = q.question_id
WHERE q.quiz_id = $1
ORDER BY q.order_index, o.option_id;`

	rows, err := s.db.Query(ctx, stmt, quizID)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var (
			q domain.Question
			o domain.Option
		)
		if err := rows.Scan(&q.QuestionID, &q.QuestionText, &q.TimeLimitSeconds, &q.OrderIndex, &o.OptionID, &o.OptionText, &o.IsCorrect); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}

		if n := len(questions); n == 0 || questions[n-1].QuestionID != q.QuestionID {
			q.QuizID = quizID
			questions = append(questions, q)
		}
		last := &questions[len(questions)-1]
		last.Options = append(last.Options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	if len(questions) == 0 {
		return nil, errors.Reject(errors.ReasonNotFound, "quiz not found or empty: quiz=%s", quizID)
	}

	s.mu.Lock()
	for _, q := range questions {
		s.options[q.QuestionID] = q.Options
	}
	s.mu.Unlock()

	return questions, nil
}

// GetQuestionOptions returns the options of a question, or a NotFound rejection when it has none.
func (s *Service) GetQuestionOptions(ctx context.Context, questionID string) ([]domain.Option, error) {
	s.mu.RLock()
	opts, ok := s.options[questionID]
	s.mu.RUnlock()
	if ok {
		return opts, nil
	}

	const stmt = `SELECT option_id, option_text, is_correct FROM options WHERE question_id = $1 ORDER BY option_id;`

	rows, err := s.db.Query(ctx, stmt, questionID)
	if err != nil {
		return nil, fmt.Errorf("select options: %w", err)
	}

	opts, err = pgx.CollectRows(rows, pgx.RowToStructByPos[domain.Option])
	if err != nil {
		return nil, fmt.Errorf("select options: %w", err)
	}
	if len(opts) == 0 {
		return nil, errors.Reject(errors.ReasonNotFound, "question not found: question=%s", questionID)
	}

	s.mu.Lock()
	s.options[questionID] = opts
	s.mu.Unlock()

	return opts, nil
}
