package score

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service persists answers. The primary key on (session, participant, question) is the
// last word on duplicates.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// RecordAnswer inserts one answer. A second answer for the same question is rejected as a duplicate.
func (s *Service) RecordAnswer(ctx context.Context, a domain.AnswerRecord) error {
	const stmt = `
INSERT INTO answers (session_id, participant_id, question_id, selected_option_id, is_correct, response_time_ms, score_earned, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err := s.db.Exec(ctx, stmt,
		a.SessionID, a.ParticipantID, a.QuestionID, a.SelectedOptionID,
		a.IsCorrect, a.ResponseTimeMs, a.ScoreEarned, a.RecordedAt,
	)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithReason(errors.ReasonDuplicateAnswer),
			errors.WithMessagef("answer already recorded: participant=%s question=%s", a.ParticipantID, a.QuestionID),
			errors.WithCause(err),
		)
	}

	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}

	return nil
}

// ListAnswers returns every answer of a session in the order it was recorded.
func (s *Service) ListAnswers(ctx context.Context, sessionID string) ([]domain.AnswerRecord, error) {
	const stmt = `
SELECT participant_id, question_id, selected_option_id, is_correct, response_time_ms, score_earned, create_time
FROM answers
WHERE session_id = $1
ORDER BY create_time, participant_id;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select answers: %w", err)
	}

	answers, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.AnswerRecord, error) {
		var (
			a   domain.AnswerRecord
			pid uuid.UUID
		)
		err := r.Scan(&pid, &a.QuestionID, &a.SelectedOptionID, &a.IsCorrect, &a.ResponseTimeMs, &a.ScoreEarned, &a.RecordedAt)
		if err != nil {
			return domain.AnswerRecord{}, err
		}
		a.SessionID = sessionID
		a.ParticipantID = pid.String()
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	return answers, nil
}
