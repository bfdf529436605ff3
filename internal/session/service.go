package session

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const (
	codeMin         = 100000
	codeMax         = 999999
	maxCodeAttempts = 5
	activeCodeIndex = "sessions_active_code"
	codeUniqueViol  = "23505"
	codeForeignViol = "23503"
	sessionColumns  = `session_id, session_code, quiz_id, host_id, status, create_time, start_time, end_time`
)

type Config struct {
	DB *pgxpool.Pool
}

// Service is the durable record of sessions and their participants.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// NewCode returns a random 6 digit session code in [100000, 999999].
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}

	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

// CreateSessionRequest represents a request to create a new quiz session.
type CreateSessionRequest struct {
	QuizID string
	HostID string
}

// CreateSession creates a new session in Lobby with a code unique among active sessions.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	if req.QuizID == "" || req.HostID == "" {
		return nil, errors.Reject(errors.ReasonValidation, "quiz id and host id are required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	ss := &domain.Session{
		SessionID:  id.String(),
		QuizID:     req.QuizID,
		HostID:     req.HostID,
		Status:     domain.StatusLobby,
		CreateTime: time.Now().UTC(),
	}

	const stmt = `INSERT INTO sessions (session_id, session_code, quiz_id, host_id, status, create_time) VALUES ($1, $2, $3, $4, $5, $6);`

	for attempt := 1; ; attempt++ {
		code, err := NewCode()
		if err != nil {
			return nil, err
		}

		_, err = s.db.Exec(ctx, stmt, ss.SessionID, code, ss.QuizID, ss.HostID, ss.Status, ss.CreateTime)

		var pgErr *pgconn.PgError
		switch {
		case err == nil:
			ss.SessionCode = code
			return ss, nil
		case stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViol && pgErr.ConstraintName == activeCodeIndex:
			if attempt >= maxCodeAttempts {
				return nil, errors.New(errors.CodeAlreadyExists,
					errors.WithMessagef("no free session code after %d attempts", attempt),
					errors.WithCause(err),
				)
			}
		case stderrors.As(err, &pgErr) && pgErr.Code == codeForeignViol:
			return nil, errors.Reject(errors.ReasonNotFound, "quiz not found: quiz=%s", req.QuizID)
		default:
			return nil, fmt.Errorf("insert session: %w", err)
		}
	}
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, errors.Reject(errors.ReasonNotFound, "session not found: session=%s", sessionID)
	}

	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1;`, sessionID)
	return scanSession(row, sessionID)
}

// GetSessionByCode finds the session a code currently points at. An active session wins
// over completed ones that used the same code earlier.
func (s *Service) GetSessionByCode(ctx context.Context, code string) (*domain.Session, error) {
	const stmt = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE session_code = $1
ORDER BY (status <> 'Completed') DESC, create_time DESC
LIMIT 1;`

	return scanSession(s.db.QueryRow(ctx, stmt, code), code)
}

func scanSession(row pgx.Row, key string) (*domain.Session, error) {
	var (
		ss     domain.Session
		id     uuid.UUID
		status string
	)

	err := row.Scan(&id, &ss.SessionCode, &ss.QuizID, &ss.HostID, &status, &ss.CreateTime, &ss.StartTime, &ss.EndTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Reject(errors.ReasonNotFound, "session not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	ss.SessionID = id.String()
	ss.Status = domain.Status(status)
	return &ss, nil
}

// MarkStarted moves the durable session to InProgress, keeping the first start time.
func (s *Service) MarkStarted(ctx context.Context, sessionID string) error {
	const stmt = `
UPDATE sessions
SET status = $2, start_time = COALESCE(start_time, $3)
WHERE session_id = $1 AND status <> $4;`

	_, err := s.db.Exec(ctx, stmt, sessionID, domain.StatusInProgress, time.Now().UTC(), domain.StatusCompleted)
	if err != nil {
		return fmt.Errorf("mark session started: %w", err)
	}

	return nil
}

func (s *Service) MarkCompleted(ctx context.Context, sessionID string) error {
	const stmt = `UPDATE sessions SET status = $2, end_time = $3 WHERE session_id = $1 AND status <> $2;`

	_, err := s.db.Exec(ctx, stmt, sessionID, domain.StatusCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark session completed: %w", err)
	}

	return nil
}

// AddParticipant stores a new participant row and returns it with its generated id.
func (s *Service) AddParticipant(ctx context.Context, sessionID, displayName string) (*domain.Participant, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate participant ID: %w", err)
	}

	const stmt = `INSERT INTO participants (participant_id, session_id, display_name, join_time) VALUES ($1, $2, $3, $4);`

	if _, err := s.db.Exec(ctx, stmt, id, sessionID, displayName, time.Now().UTC()); err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == codeForeignViol {
			return nil, errors.Reject(errors.ReasonNotFound, "session not found: session=%s", sessionID)
		}
		return nil, fmt.Errorf("insert participant: %w", err)
	}

	return &domain.Participant{
		ParticipantID: id.String(),
		DisplayName:   displayName,
	}, nil
}

// ListParticipants returns the participants of a session in join order.
func (s *Service) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	const stmt = `SELECT participant_id, display_name FROM participants WHERE session_id = $1 ORDER BY join_time, participant_id;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Participant, error) {
		var (
			p  domain.Participant
			id uuid.UUID
		)
		if err := r.Scan(&id, &p.DisplayName); err != nil {
			return domain.Participant{}, err
		}
		p.ParticipantID = id.String()
		return p, nil
	})
}
