// Package live drives quiz sessions: it ties the durable store and quiz content to the
// in-memory engine, and announces every state change on the event bus.
package live

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/engine"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/session"
)

const anonymousName = "Anonymous"

type SessionStore interface {
	CreateSession(ctx context.Context, req session.CreateSessionRequest) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetSessionByCode(ctx context.Context, code string) (*domain.Session, error)
	MarkStarted(ctx context.Context, sessionID string) error
	MarkCompleted(ctx context.Context, sessionID string) error
	AddParticipant(ctx context.Context, sessionID, displayName string) (*domain.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
}

type QuizContent interface {
	ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

type Config struct {
	EventBus *event.Bus
	Engine   *engine.Engine
	Sessions SessionStore
	Quizzes  QuizContent
}

type Service struct {
	eb       *event.Bus
	engine   *engine.Engine
	sessions SessionStore
	quizzes  QuizContent
}

func NewService(c Config) *Service {
	return &Service{
		eb:       c.EventBus,
		engine:   c.Engine,
		sessions: c.Sessions,
		quizzes:  c.Quizzes,
	}
}

type CreateSessionRequest struct {
	QuizID string
	HostID string
}

type CreateSessionResponse struct {
	Session domain.Session
	State   domain.Snapshot
}

// CreateSession stores a new session for a quiz and opens it in the Lobby.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	questions, err := s.quizzes.ListQuestions(ctx, req.QuizID)
	if err != nil {
		return nil, err
	}

	ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{
		QuizID: req.QuizID,
		HostID: req.HostID,
	})
	if err != nil {
		return nil, err
	}

	snap, err := s.engine.Initialize(ctx, ss.SessionID, questions[0].TimeLimitSeconds)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "live: session created", "session", ss.SessionID, "code", ss.SessionCode, "quiz", ss.QuizID)

	return &CreateSessionResponse{
		Session: *ss,
		State:   *snap,
	}, nil
}

type JoinSessionRequest struct {
	SessionCode string
	DisplayName string
}

type JoinSessionResponse struct {
	SessionID   string
	Participant domain.Participant
	Snapshot    domain.Snapshot
}

// JoinSession registers a new participant in the session behind a code. The caller gets the
// full state for late-join sync; the rest of the session hears participant.joined.
func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*JoinSessionResponse, error) {
	code := strings.TrimSpace(req.SessionCode)
	if code == "" {
		return nil, errors.Reject(errors.ReasonValidation, "Session code is required.")
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = anonymousName
	}

	ss, err := s.sessions.GetSessionByCode(ctx, code)
	if err != nil {
		if errors.ReasonOf(err) == errors.ReasonNotFound {
			return nil, errors.Reject(errors.ReasonNotFound, "Session not found.")
		}
		return nil, err
	}

	if ss.Status == domain.StatusCompleted {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "Session has already ended.")
	}

	p, err := s.sessions.AddParticipant(ctx, ss.SessionID, name)
	if err != nil {
		return nil, err
	}

	jr, err := s.engine.Join(ctx, ss.SessionID, p.ParticipantID, name, func(snap *domain.Snapshot) {
		for _, joined := range snap.Participants {
			if joined.ParticipantID == p.ParticipantID {
				s.eb.Publish(ctx, domain.EventParticipantJoined{SessionID: ss.SessionID, Participant: joined})
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return &JoinSessionResponse{
		SessionID:   ss.SessionID,
		Participant: jr.Participant,
		Snapshot:    jr.Snapshot,
	}, nil
}

type StartQuestionRequest struct {
	SessionID     string
	QuestionIndex int
}

type StartQuestionResponse struct {
	Snapshot domain.Snapshot
	Question domain.QuestionView
}

// StartQuestion opens the question at a 0-based position of the session's quiz.
func (s *Service) StartQuestion(ctx context.Context, req StartQuestionRequest) (*StartQuestionResponse, error) {
	ss, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.Status == domain.StatusCompleted {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "Session has already ended.")
	}

	questions, err := s.quizzes.ListQuestions(ctx, ss.QuizID)
	if err != nil {
		return nil, err
	}

	if req.QuestionIndex < 0 || req.QuestionIndex >= len(questions) {
		return nil, errors.Reject(errors.ReasonValidation, "Invalid question index.")
	}

	q := questions[req.QuestionIndex]
	view := q.View()
	snap, err := s.engine.StartQuestion(ctx, engine.StartQuestionRequest{
		SessionID:        ss.SessionID,
		QuestionID:       q.QuestionID,
		QuestionIndex:    req.QuestionIndex,
		TimeLimitSeconds: q.TimeLimitSeconds,
	}, func(snap *domain.Snapshot) {
		s.eb.Publish(ctx, domain.EventQuestionStarted{Snapshot: *snap, Question: view})
	})
	if err != nil {
		return nil, err
	}

	if ss.Status == domain.StatusLobby {
		if err := s.sessions.MarkStarted(ctx, ss.SessionID); err != nil {
			slog.WarnContext(ctx, "live: mark session started failed", "session", ss.SessionID, "error", err)
		}
	}

	return &StartQuestionResponse{
		Snapshot: *snap,
		Question: view,
	}, nil
}

// EndQuestion closes the current question and announces the standings.
func (s *Service) EndQuestion(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	return s.engine.EndQuestion(ctx, sessionID, s.questionEnded(ctx))
}

// EndExpiredQuestion ends the current question if it outlived its time limit plus grace.
func (s *Service) EndExpiredQuestion(ctx context.Context, sessionID string, grace time.Duration) (bool, error) {
	snap, ended, err := s.engine.EndExpiredQuestion(ctx, sessionID, grace, s.questionEnded(ctx))
	if err != nil || !ended {
		return false, err
	}

	slog.InfoContext(ctx, "live: question timed out", "session", sessionID, "question", snap.CurrentQuestionID)
	return true, nil
}

func (s *Service) questionEnded(ctx context.Context) engine.Commit {
	return func(snap *domain.Snapshot) {
		s.eb.Publish(ctx, domain.EventQuestionEnded{Snapshot: *snap})
		s.publishLeaderboard(ctx, snap)
	}
}

// publishLeaderboard runs inside an engine commit, so leaderboards reach the bus in the
// order the session changed and the last one delivered is the current one.
func (s *Service) publishLeaderboard(ctx context.Context, snap *domain.Snapshot) {
	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{SessionID: snap.SessionID, Entries: snap.Leaderboard},
	})
}

type SubmitAnswerRequest struct {
	SessionID        string
	ParticipantID    string
	QuestionID       string
	SelectedOptionID string
}

// SubmitAnswer scores an answer. Only the caller learns the outcome; the session hears the new leaderboard.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*domain.AnswerResult, error) {
	resp, err := s.engine.SubmitAnswer(ctx, engine.SubmitAnswerRequest{
		SessionID:        req.SessionID,
		ParticipantID:    req.ParticipantID,
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
	}, func(snap *domain.Snapshot) {
		s.publishLeaderboard(ctx, snap)
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventAnswerRecorded{Answer: resp.Answer})

	return &resp.Result, nil
}

// EndSession completes the session in memory and in the durable store.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	snap, err := s.engine.Complete(ctx, sessionID, func(snap *domain.Snapshot) {
		s.eb.Publish(ctx, domain.EventSessionCompleted{Snapshot: *snap})
		s.publishLeaderboard(ctx, snap)
	})
	if err != nil {
		return nil, err
	}

	if err := s.sessions.MarkCompleted(ctx, sessionID); err != nil {
		slog.ErrorContext(ctx, "live: mark session completed failed", "session", sessionID, "error", err)
	}

	slog.InfoContext(ctx, "live: session completed", "session", sessionID, "participants", len(snap.Participants))
	return snap, nil
}

// State returns the current snapshot of a live session.
func (s *Service) State(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	return s.engine.Snapshot(ctx, sessionID)
}
