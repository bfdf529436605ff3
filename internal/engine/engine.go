// Package engine is the live session engine: the in-memory state machine behind every
// running quiz. It validates and scores answers and ranks participants, serializing all
// work on a session behind that session's lock.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/scoring"
	"github.com/victornm/livequiz/internal/telemetry"
)

const (
	defaultWriteTimeout = 2 * time.Second
	anonymousName       = "Anonymous"
)

// AnswerStore persists answer records. RecordAnswer must fail with a DuplicateAnswer
// rejection when the (session, participant, question) triple already exists.
type AnswerStore interface {
	RecordAnswer(ctx context.Context, a domain.AnswerRecord) error
}

// OptionProvider supplies the options of a question. It returns a NotFound rejection for unknown questions.
type OptionProvider interface {
	GetQuestionOptions(ctx context.Context, questionID string) ([]domain.Option, error)
}

// Commit runs after a successful change while the session is still locked, so whatever it
// publishes keeps the order in which the changes were applied. It must not call back into the engine.
type Commit func(snap *domain.Snapshot)

func commit(snap *domain.Snapshot, then []Commit) {
	for _, f := range then {
		f(snap)
	}
}

type Config struct {
	Answers   AnswerStore
	Options   OptionProvider
	Recoverer Recoverer
	Scoring   scoring.Policy
	Clock     Clock
	// WriteTimeout bounds the answer write-through, the only I/O done while a session is locked.
	WriteTimeout time.Duration
}

type Engine struct {
	registry     *Registry
	answers      AnswerStore
	options      OptionProvider
	scoring      scoring.Policy
	clock        Clock
	writeTimeout time.Duration
}

func New(c Config) *Engine {
	e := &Engine{
		answers:      c.Answers,
		options:      c.Options,
		scoring:      c.Scoring,
		clock:        c.Clock,
		writeTimeout: c.WriteTimeout,
	}

	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.scoring == (scoring.Policy{}) {
		e.scoring = scoring.Default()
	}
	if e.writeTimeout <= 0 {
		e.writeTimeout = defaultWriteTimeout
	}

	e.registry = NewRegistry(c.Recoverer, e.clock)
	return e
}

// Initialize creates the live session in Lobby. Re-initializing an id replaces the previous state.
func (e *Engine) Initialize(_ context.Context, sessionID string, timeLimitSeconds int) (*domain.Snapshot, error) {
	defer telemetry.ObserveOp("initialize", time.Now())

	if sessionID == "" {
		return nil, errors.Reject(errors.ReasonValidation, "session id is required")
	}

	now := e.clock.Now()
	s := newSessionState(sessionID, timeLimitSeconds, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	e.registry.Put(s)
	telemetry.SetLiveSessions(e.registry.Len())

	snap := s.snapshot(now)
	return &snap, nil
}

type JoinResponse struct {
	Participant domain.Participant
	Snapshot    domain.Snapshot
}

// Join adds a participant to the session, creating the session if it is not in memory.
// Joining again keeps the participant's score and name.
func (e *Engine) Join(ctx context.Context, sessionID, participantID, displayName string, then ...Commit) (*JoinResponse, error) {
	defer telemetry.ObserveOp("join", time.Now())

	if sessionID == "" || participantID == "" {
		return nil, errors.Reject(errors.ReasonValidation, "session id and participant id are required")
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = anonymousName
	}

	s, err := e.lock(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.status == domain.StatusCompleted {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "session has already ended: session=%s", sessionID)
	}

	now := e.clock.Now()
	p := s.addParticipant(participantID, displayName)
	s.lastActivity = now

	snap := s.snapshot(now)
	commit(&snap, then)

	return &JoinResponse{
		Participant: s.participantView(p),
		Snapshot:    snap,
	}, nil
}

type StartQuestionRequest struct {
	SessionID        string
	QuestionID       string
	QuestionIndex    int
	TimeLimitSeconds int
}

// StartQuestion opens a question for answers. The index is recorded as given.
func (e *Engine) StartQuestion(ctx context.Context, req StartQuestionRequest, then ...Commit) (*domain.Snapshot, error) {
	defer telemetry.ObserveOp("start_question", time.Now())

	if req.SessionID == "" || req.QuestionID == "" {
		return nil, errors.Reject(errors.ReasonValidation, "session id and question id are required")
	}

	s, err := e.lock(ctx, req.SessionID, true)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.status == domain.StatusCompleted {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "session has already ended: session=%s", req.SessionID)
	}

	limit := req.TimeLimitSeconds
	if limit <= 0 {
		limit = domain.DefaultTimeLimitSeconds
	}

	now := e.clock.Now()
	s.status = domain.StatusInProgress
	s.questionIndex = req.QuestionIndex
	s.questionID = req.QuestionID
	s.timeLimit = limit
	s.questionStart = now
	s.lastActivity = now

	snap := s.snapshot(now)
	commit(&snap, then)
	return &snap, nil
}

type SubmitAnswerRequest struct {
	SessionID        string
	ParticipantID    string
	QuestionID       string
	SelectedOptionID string
}

type SubmitAnswerResponse struct {
	Result   domain.AnswerResult
	Answer   domain.AnswerRecord
	Snapshot domain.Snapshot
}

// SubmitAnswer validates, records and scores an answer. The duplicate check, the durable
// write and the credit happen under the session lock, so a triple is credited at most once.
func (e *Engine) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest, then ...Commit) (resp *SubmitAnswerResponse, err error) {
	defer telemetry.ObserveOp("submit_answer", time.Now())
	defer func() {
		switch {
		case err == nil:
			telemetry.CountAnswer("accepted")
		case errors.ReasonOf(err) != "":
			telemetry.CountAnswer(string(errors.ReasonOf(err)))
		default:
			telemetry.CountAnswer("error")
		}
	}()

	if req.SessionID == "" || req.ParticipantID == "" || req.QuestionID == "" {
		return nil, errors.Reject(errors.ReasonValidation, "session, participant and question ids are required")
	}

	// Quiz content is fetched before locking; a failure only matters once the option is checked.
	options, optErr := e.options.GetQuestionOptions(ctx, req.QuestionID)

	s, err := e.lock(ctx, req.SessionID, false)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	now := e.clock.Now()

	if s.status != domain.StatusInProgress {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "question is not active: session=%s status=%s", s.id, s.status)
	}

	if s.questionID != req.QuestionID {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "invalid question for current session state: question=%s", req.QuestionID)
	}

	if s.questionStart.IsZero() {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "question start time not set: session=%s", s.id)
	}

	elapsed := now.Sub(s.questionStart)
	if elapsed > time.Duration(s.timeLimit)*time.Second {
		return nil, errors.Reject(errors.ReasonTimeExpired, "time is up for this question: elapsed=%s limit=%ds", elapsed, s.timeLimit)
	}

	key := answerKey{participantID: req.ParticipantID, questionID: req.QuestionID}
	if _, ok := s.answered[key]; ok {
		return nil, errors.Reject(errors.ReasonDuplicateAnswer, "already answered: participant=%s question=%s", req.ParticipantID, req.QuestionID)
	}

	p, ok := s.participants[req.ParticipantID]
	if !ok {
		return nil, errors.Reject(errors.ReasonNotFound, "participant not in session: session=%s participant=%s", s.id, req.ParticipantID)
	}

	option, err := findOption(options, optErr, req)
	if err != nil {
		return nil, err
	}

	elapsedMs := int(elapsed.Milliseconds())
	rec := domain.AnswerRecord{
		SessionID:        s.id,
		ParticipantID:    req.ParticipantID,
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
		IsCorrect:        option.IsCorrect,
		ResponseTimeMs:   elapsedMs,
		ScoreEarned:      e.scoring.Score(option.IsCorrect, elapsedMs, s.timeLimit),
		RecordedAt:       now,
	}

	if err := e.recordAnswer(ctx, rec); err != nil {
		if errors.ReasonOf(err) == errors.ReasonDuplicateAnswer {
			s.answered[key] = struct{}{}
		}
		return nil, err
	}

	s.credit(p, key, rec.ScoreEarned, rec.ResponseTimeMs)
	s.lastActivity = now

	snap := s.snapshot(now)
	commit(&snap, then)

	return &SubmitAnswerResponse{
		Result: domain.AnswerResult{
			IsCorrect:      rec.IsCorrect,
			ScoreEarned:    rec.ScoreEarned,
			TotalScore:     p.totalScore,
			ResponseTimeMs: rec.ResponseTimeMs,
		},
		Answer:   rec,
		Snapshot: snap,
	}, nil
}

func (e *Engine) recordAnswer(ctx context.Context, rec domain.AnswerRecord) error {
	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	err := e.answers.RecordAnswer(ctx, rec)
	if err == nil {
		return nil
	}

	if errors.ReasonOf(err) == errors.ReasonDuplicateAnswer {
		return errors.Reject(errors.ReasonDuplicateAnswer, "already answered: participant=%s question=%s", rec.ParticipantID, rec.QuestionID)
	}

	slog.ErrorContext(ctx, "engine: record answer failed",
		"session", rec.SessionID,
		"participant", rec.ParticipantID,
		"question", rec.QuestionID,
		"error", err,
	)
	return errors.New(errors.CodeInternal,
		errors.WithMessagef("record answer failed: session=%s", rec.SessionID),
		errors.WithCause(err),
	)
}

func findOption(options []domain.Option, optErr error, req SubmitAnswerRequest) (domain.Option, error) {
	if optErr != nil && errors.ReasonOf(optErr) != errors.ReasonNotFound {
		return domain.Option{}, errors.New(errors.CodeInternal,
			errors.WithMessagef("load options failed: question=%s", req.QuestionID),
			errors.WithCause(optErr),
		)
	}

	for _, o := range options {
		if o.OptionID == req.SelectedOptionID {
			return o, nil
		}
	}

	return domain.Option{}, errors.Reject(errors.ReasonInvalidOption, "selected option is invalid: question=%s option=%s", req.QuestionID, req.SelectedOptionID)
}

// EndQuestion stops accepting answers. The question id and start time are kept for late snapshots.
func (e *Engine) EndQuestion(ctx context.Context, sessionID string, then ...Commit) (*domain.Snapshot, error) {
	defer telemetry.ObserveOp("end_question", time.Now())

	s, err := e.lock(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.status == domain.StatusCompleted {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "session has already ended: session=%s", sessionID)
	}

	now := e.clock.Now()
	s.status = domain.StatusBetweenQuestions
	s.lastActivity = now

	snap := s.snapshot(now)
	commit(&snap, then)
	return &snap, nil
}

// EndExpiredQuestion ends the current question only if it has been open longer than its
// time limit plus grace. It reports whether the question was ended.
func (e *Engine) EndExpiredQuestion(ctx context.Context, sessionID string, grace time.Duration, then ...Commit) (*domain.Snapshot, bool, error) {
	s, err := e.lock(ctx, sessionID, false)
	if err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()

	now := e.clock.Now()
	if s.status != domain.StatusInProgress || s.questionStart.IsZero() {
		return nil, false, nil
	}
	if now.Sub(s.questionStart) <= time.Duration(s.timeLimit)*time.Second+grace {
		return nil, false, nil
	}

	s.status = domain.StatusBetweenQuestions
	s.lastActivity = now

	snap := s.snapshot(now)
	commit(&snap, then)
	return &snap, true, nil
}

// Complete ends the session for good. Nothing mutates it afterwards.
func (e *Engine) Complete(ctx context.Context, sessionID string, then ...Commit) (*domain.Snapshot, error) {
	defer telemetry.ObserveOp("complete", time.Now())

	s, err := e.lock(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.status == domain.StatusCompleted {
		return nil, errors.Reject(errors.ReasonInvalidTransition, "session has already ended: session=%s", sessionID)
	}

	now := e.clock.Now()
	s.status = domain.StatusCompleted
	s.completedAt = now
	s.lastActivity = now

	snap := s.snapshot(now)
	commit(&snap, then)
	return &snap, nil
}

// Snapshot reads the current state of a session.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	s, err := e.lock(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	snap := s.snapshot(e.clock.Now())
	return &snap, nil
}

// SessionInfo summarizes a live session for housekeeping.
type SessionInfo struct {
	SessionID         string
	Status            domain.Status
	QuestionID        string
	QuestionStartTime time.Time
	TimeLimitSeconds  int
	LastActivity      time.Time
	CompletedAt       time.Time
}

// Sessions lists every session held in memory.
func (e *Engine) Sessions() []SessionInfo {
	var out []SessionInfo
	e.registry.Range(func(s *sessionState) bool {
		s.mu.Lock()
		if !s.retired {
			out = append(out, s.info())
		}
		s.mu.Unlock()
		return true
	})

	return out
}

// Evict drops a session from memory. Durable records are untouched.
func (e *Engine) Evict(sessionID string) bool {
	ok := e.registry.Delete(sessionID)
	telemetry.SetLiveSessions(e.registry.Len())
	return ok
}

// lock returns the live session with its lock held. The caller must unlock it.
func (e *Engine) lock(ctx context.Context, sessionID string, create bool) (*sessionState, error) {
	if sessionID == "" {
		return nil, errors.Reject(errors.ReasonValidation, "session id is required")
	}

	for {
		var s *sessionState
		if create {
			var err error
			s, err = e.registry.GetOrCreate(ctx, sessionID)
			if err != nil {
				return nil, errors.New(errors.CodeInternal,
					errors.WithMessagef("load session failed: session=%s", sessionID),
					errors.WithCause(err),
				)
			}
			telemetry.SetLiveSessions(e.registry.Len())
		} else {
			var ok bool
			if s, ok = e.registry.Get(sessionID); !ok {
				return nil, errors.Reject(errors.ReasonNotFound, "session not active: session=%s", sessionID)
			}
		}

		s.mu.Lock()
		if !s.retired {
			return s, nil
		}
		s.mu.Unlock()
	}
}
