package live

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/engine"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSessions struct {
	mu           sync.Mutex
	sessions     map[string]*domain.Session
	participants map[string][]domain.Participant
	seq          int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions:     make(map[string]*domain.Session),
		participants: make(map[string][]domain.Participant),
	}
}

func (f *fakeSessions) CreateSession(_ context.Context, req session.CreateSessionRequest) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	ss := &domain.Session{
		SessionID:   fmt.Sprintf("s%d", f.seq),
		SessionCode: fmt.Sprintf("%06d", 100000+f.seq),
		QuizID:      req.QuizID,
		HostID:      req.HostID,
		Status:      domain.StatusLobby,
	}
	f.sessions[ss.SessionID] = ss

	cp := *ss
	return &cp, nil
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ss, ok := f.sessions[id]
	if !ok {
		return nil, errors.Reject(errors.ReasonNotFound, "session not found: %s", id)
	}

	cp := *ss
	return &cp, nil
}

func (f *fakeSessions) GetSessionByCode(_ context.Context, code string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ss := range f.sessions {
		if ss.SessionCode == code {
			cp := *ss
			return &cp, nil
		}
	}

	return nil, errors.Reject(errors.ReasonNotFound, "session not found: %s", code)
}

func (f *fakeSessions) setStatus(id string, st domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].Status = st
}

func (f *fakeSessions) status(id string) domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Status
}

func (f *fakeSessions) MarkStarted(_ context.Context, id string) error {
	f.setStatus(id, domain.StatusInProgress)
	return nil
}

func (f *fakeSessions) MarkCompleted(_ context.Context, id string) error {
	f.setStatus(id, domain.StatusCompleted)
	return nil
}

func (f *fakeSessions) AddParticipant(_ context.Context, sessionID, name string) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	p := domain.Participant{ParticipantID: fmt.Sprintf("p%d", f.seq), DisplayName: name}
	f.participants[sessionID] = append(f.participants[sessionID], p)
	return &p, nil
}

func (f *fakeSessions) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Participant(nil), f.participants[sessionID]...), nil
}

// fakeQuizzes serves quiz "quiz" with questions q1 (30s) and q2 (10s); correct options end in "-right".
type fakeQuizzes struct{}

func (fakeQuizzes) ListQuestions(_ context.Context, quizID string) ([]domain.Question, error) {
	if quizID != "quiz" {
		return nil, errors.Reject(errors.ReasonNotFound, "quiz not found: %s", quizID)
	}

	mk := func(id string, idx, limit int) domain.Question {
		return domain.Question{
			QuestionID:       id,
			QuizID:           quizID,
			QuestionText:     "text of " + id,
			TimeLimitSeconds: limit,
			OrderIndex:       idx,
			Options: []domain.Option{
				{OptionID: id + "-right", OptionText: "right", IsCorrect: true},
				{OptionID: id + "-wrong", OptionText: "wrong"},
			},
		}
	}

	return []domain.Question{mk("q1", 0, 30), mk("q2", 1, 10)}, nil
}

func (q fakeQuizzes) GetQuestionOptions(ctx context.Context, questionID string) ([]domain.Option, error) {
	questions, _ := q.ListQuestions(ctx, "quiz")
	for _, qq := range questions {
		if qq.QuestionID == questionID {
			return qq.Options, nil
		}
	}
	return nil, errors.Reject(errors.ReasonNotFound, "question not found: %s", questionID)
}

type memAnswers struct {
	mu      sync.Mutex
	answers []domain.AnswerRecord
}

func (m *memAnswers) RecordAnswer(_ context.Context, a domain.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, x := range m.answers {
		if x.SessionID == a.SessionID && x.ParticipantID == a.ParticipantID && x.QuestionID == a.QuestionID {
			return errors.Reject(errors.ReasonDuplicateAnswer, "duplicate")
		}
	}
	m.answers = append(m.answers, a)
	return nil
}

func (m *memAnswers) ListAnswers(_ context.Context, sessionID string) ([]domain.AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.AnswerRecord
	for _, a := range m.answers {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) names(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, e := range r.events {
		if k, ok := e.(event.Keyed); ok && k.Key() == sessionID {
			out = append(out, e.Name())
		}
	}
	return out
}

func (r *recorder) last(name string) event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name() == name {
			return r.events[i]
		}
	}
	return nil
}

type fixture struct {
	svc      *Service
	bus      *event.Bus
	clock    *fakeClock
	sessions *fakeSessions
	answers  *memAnswers
	events   *recorder
}

func makeService(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		bus:      event.NewBus(),
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		sessions: newFakeSessions(),
		answers:  &memAnswers{},
		events:   &recorder{},
	}
	t.Cleanup(f.bus.Stop)

	for _, name := range []string{
		domain.EventNameParticipantJoined,
		domain.EventNameQuestionStarted,
		domain.EventNameQuestionEnded,
		domain.EventNameLeaderboardUpdated,
		domain.EventNameAnswerRecorded,
		domain.EventNameSessionCompleted,
	} {
		f.bus.Subscribe(name, func(_ context.Context, e event.Event) error {
			f.events.mu.Lock()
			defer f.events.mu.Unlock()
			f.events.events = append(f.events.events, e)
			return nil
		})
	}

	eng := engine.New(engine.Config{
		Answers:   f.answers,
		Options:   fakeQuizzes{},
		Recoverer: NewRecoverer(f.sessions, f.answers),
		Clock:     f.clock,
	})

	f.svc = NewService(Config{
		EventBus: f.bus,
		Engine:   eng,
		Sessions: f.sessions,
		Quizzes:  fakeQuizzes{},
	})

	return f
}

func (f *fixture) create(t *testing.T) *CreateSessionResponse {
	t.Helper()

	resp, err := f.svc.CreateSession(context.Background(), CreateSessionRequest{QuizID: "quiz", HostID: "host"})
	require.NoError(t, err)
	return resp
}

func TestService_CreateSession(t *testing.T) {
	t.Parallel()

	f := makeService(t)

	resp := f.create(t)
	assert.Equal(t, "s1", resp.Session.SessionID)
	assert.Len(t, resp.Session.SessionCode, 6)
	assert.Equal(t, domain.StatusLobby, resp.State.Status)
	assert.Equal(t, domain.NoQuestionIndex, resp.State.CurrentQuestionIndex)
	assert.Equal(t, 30, resp.State.TimeLimitSeconds)

	_, err := f.svc.CreateSession(context.Background(), CreateSessionRequest{QuizID: "nope", HostID: "host"})
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
}

func TestService_JoinSession(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture, code string) JoinSessionRequest
		reason  errors.Reason
		name    string
	}{
		"joins with display name": {
			arrange: func(_ *testing.T, _ *fixture, code string) JoinSessionRequest {
				return JoinSessionRequest{SessionCode: " " + code + " ", DisplayName: " Ann "}
			},
			name: "Ann",
		},
		"blank name becomes anonymous": {
			arrange: func(_ *testing.T, _ *fixture, code string) JoinSessionRequest {
				return JoinSessionRequest{SessionCode: code, DisplayName: "  "}
			},
			name: "Anonymous",
		},
		"blank code": {
			arrange: func(_ *testing.T, _ *fixture, _ string) JoinSessionRequest {
				return JoinSessionRequest{SessionCode: " ", DisplayName: "Ann"}
			},
			reason: errors.ReasonValidation,
		},
		"unknown code": {
			arrange: func(_ *testing.T, _ *fixture, _ string) JoinSessionRequest {
				return JoinSessionRequest{SessionCode: "999999", DisplayName: "Ann"}
			},
			reason: errors.ReasonNotFound,
		},
		"completed session": {
			arrange: func(t *testing.T, f *fixture, code string) JoinSessionRequest {
				_, err := f.svc.EndSession(context.Background(), "s1")
				require.NoError(t, err)
				return JoinSessionRequest{SessionCode: code, DisplayName: "Ann"}
			},
			reason: errors.ReasonInvalidTransition,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := makeService(t)
			created := f.create(t)

			resp, err := f.svc.JoinSession(context.Background(), tt.arrange(t, f, created.Session.SessionCode))
			if tt.reason != "" {
				require.Error(t, err)
				assert.Equal(t, tt.reason, errors.ReasonOf(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "s1", resp.SessionID)
			assert.Equal(t, tt.name, resp.Participant.DisplayName)
			require.Len(t, resp.Snapshot.Participants, 1)
			assert.Equal(t, resp.Participant.ParticipantID, resp.Snapshot.Participants[0].ParticipantID)

			f.bus.Wait()
			joined, ok := f.events.last(domain.EventNameParticipantJoined).(domain.EventParticipantJoined)
			require.True(t, ok)
			assert.Equal(t, "s1", joined.SessionID)
			assert.Equal(t, tt.name, joined.Participant.DisplayName)
		})
	}
}

func TestService_StartQuestion(t *testing.T) {
	t.Parallel()

	f := makeService(t)
	f.create(t)
	ctx := context.Background()

	_, err := f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: 2})
	assert.Equal(t, errors.ReasonValidation, errors.ReasonOf(err))
	_, err = f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: -1})
	assert.Equal(t, errors.ReasonValidation, errors.ReasonOf(err))
	_, err = f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "nope", QuestionIndex: 0})
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))
	assert.Equal(t, domain.StatusLobby, f.sessions.status("s1"))

	resp, err := f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, resp.Snapshot.Status)
	assert.Equal(t, 1, resp.Snapshot.CurrentQuestionIndex)
	assert.Equal(t, "q2", resp.Snapshot.CurrentQuestionID)
	assert.Equal(t, 10, resp.Snapshot.TimeLimitSeconds)
	assert.Equal(t, "text of q2", resp.Question.QuestionText)
	assert.Equal(t, []domain.OptionView{
		{OptionID: "q2-right", OptionText: "right"},
		{OptionID: "q2-wrong", OptionText: "wrong"},
	}, resp.Question.Options)
	assert.Equal(t, domain.StatusInProgress, f.sessions.status("s1"))

	f.bus.Wait()
	started, ok := f.events.last(domain.EventNameQuestionStarted).(domain.EventQuestionStarted)
	require.True(t, ok)
	assert.Equal(t, "q2", started.Snapshot.CurrentQuestionID)
	assert.Equal(t, "q2", started.Question.QuestionID)
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	f := makeService(t)
	created := f.create(t)
	ctx := context.Background()
	code := created.Session.SessionCode

	ann, err := f.svc.JoinSession(ctx, JoinSessionRequest{SessionCode: code, DisplayName: "Ann"})
	require.NoError(t, err)
	bo, err := f.svc.JoinSession(ctx, JoinSessionRequest{SessionCode: code, DisplayName: "Bo"})
	require.NoError(t, err)
	assert.Len(t, bo.Snapshot.Participants, 2)

	_, err = f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: 0})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	res, err := f.svc.SubmitAnswer(ctx, SubmitAnswerRequest{
		SessionID:        "s1",
		ParticipantID:    bo.Participant.ParticipantID,
		QuestionID:       "q1",
		SelectedOptionID: "q1-right",
	})
	require.NoError(t, err)
	assert.True(t, res.IsCorrect)
	assert.Equal(t, 966, res.ScoreEarned)
	assert.Equal(t, 966, res.TotalScore)

	_, err = f.svc.SubmitAnswer(ctx, SubmitAnswerRequest{
		SessionID:        "s1",
		ParticipantID:    bo.Participant.ParticipantID,
		QuestionID:       "q1",
		SelectedOptionID: "q1-wrong",
	})
	assert.Equal(t, errors.ReasonDuplicateAnswer, errors.ReasonOf(err))

	ended, err := f.svc.EndQuestion(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBetweenQuestions, ended.Status)

	final, err := f.svc.EndSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	require.Len(t, final.Leaderboard, 2)
	assert.Equal(t, bo.Participant.ParticipantID, final.Leaderboard[0].ParticipantID)
	assert.Equal(t, ann.Participant.ParticipantID, final.Leaderboard[1].ParticipantID)
	assert.Equal(t, domain.StatusCompleted, f.sessions.status("s1"))

	_, err = f.svc.EndSession(ctx, "s1")
	assert.Equal(t, errors.ReasonInvalidTransition, errors.ReasonOf(err))

	state, err := f.svc.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, final.Leaderboard, state.Leaderboard)

	f.bus.Wait()
	assert.Equal(t, []string{
		domain.EventNameParticipantJoined,
		domain.EventNameParticipantJoined,
		domain.EventNameQuestionStarted,
		domain.EventNameLeaderboardUpdated,
		domain.EventNameAnswerRecorded,
		domain.EventNameQuestionEnded,
		domain.EventNameLeaderboardUpdated,
		domain.EventNameSessionCompleted,
		domain.EventNameLeaderboardUpdated,
	}, f.events.names("s1"))

	recorded, ok := f.events.last(domain.EventNameAnswerRecorded).(domain.EventAnswerRecorded)
	require.True(t, ok)
	assert.Equal(t, 966, recorded.Answer.ScoreEarned)
	assert.Equal(t, 2000, recorded.Answer.ResponseTimeMs)
}

func TestService_StartQuestion_Completed(t *testing.T) {
	t.Parallel()

	f := makeService(t)
	f.create(t)

	_, err := f.svc.EndSession(context.Background(), "s1")
	require.NoError(t, err)

	_, err = f.svc.StartQuestion(context.Background(), StartQuestionRequest{SessionID: "s1", QuestionIndex: 0})
	assert.Equal(t, errors.ReasonInvalidTransition, errors.ReasonOf(err))
}

func TestRecoverer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sessions := newFakeSessions()
	answers := &memAnswers{}

	ss, err := sessions.CreateSession(ctx, session.CreateSessionRequest{QuizID: "quiz", HostID: "host"})
	require.NoError(t, err)
	p, err := sessions.AddParticipant(ctx, ss.SessionID, "Ann")
	require.NoError(t, err)
	require.NoError(t, answers.RecordAnswer(ctx, domain.AnswerRecord{
		SessionID: ss.SessionID, ParticipantID: p.ParticipantID, QuestionID: "q1", ScoreEarned: 700, ResponseTimeMs: 4000,
	}))

	r := NewRecoverer(sessions, answers)

	rec, err := r.Recover(ctx, ss.SessionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusLobby, rec.Status)
	assert.Equal(t, []domain.Participant{*p}, rec.Participants)
	require.Len(t, rec.Answers, 1)
	assert.Equal(t, 700, rec.Answers[0].ScoreEarned)

	rec, err = r.Recover(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestService_RecoversAfterRestart(t *testing.T) {
	t.Parallel()

	f := makeService(t)
	created := f.create(t)
	ctx := context.Background()

	ann, err := f.svc.JoinSession(ctx, JoinSessionRequest{SessionCode: created.Session.SessionCode, DisplayName: "Ann"})
	require.NoError(t, err)
	_, err = f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: 0})
	require.NoError(t, err)
	_, err = f.svc.SubmitAnswer(ctx, SubmitAnswerRequest{
		SessionID: "s1", ParticipantID: ann.Participant.ParticipantID, QuestionID: "q1", SelectedOptionID: "q1-right",
	})
	require.NoError(t, err)

	// A fresh engine over the same durable data stands in for a restarted process.
	restarted := NewService(Config{
		EventBus: f.bus,
		Engine: engine.New(engine.Config{
			Answers:   f.answers,
			Options:   fakeQuizzes{},
			Recoverer: NewRecoverer(f.sessions, f.answers),
			Clock:     f.clock,
		}),
		Sessions: f.sessions,
		Quizzes:  fakeQuizzes{},
	})

	resp, err := restarted.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: 0})
	require.NoError(t, err)
	require.Len(t, resp.Snapshot.Participants, 1)
	assert.Equal(t, 1000, resp.Snapshot.Participants[0].TotalScore)

	_, err = restarted.SubmitAnswer(ctx, SubmitAnswerRequest{
		SessionID: "s1", ParticipantID: ann.Participant.ParticipantID, QuestionID: "q1", SelectedOptionID: "q1-right",
	})
	assert.Equal(t, errors.ReasonDuplicateAnswer, errors.ReasonOf(err))
}

func TestService_EndExpiredQuestion(t *testing.T) {
	t.Parallel()

	f := makeService(t)
	f.create(t)
	ctx := context.Background()

	_, err := f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: 1})
	require.NoError(t, err)

	f.clock.Advance(11 * time.Second)
	ended, err := f.svc.EndExpiredQuestion(ctx, "s1", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ended, "still within the grace period")

	f.clock.Advance(2 * time.Second)
	ended, err = f.svc.EndExpiredQuestion(ctx, "s1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ended)

	state, err := f.svc.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBetweenQuestions, state.Status)
	assert.Equal(t, "q2", state.CurrentQuestionID)

	_, err = f.svc.EndExpiredQuestion(ctx, "missing", time.Second)
	assert.Equal(t, errors.ReasonNotFound, errors.ReasonOf(err))

	f.bus.Wait()
	assert.Equal(t, []string{
		domain.EventNameQuestionStarted,
		domain.EventNameQuestionEnded,
		domain.EventNameLeaderboardUpdated,
	}, f.events.names("s1"))
}

func TestService_LastLeaderboardMatchesState(t *testing.T) {
	t.Parallel()

	const (
		rounds       = 20
		participants = 64
	)

	for round := range rounds {
		f := makeService(t)
		created := f.create(t)
		ctx := context.Background()

		var ids []string
		for i := range participants {
			j, err := f.svc.JoinSession(ctx, JoinSessionRequest{SessionCode: created.Session.SessionCode, DisplayName: fmt.Sprintf("p%d", i)})
			require.NoError(t, err)
			ids = append(ids, j.Participant.ParticipantID)
		}

		_, err := f.svc.StartQuestion(ctx, StartQuestionRequest{SessionID: "s1", QuestionIndex: 0})
		require.NoError(t, err)
		f.clock.Advance(time.Second)

		var wg sync.WaitGroup
		for i, id := range ids {
			option := "q1-right"
			if i%3 == 0 {
				option = "q1-wrong"
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.SubmitAnswer(ctx, SubmitAnswerRequest{
					SessionID:        "s1",
					ParticipantID:    id,
					QuestionID:       "q1",
					SelectedOptionID: option,
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		f.bus.Wait()

		state, err := f.svc.State(ctx, "s1")
		require.NoError(t, err)

		last, ok := f.events.last(domain.EventNameLeaderboardUpdated).(domain.EventLeaderboardUpdated)
		require.True(t, ok)
		require.Equal(t, state.Leaderboard, last.Leaderboard.Entries, "round %d", round)
	}
}
