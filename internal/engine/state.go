package engine

import (
	"sync"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/leaderboard"
)

// Clock abstracts wall-clock time so question timing can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type answerKey struct {
	participantID string
	questionID    string
}

type participant struct {
	id         string
	name       string
	totalScore int
	avgMs      *int
}

// sessionState is the authoritative in-memory record of one live session.
// Every field is guarded by mu.
type sessionState struct {
	mu sync.Mutex

	id            string
	status        domain.Status
	questionIndex int
	questionID    string
	questionStart time.Time
	timeLimit     int

	participants map[string]*participant
	order        []string
	answered     map[answerKey]struct{}

	lastActivity time.Time
	completedAt  time.Time

	// retired is set once the registry no longer points at this instance.
	retired bool
}

func newSessionState(id string, timeLimitSeconds int, now time.Time) *sessionState {
	if timeLimitSeconds <= 0 {
		timeLimitSeconds = domain.DefaultTimeLimitSeconds
	}

	return &sessionState{
		id:            id,
		status:        domain.StatusLobby,
		questionIndex: domain.NoQuestionIndex,
		timeLimit:     timeLimitSeconds,
		participants:  make(map[string]*participant),
		answered:      make(map[answerKey]struct{}),
		lastActivity:  now,
	}
}

// addParticipant registers a participant unless already present, and returns the entry.
func (s *sessionState) addParticipant(id, name string) *participant {
	if p, ok := s.participants[id]; ok {
		return p
	}

	p := &participant{id: id, name: name}
	s.participants[id] = p
	s.order = append(s.order, id)
	return p
}

// credit applies an accepted answer. The response time average is a two-point
// smoothing, (old+new)/2, and only moves for positive response times.
func (s *sessionState) credit(p *participant, key answerKey, score, responseTimeMs int) {
	s.answered[key] = struct{}{}
	p.totalScore += score

	if responseTimeMs <= 0 {
		return
	}

	if p.avgMs == nil {
		avg := responseTimeMs
		p.avgMs = &avg
		return
	}

	avg := (*p.avgMs + responseTimeMs) / 2
	p.avgMs = &avg
}

func (s *sessionState) restore(rec *domain.Recovery) {
	if rec.Status == domain.StatusCompleted {
		s.status = domain.StatusCompleted
	}

	for _, p := range rec.Participants {
		s.addParticipant(p.ParticipantID, p.DisplayName)
	}

	for _, a := range rec.Answers {
		key := answerKey{participantID: a.ParticipantID, questionID: a.QuestionID}
		if _, ok := s.answered[key]; ok {
			continue
		}

		p := s.addParticipant(a.ParticipantID, a.ParticipantID)
		s.credit(p, key, a.ScoreEarned, a.ResponseTimeMs)
	}
}

func (s *sessionState) participantView(p *participant) domain.Participant {
	v := domain.Participant{
		ParticipantID: p.id,
		DisplayName:   p.name,
		TotalScore:    p.totalScore,
	}

	if p.avgMs != nil {
		avg := *p.avgMs
		v.AverageResponseTimeMs = &avg
	}

	return v
}

func (s *sessionState) snapshot(now time.Time) domain.Snapshot {
	participants := make([]domain.Participant, 0, len(s.order))
	for _, id := range s.order {
		participants = append(participants, s.participantView(s.participants[id]))
	}

	snap := domain.Snapshot{
		SessionID:            s.id,
		Status:               s.status,
		CurrentQuestionIndex: s.questionIndex,
		CurrentQuestionID:    s.questionID,
		TimeLimitSeconds:     s.timeLimit,
		Participants:         participants,
		Leaderboard:          leaderboard.Rank(participants),
		ServerTime:           now,
	}

	if !s.questionStart.IsZero() {
		start := s.questionStart
		snap.QuestionStartTime = &start
	}

	return snap
}

func (s *sessionState) info() SessionInfo {
	return SessionInfo{
		SessionID:         s.id,
		Status:            s.status,
		QuestionID:        s.questionID,
		QuestionStartTime: s.questionStart,
		TimeLimitSeconds:  s.timeLimit,
		LastActivity:      s.lastActivity,
		CompletedAt:       s.completedAt,
	}
}
