package live

import (
	"context"
	"fmt"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

type AnswerLister interface {
	ListAnswers(ctx context.Context, sessionID string) ([]domain.AnswerRecord, error)
}

type ParticipantLister interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
}

// Recoverer rebuilds a live session from its durable participants and answers,
// for a process that restarted or never owned the session.
type Recoverer struct {
	sessions ParticipantLister
	answers  AnswerLister
}

func NewRecoverer(sessions ParticipantLister, answers AnswerLister) *Recoverer {
	return &Recoverer{
		sessions: sessions,
		answers:  answers,
	}
}

// Recover returns nil, nil for a session the durable store does not know.
func (r *Recoverer) Recover(ctx context.Context, sessionID string) (*domain.Recovery, error) {
	ss, err := r.sessions.GetSession(ctx, sessionID)
	if errors.ReasonOf(err) == errors.ReasonNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	participants, err := r.sessions.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	answers, err := r.answers.ListAnswers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	return &domain.Recovery{
		Status:       ss.Status,
		Participants: participants,
		Answers:      answers,
	}, nil
}
