package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/realtime"
)

type QuestionStarted struct {
	State    domain.Snapshot     `json:"state"`
	Question domain.QuestionView `json:"question"`
}

// subscribe forwards the group events of every session to its Redis channel, where the
// realtime hubs of all processes pick them up.
func (a *API) subscribe(eb *event.Bus) {
	eb.Subscribe(domain.EventNameParticipantJoined, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventParticipantJoined)
		// The joiner already has the full state from its own join reply.
		return a.publishEnvelope(ctx, ev.SessionID, realtime.Envelope{
			Event:  ev.Name(),
			Data:   ev.Participant,
			Except: ev.Participant.ParticipantID,
		})
	})

	eb.Subscribe(domain.EventNameQuestionStarted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventQuestionStarted)
		return a.publishNotification(ctx, ev.Snapshot.SessionID, ev.Name(), QuestionStarted{
			State:    ev.Snapshot,
			Question: ev.Question,
		})
	})

	eb.Subscribe(domain.EventNameQuestionEnded, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventQuestionEnded)
		return a.publishNotification(ctx, ev.Snapshot.SessionID, ev.Name(), ev.Snapshot)
	})

	eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventLeaderboardUpdated)
		return a.publishNotification(ctx, ev.Leaderboard.SessionID, ev.Name(), ev.Leaderboard)
	})

	eb.Subscribe(domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventSessionCompleted)
		return a.publishNotification(ctx, ev.Snapshot.SessionID, ev.Name(), ev.Snapshot)
	})
}

func (a *API) publishNotification(ctx context.Context, sessionID, event string, data any) error {
	return a.publishEnvelope(ctx, sessionID, realtime.Envelope{Event: event, Data: data})
}

func (a *API) publishEnvelope(ctx context.Context, sessionID string, env realtime.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", env.Event, err)
	}

	return a.redis.Publish(ctx, realtime.Channel(a.prefix, sessionID), b).Err()
}
