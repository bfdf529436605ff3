package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
)

const defaultTTL = 6 * time.Hour

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// TTL bounds how long a mirrored leaderboard outlives its last update.
	TTL time.Duration
}

// Service mirrors the latest ranked leaderboard of every live session into Redis,
// so processes that do not own a session can still serve it.
type Service struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return s.UpdateLeaderboard(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the last mirrored leaderboard of a session, in rank order.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	ids, err := s.redis.ZRange(ctx, s.getRankKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard ranks: %w", err)
	}

	if len(ids) == 0 {
		return nil, errors.Reject(errors.ReasonNotFound, "leaderboard not found: session=%s", req.SessionID)
	}

	raw, err := s.redis.HMGet(ctx, s.getEntryKey(req.SessionID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard entries: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("leaderboard entry missing: session=%s participant=%s", req.SessionID, ids[i])
		}

		var e domain.LeaderboardEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("decode leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard replaces the mirrored leaderboard of the session.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard
	rankKey, entryKey := s.getRankKey(l.SessionID), s.getEntryKey(l.SessionID)

	ranks := make([]redis.Z, 0, len(l.Entries))
	fields := make([]any, 0, 2*len(l.Entries))
	for _, entry := range l.Entries {
		b, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode leaderboard entry: %w", err)
		}

		ranks = append(ranks, redis.Z{Score: float64(entry.Rank), Member: entry.ParticipantID})
		fields = append(fields, entry.ParticipantID, b)
	}

	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, rankKey, entryKey)
		if len(ranks) == 0 {
			return nil
		}

		p.ZAdd(ctx, rankKey, ranks...)
		p.HSet(ctx, entryKey, fields...)
		p.Expire(ctx, rankKey, s.ttl)
		p.Expire(ctx, entryKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return nil
}

func (s *Service) getRankKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getEntryKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard:entries", s.prefix, session)
}
