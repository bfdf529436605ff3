// Package janitor keeps the set of live sessions bounded: it evicts finished or idle
// sessions from memory and can close questions nobody ended in time.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/engine"
)

const (
	defaultInterval     = 30 * time.Second
	defaultCompletedTTL = 10 * time.Minute
	defaultIdleTTL      = 2 * time.Hour
	defaultGrace        = 2 * time.Second
)

type Sessions interface {
	Sessions() []engine.SessionInfo
	Evict(sessionID string) bool
}

type QuestionCloser interface {
	EndExpiredQuestion(ctx context.Context, sessionID string, grace time.Duration) (bool, error)
}

type Config struct {
	Sessions Sessions
	// Closer is only used when AutoEndQuestions is set.
	Closer QuestionCloser
	Clock  engine.Clock

	Interval         time.Duration
	CompletedTTL     time.Duration
	IdleTTL          time.Duration
	AutoEndQuestions bool
	Grace            time.Duration

	// Ticks replaces the interval ticker, for tests.
	Ticks <-chan time.Time
}

type Janitor struct {
	sessions Sessions
	closer   QuestionCloser
	clock    engine.Clock

	interval     time.Duration
	completedTTL time.Duration
	idleTTL      time.Duration
	autoEnd      bool
	grace        time.Duration
	ticks        <-chan time.Time
}

func New(c Config) *Janitor {
	j := &Janitor{
		sessions:     c.Sessions,
		closer:       c.Closer,
		clock:        c.Clock,
		interval:     c.Interval,
		completedTTL: c.CompletedTTL,
		idleTTL:      c.IdleTTL,
		autoEnd:      c.AutoEndQuestions && c.Closer != nil,
		grace:        c.Grace,
		ticks:        c.Ticks,
	}

	if j.clock == nil {
		j.clock = wallClock{}
	}
	if j.interval <= 0 {
		j.interval = defaultInterval
	}
	if j.completedTTL <= 0 {
		j.completedTTL = defaultCompletedTTL
	}
	if j.idleTTL <= 0 {
		j.idleTTL = defaultIdleTTL
	}
	if j.grace <= 0 {
		j.grace = defaultGrace
	}

	return j
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticks := j.ticks
	if ticks == nil {
		t := time.NewTicker(j.interval)
		defer t.Stop()
		ticks = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			j.Sweep(ctx)
		}
	}
}

type SweepResult struct {
	Evicted []string
	Ended   []string
}

// Sweep runs one housekeeping pass.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := j.clock.Now()

	for _, s := range j.sessions.Sessions() {
		switch {
		case s.Status == domain.StatusCompleted && now.Sub(s.CompletedAt) > j.completedTTL,
			s.Status != domain.StatusCompleted && now.Sub(s.LastActivity) > j.idleTTL:
			if j.sessions.Evict(s.SessionID) {
				res.Evicted = append(res.Evicted, s.SessionID)
			}

		case j.autoEnd && s.Status == domain.StatusInProgress && j.expired(s, now):
			ended, err := j.closer.EndExpiredQuestion(ctx, s.SessionID, j.grace)
			if err != nil {
				slog.WarnContext(ctx, "janitor: end expired question failed", "session", s.SessionID, "error", err)
				continue
			}
			if ended {
				res.Ended = append(res.Ended, s.SessionID)
			}
		}
	}

	if len(res.Evicted) > 0 || len(res.Ended) > 0 {
		slog.InfoContext(ctx, "janitor: sweep", "evicted", len(res.Evicted), "ended", len(res.Ended))
	}

	return res
}

func (j *Janitor) expired(s engine.SessionInfo, now time.Time) bool {
	if s.QuestionStartTime.IsZero() {
		return false
	}

	return now.Sub(s.QuestionStartTime) > time.Duration(s.TimeLimitSeconds)*time.Second+j.grace
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
