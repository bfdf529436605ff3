package scoring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/livequiz/internal/scoring"
)

func TestPolicy_Score(t *testing.T) {
	tests := map[string]struct {
		isCorrect bool
		elapsedMs int
		limit     int
		want      int
	}{
		"instant correct answer earns the full bonus":     {isCorrect: true, elapsedMs: 0, limit: 30, want: 1000},
		"correct answer at the deadline earns base only":  {isCorrect: true, elapsedMs: 30000, limit: 30, want: 500},
		"bonus is floored":                                {isCorrect: true, elapsedMs: 2000, limit: 30, want: 966},
		"exact fractions are not lost to float rounding":  {isCorrect: true, elapsedMs: 9000, limit: 30, want: 850},
		"elapsed past the limit clamps the bonus to zero": {isCorrect: true, elapsedMs: 45000, limit: 30, want: 500},
		"negative elapsed clamps the bonus to the max":    {isCorrect: true, elapsedMs: -5, limit: 30, want: 1000},
		"non-positive limit falls back to 30 seconds":     {isCorrect: true, elapsedMs: 15000, limit: 0, want: 750},
		"incorrect answer earns nothing":                  {isCorrect: false, elapsedMs: 0, limit: 30, want: 0},
		"late incorrect answer earns nothing":             {isCorrect: false, elapsedMs: 99999, limit: 30, want: 0},
		"short limit":                                     {isCorrect: true, elapsedMs: 1, limit: 5, want: 999},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := scoring.Default().Score(tt.isCorrect, tt.elapsedMs, tt.limit)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy_ScoreIsMonotonicInElapsed(t *testing.T) {
	p := scoring.Default()

	prev := p.Score(true, 0, 20)
	for ms := 1; ms <= 20000; ms += 7 {
		got := p.Score(true, ms, 20)
		assert.LessOrEqual(t, got, prev, "elapsed=%d", ms)
		assert.GreaterOrEqual(t, got, scoring.DefaultBase)
		prev = got
	}
}

func TestPolicy_CustomWeights(t *testing.T) {
	p := scoring.Policy{Base: 100, Bonus: 900}

	assert.Equal(t, 1000, p.Score(true, 0, 10))
	assert.Equal(t, 550, p.Score(true, 5000, 10))
	assert.Equal(t, 100, p.Score(true, 10000, 10))
}
