package leaderboard

import (
	"slices"

	"github.com/victornm/livequiz/internal/domain"
)

// Rank orders participants by total score (descending), then by average response time
// (ascending, participants without an average last). Remaining ties keep input order.
// Every position gets its own rank, starting at 1.
func Rank(participants []domain.Participant) []domain.LeaderboardEntry {
	sorted := slices.Clone(participants)
	slices.SortStableFunc(sorted, compare)

	entries := make([]domain.LeaderboardEntry, 0, len(sorted))
	for i, p := range sorted {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID:         p.ParticipantID,
			DisplayName:           p.DisplayName,
			TotalScore:            p.TotalScore,
			AverageResponseTimeMs: copyInt(p.AverageResponseTimeMs),
			Rank:                  i + 1,
		})
	}

	return entries
}

func compare(a, b domain.Participant) int {
	if a.TotalScore != b.TotalScore {
		if a.TotalScore > b.TotalScore {
			return -1
		}
		return 1
	}

	switch {
	case a.AverageResponseTimeMs == nil && b.AverageResponseTimeMs == nil:
		return 0
	case a.AverageResponseTimeMs == nil:
		return 1
	case b.AverageResponseTimeMs == nil:
		return -1
	}

	return *a.AverageResponseTimeMs - *b.AverageResponseTimeMs
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}

	c := *v
	return &c
}
