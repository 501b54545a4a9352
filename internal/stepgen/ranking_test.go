package stepgen

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

var rankNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(d float64) *time.Time {
	t := rankNow.Add(-time.Duration(d * float64(24*time.Hour)))
	return &t
}

func TestSuccessRate(t *testing.T) {
	assert.InDelta(t, 0.5, SuccessRate(0, 0), 1e-12)
	assert.InDelta(t, 0.75, SuccessRate(2, 0), 1e-12)
	assert.InDelta(t, 0.25, SuccessRate(0, 2), 1e-12)
	assert.InDelta(t, 4.0/7.0, SuccessRate(3, 2), 1e-12)
}

func TestRecencyWeight(t *testing.T) {
	p := Policy{HalfLife: 30 * 24 * time.Hour, MinWeight: 0.1}

	assert.Equal(t, 1.0, RecencyWeight(nil, rankNow, p))
	assert.InDelta(t, 1.0, RecencyWeight(daysAgo(0), rankNow, p), 1e-12)
	assert.InDelta(t, 0.5, RecencyWeight(daysAgo(30), rankNow, p), 1e-9)
	assert.InDelta(t, 0.25, RecencyWeight(daysAgo(60), rankNow, p), 1e-9)
	assert.InDelta(t, 0.1, RecencyWeight(daysAgo(3650), rankNow, p), 1e-12)

	future := rankNow.Add(time.Hour)
	assert.InDelta(t, 1.0, RecencyWeight(&future, rankNow, p), 1e-12)
}

func TestRankOrdersByScoreThenTimeThenInsertion(t *testing.T) {
	p := DefaultPolicy()
	rows := []models.SolutionEffectiveness{
		{ID: 1, SolutionDescription: "old success", SuccessCount: 9, LastUsedAt: daysAgo(120)},
		{ID: 2, SolutionDescription: "slow tie", SuccessCount: 1, AvgResolutionTimeMinutes: 30, LastUsedAt: daysAgo(0)},
		{ID: 3, SolutionDescription: "fast tie", SuccessCount: 1, AvgResolutionTimeMinutes: 10, LastUsedAt: daysAgo(0)},
		{ID: 4, SolutionDescription: "fresh", SuccessCount: 3},
		{ID: 5, SolutionDescription: "late twin", SuccessCount: 1, AvgResolutionTimeMinutes: 10, LastUsedAt: daysAgo(0)},
		{ID: 6, SolutionDescription: "failing", FailureCount: 4},
	}

	ranked := Rank(rows, rankNow, p)
	var order []int64
	for _, c := range ranked {
		order = append(order, c.Solution.ID)
	}
	// Old successes decay to the minimum weight and fall below a failing row.
	assert.Equal(t, []int64{4, 3, 5, 2, 6, 1}, order)
	assert.InDelta(t, 0.8, ranked[0].Score, 1e-12)
}

func TestRankIsDeterministicUnderShuffle(t *testing.T) {
	rows := make([]models.SolutionEffectiveness, 0, 20)
	for i := 1; i <= 20; i++ {
		rows = append(rows, models.SolutionEffectiveness{
			ID:                       int64(i),
			SuccessCount:             i % 3,
			FailureCount:             i % 2,
			AvgResolutionTimeMinutes: float64(i % 4),
		})
	}
	want := Rank(rows, rankNow, DefaultPolicy())

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]models.SolutionEffectiveness(nil), rows...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Rank(shuffled, rankNow, DefaultPolicy())
		require.Equal(t, want, got)
	}
}

func TestSolutionKey(t *testing.T) {
	assert.Equal(t, "check the filter", SolutionKey("  Check  the\tFilter "))
}
