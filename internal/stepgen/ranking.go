package stepgen

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

// Policy controls how much stale history counts.
type Policy struct {
	HalfLife  time.Duration
	MinWeight float64
}

func DefaultPolicy() Policy {
	return Policy{HalfLife: 30 * 24 * time.Hour, MinWeight: 0.1}
}

type Candidate struct {
	Solution models.SolutionEffectiveness
	Score    float64
}

// SuccessRate is the Laplace-smoothed success rate (s+1)/(s+f+2).
func SuccessRate(success, failure int) float64 {
	return float64(success+1) / float64(success+failure+2)
}

// RecencyWeight halves every HalfLife since lastUsed, floored at MinWeight.
// A solution that was never used has full weight.
func RecencyWeight(lastUsed *time.Time, now time.Time, p Policy) float64 {
	if lastUsed == nil || p.HalfLife <= 0 {
		return 1
	}
	age := now.Sub(*lastUsed)
	if age < 0 {
		age = 0
	}
	w := math.Pow(0.5, float64(age)/float64(p.HalfLife))
	return math.Max(p.MinWeight, w)
}

func Score(e models.SolutionEffectiveness, now time.Time, p Policy) float64 {
	return SuccessRate(e.SuccessCount, e.FailureCount) * RecencyWeight(e.LastUsedAt, now, p)
}

// Rank orders rows by score, then lower average resolution time, then
// insertion order.
func Rank(rows []models.SolutionEffectiveness, now time.Time, p Policy) []Candidate {
	out := make([]Candidate, len(rows))
	for i, r := range rows {
		out[i] = Candidate{Solution: r, Score: Score(r, now, p)}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Solution.AvgResolutionTimeMinutes != b.Solution.AvgResolutionTimeMinutes {
			return a.Solution.AvgResolutionTimeMinutes < b.Solution.AvgResolutionTimeMinutes
		}
		return a.Solution.ID < b.Solution.ID
	})
	return out
}

// SolutionKey normalises a description for exclusion checks.
func SolutionKey(description string) string {
	return strings.ToLower(strings.Join(strings.Fields(description), " "))
}

func exclusionSet(excluded []string) map[string]struct{} {
	set := make(map[string]struct{}, len(excluded))
	for _, d := range excluded {
		set[SolutionKey(d)] = struct{}{}
	}
	return set
}
