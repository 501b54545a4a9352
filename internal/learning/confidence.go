package learning

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

const (
	NewFactConfidence = 0.5
	ConfirmStep       = 0.1
	ContradictStep    = 0.2
)

// MergeFact folds one observation into the stored fact. A nil existing fact
// starts a new one. The stored value is never replaced; a disagreeing value
// only lowers confidence.
func MergeFact(existing *models.MachineFact, machineModel string, obs models.FactObservation, sessionID string, at time.Time) *models.MachineFact {
	if existing == nil {
		return &models.MachineFact{
			MachineModel:    machineModel,
			FactType:        obs.FactType,
			FactKey:         obs.FactKey,
			FactValue:       obs.FactValue,
			ConfidenceScore: NewFactConfidence,
			TimesConfirmed:  1,
			SourceSessions:  []string{sessionID},
			CreatedAt:       at,
			UpdatedAt:       at,
		}
	}

	f := *existing
	f.SourceSessions = append([]string(nil), existing.SourceSessions...)

	if sameValue(f.FactValue, obs.FactValue) {
		f.TimesConfirmed++
		f.ConfidenceScore = math.Min(1, f.ConfidenceScore+ConfirmStep)
	} else {
		f.TimesContradicted++
		f.ConfidenceScore = math.Max(0, f.ConfidenceScore-ContradictStep)
	}
	f.ConfidenceScore = round(f.ConfidenceScore)

	if !contains(f.SourceSessions, sessionID) {
		f.SourceSessions = append(f.SourceSessions, sessionID)
	}
	f.UpdatedAt = at
	return &f
}

// RecordSuccess counts a success and folds minutes into the running mean
// of successful resolution times.
func RecordSuccess(e *models.SolutionEffectiveness, minutes float64, at time.Time) {
	e.SuccessCount++
	e.AvgResolutionTimeMinutes += (minutes - e.AvgResolutionTimeMinutes) / float64(e.SuccessCount)
	e.LastUsedAt = &at
}

var errorCodePattern = regexp.MustCompile(`\b[A-Z]{1,3}-?[0-9]{2,4}\b`)

// ExtractErrorCodes finds codes like E42 or HP-101 in text, skipping the
// machine identifiers themselves.
func ExtractErrorCodes(text string, ignore ...string) []string {
	skip := make(map[string]struct{}, len(ignore))
	for _, s := range ignore {
		skip[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}

	var codes []string
	seen := map[string]struct{}{}
	for _, code := range errorCodePattern.FindAllString(text, -1) {
		if _, ok := skip[code]; ok {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes
}

func sameValue(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// round trims float noise so repeated ±0.1 steps stay on the grid.
func round(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
