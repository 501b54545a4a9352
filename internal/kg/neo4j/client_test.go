package neo4j

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

func TestFactParams(t *testing.T) {
	params := factParams([]models.MachineFact{{
		FactType:          "error_code",
		FactKey:           "E42",
		FactValue:         "pressure sensor",
		ConfidenceScore:   0.6,
		TimesConfirmed:    2,
		TimesContradicted: 1,
	}})

	assert.Equal(t, []map[string]interface{}{{
		"type":         "error_code",
		"key":          "E42",
		"value":        "pressure sensor",
		"confidence":   0.6,
		"confirmed":    int64(2),
		"contradicted": int64(1),
	}}, params)
}

func TestSolutionParams(t *testing.T) {
	params := solutionParams([]models.SolutionEffectiveness{{
		ProblemCategory:     "hydraulics",
		SolutionDescription: "check filter",
		SuccessCount:        3,
		FailureCount:        1,
	}})

	assert.Equal(t, int64(3), params[0]["success"])
	assert.Equal(t, "check filter", params[0]["description"])
}

func TestMirrorOutcomeSkipsEmptyInput(t *testing.T) {
	var c Client
	assert.NoError(t, c.MirrorOutcome(context.Background(), "s1", "", nil, nil))
	assert.NoError(t, c.MirrorOutcome(context.Background(), "s1", "AB-100", nil, nil))
}
