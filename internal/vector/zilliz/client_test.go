package zilliz

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterExprQuotes(t *testing.T) {
	assert.Equal(t, `category == "hydraulics"`, filterExpr("hydraulics"))
	assert.Equal(t, `category == "a\"b\\c"`, filterExpr(`a"b\c`))
}

func TestDedupeKeepsFirstOccurrence(t *testing.T) {
	got := dedupe([]string{"Check filter", "check filter ", "", "Bleed lines"})
	assert.Equal(t, []string{"Check filter", "Bleed lines"}, got)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := truncate(s, 5)
	assert.Equal(t, "éé", got)
	assert.Equal(t, "short", truncate("short", 10))
}
