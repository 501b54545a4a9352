package factcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

type countingLoader struct {
	calls map[string]int
	err   error
}

func (l *countingLoader) ListFacts(_ context.Context, model string) ([]models.MachineFact, error) {
	l.calls[model]++
	if l.err != nil {
		return nil, l.err
	}
	return []models.MachineFact{{MachineModel: model, FactKey: "E42"}}, nil
}

func TestCacheLoadsOncePerModel(t *testing.T) {
	loader := &countingLoader{calls: map[string]int{}}
	c, err := New(loader, 2)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		facts, err := c.ListFacts(ctx, "AB-100")
		require.NoError(t, err)
		require.Len(t, facts, 1)
	}
	assert.Equal(t, 1, loader.calls["AB-100"])

	c.Invalidate("AB-100")
	_, err = c.ListFacts(ctx, "AB-100")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls["AB-100"])
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	loader := &countingLoader{calls: map[string]int{}}
	c, err := New(loader, 2)
	require.NoError(t, err)

	ctx := context.Background()
	for _, m := range []string{"a", "b", "c", "a"} {
		_, err := c.ListFacts(ctx, m)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, loader.calls["a"])
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	loader := &countingLoader{calls: map[string]int{}, err: errors.New("db down")}
	c, err := New(loader, 2)
	require.NoError(t, err)

	_, err = c.ListFacts(context.Background(), "AB-100")
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}
