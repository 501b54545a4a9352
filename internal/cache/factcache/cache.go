// Package factcache keeps recently used machine facts in memory so step
// generation does not hit SQLite on every turn.
package factcache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/pkg/logger"
)

type Loader interface {
	ListFacts(ctx context.Context, machineModel string) ([]models.MachineFact, error)
}

type Cache struct {
	loader Loader
	cache  *lru.Cache[string, []models.MachineFact]
}

func New(loader Loader, size int) (*Cache, error) {
	cache, err := lru.New[string, []models.MachineFact](size)
	if err != nil {
		return nil, err
	}
	return &Cache{loader: loader, cache: cache}, nil
}

// ListFacts serves facts for a model, loading them on a miss. Callers must
// not modify the returned slice.
func (c *Cache) ListFacts(ctx context.Context, machineModel string) ([]models.MachineFact, error) {
	if facts, ok := c.cache.Get(machineModel); ok {
		metrics.FactCacheRequests.WithLabelValues("hit").Inc()
		return facts, nil
	}
	metrics.FactCacheRequests.WithLabelValues("miss").Inc()

	facts, err := c.loader.ListFacts(ctx, machineModel)
	if err != nil {
		return nil, err
	}
	c.cache.Add(machineModel, facts)
	return facts, nil
}

// Invalidate drops cached facts after the learning engine changed them.
func (c *Cache) Invalidate(machineModels ...string) {
	for _, m := range machineModels {
		c.cache.Remove(m)
	}
	logger.Debug("Fact cache invalidated", zap.Strings("machine_models", machineModels))
}

func (c *Cache) Len() int {
	return c.cache.Len()
}
