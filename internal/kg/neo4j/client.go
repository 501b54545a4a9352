// Package neo4j mirrors learned machine facts and solution tallies into a
// graph so they can be explored across models.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/pkg/circuitbreaker"
	"github.com/abparts/troubleshoot/pkg/logger"
	"github.com/abparts/troubleshoot/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// GraphFact is one related fact as stored in the graph.
type GraphFact struct {
	MachineModel string
	FactType     string
	FactKey      string
	FactValue    string
	Confidence   float64
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// MirrorOutcome writes the current state of the facts and solution tallies
// touched by one session. Writes are MERGEs, so replaying is harmless.
func (c *Client) MirrorOutcome(ctx context.Context, sessionID, machineModel string, facts []models.MachineFact, solutions []models.SolutionEffectiveness) error {
	if machineModel == "" || (len(facts) == 0 && len(solutions) == 0) {
		return nil
	}

	params := map[string]interface{}{
		"model":     machineModel,
		"session":   sessionID,
		"facts":     factParams(facts),
		"solutions": solutionParams(solutions),
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			if _, err := tx.Run(ctx, `
				MERGE (m:MachineModel {name: $model})
				WITH m
				UNWIND $facts AS f
				MERGE (fact:Fact {model: $model, type: f.type, key: f.key})
				SET fact.value = f.value,
				    fact.confidence = f.confidence,
				    fact.times_confirmed = f.confirmed,
				    fact.times_contradicted = f.contradicted,
				    fact.updated_at = timestamp()
				MERGE (m)-[:HAS_FACT]->(fact)
			`, params); err != nil {
				return nil, fmt.Errorf("failed to mirror facts: %w", err)
			}

			if _, err := tx.Run(ctx, `
				MERGE (m:MachineModel {name: $model})
				WITH m
				UNWIND $solutions AS s
				MERGE (sol:Solution {category: s.category, description: s.description})
				MERGE (m)-[r:TRIED]->(sol)
				SET r.success_count = s.success,
				    r.failure_count = s.failure,
				    r.last_session = $session,
				    r.updated_at = timestamp()
			`, params); err != nil {
				return nil, fmt.Errorf("failed to mirror solutions: %w", err)
			}
			return nil, nil
		})
		return err
	})
	if err != nil {
		return err
	}

	logger.Debug("Outcome mirrored to fact graph",
		zap.String("session_id", sessionID),
		zap.String("machine_model", machineModel),
		zap.Int("facts", len(facts)),
		zap.Int("solutions", len(solutions)),
	)
	return nil
}

// RelatedFacts returns facts from other models that share a fact key with
// machineModel, most confident first.
func (c *Client) RelatedFacts(ctx context.Context, machineModel string, minConfidence float64) ([]GraphFact, error) {
	var out []GraphFact

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (:MachineModel {name: $model})-[:HAS_FACT]->(own:Fact)
			MATCH (other:Fact {type: own.type, key: own.key})
			WHERE other.model <> $model AND other.confidence >= $min_confidence
			RETURN DISTINCT other.model AS model, other.type AS type, other.key AS key,
			       other.value AS value, other.confidence AS confidence
			ORDER BY confidence DESC
			LIMIT 20
		`, map[string]interface{}{
			"model":          machineModel,
			"min_confidence": minConfidence,
		})
		if err != nil {
			return fmt.Errorf("failed to query related facts: %w", err)
		}

		out = out[:0]
		for result.Next(ctx) {
			record := result.Record()
			model, _ := record.Get("model")
			factType, _ := record.Get("type")
			key, _ := record.Get("key")
			value, _ := record.Get("value")
			confidence, _ := record.Get("confidence")

			f := GraphFact{}
			f.MachineModel, _ = model.(string)
			f.FactType, _ = factType.(string)
			f.FactKey, _ = key.(string)
			f.FactValue, _ = value.(string)
			f.Confidence, _ = confidence.(float64)
			out = append(out, f)
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func factParams(facts []models.MachineFact) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(facts))
	for _, f := range facts {
		out = append(out, map[string]interface{}{
			"type":         f.FactType,
			"key":          f.FactKey,
			"value":        f.FactValue,
			"confidence":   f.ConfidenceScore,
			"confirmed":    int64(f.TimesConfirmed),
			"contradicted": int64(f.TimesContradicted),
		})
	}
	return out
}

func solutionParams(solutions []models.SolutionEffectiveness) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(solutions))
	for _, s := range solutions {
		out = append(out, map[string]interface{}{
			"category":    s.ProblemCategory,
			"description": s.SolutionDescription,
			"success":     int64(s.SuccessCount),
			"failure":     int64(s.FailureCount),
		})
	}
	return out
}
