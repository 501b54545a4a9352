// Package zilliz indexes resolved sessions by problem embedding so the step
// generator can borrow solutions from similar cases.
package zilliz

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/pkg/logger"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Client struct {
	client         client.Client
	embedder       Embedder
	collectionName string
	vectorDim      int
	topK           int
}

// Resolution is one resolved session as stored in the index.
type Resolution struct {
	SessionID    string
	MachineModel string
	Category     string
	Problem      string
	Solution     string
	ResolvedAt   time.Time
}

type Options struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	TopK           int
}

func NewClient(ctx context.Context, opts Options, embedder Embedder) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: opts.Endpoint,
		APIKey:  opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", opts.Endpoint),
		zap.String("collection", opts.CollectionName),
	)

	return &Client{
		client:         c,
		embedder:       embedder,
		collectionName: opts.CollectionName,
		vectorDim:      opts.VectorDim,
		topK:           opts.TopK,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Resolved troubleshooting sessions",
		Fields: []*entity.Field{
			{
				Name:       "session_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			{
				Name:       "machine_model",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "category",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "solution",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "1024"},
			},
			{
				Name:     "resolved_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 128)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// IndexResolution embeds the problem text of a resolved session and stores
// it with the solution that fixed it.
func (z *Client) IndexResolution(ctx context.Context, r Resolution) error {
	embedding, err := z.embedder.Embed(ctx, r.Problem)
	if err != nil {
		return fmt.Errorf("failed to embed problem: %w", err)
	}

	_, err = z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar("session_id", []string{r.SessionID}),
		entity.NewColumnFloatVector("embedding", z.vectorDim, [][]float32{embedding}),
		entity.NewColumnVarChar("machine_model", []string{r.MachineModel}),
		entity.NewColumnVarChar("category", []string{r.Category}),
		entity.NewColumnVarChar("solution", []string{truncate(r.Solution, 1024)}),
		entity.NewColumnInt64("resolved_at", []int64{r.ResolvedAt.Unix()}),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resolution: %w", err)
	}

	logger.Debug("Resolution indexed", zap.String("session_id", r.SessionID))
	return nil
}

// SimilarSolutions returns the solutions of the closest resolved sessions in
// the same category, preferring the same machine model.
func (z *Client) SimilarSolutions(ctx context.Context, category, machineModel, problem string) ([]string, error) {
	embedding, err := z.embedder.Embed(ctx, problem)
	if err != nil {
		return nil, fmt.Errorf("failed to embed problem: %w", err)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		filterExpr(category),
		[]string{"solution", "machine_model"},
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.L2,
		z.topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var sameModel, otherModels []string
	for _, sr := range searchResult {
		solutionCol := sr.Fields.GetColumn("solution")
		modelCol := sr.Fields.GetColumn("machine_model")
		if solutionCol == nil || modelCol == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			solutionVal, err := solutionCol.Get(i)
			if err != nil {
				continue
			}
			solution, _ := solutionVal.(string)
			modelVal, _ := modelCol.Get(i)
			model, _ := modelVal.(string)
			if model == machineModel {
				sameModel = append(sameModel, solution)
			} else {
				otherModels = append(otherModels, solution)
			}
		}
	}

	results := dedupe(append(sameModel, otherModels...))

	logger.Debug("Resolution search completed",
		zap.String("category", category),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func filterExpr(category string) string {
	return fmt.Sprintf(`category == %s`, quote(category))
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
