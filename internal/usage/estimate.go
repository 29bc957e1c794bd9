// Package usage computes pre-run cost estimates for processing jobs.
//
// The estimator sizes and splits the text with the same chunk budget the
// planner uses, so the preview matches what actually runs.
package usage

import (
	"context"
	"fmt"

	"github.com/haasonsaas/bigcontext/internal/chunker"
	"github.com/haasonsaas/bigcontext/internal/models"
	"github.com/haasonsaas/bigcontext/internal/tokens"
)

// promptOverheadTokens approximates the system prompt and message framing
// sent with every chunk call.
const promptOverheadTokens = 200

// Estimate is a pre-run preview of a job's size and cost.
type Estimate struct {
	ModelID        string  `json:"model_id"`
	TotalTokens    int     `json:"total_tokens"`
	ChunkCount     int     `json:"chunk_count"`
	MaxChunkTokens int     `json:"max_chunk_tokens"`
	PromptTokens   int     `json:"prompt_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	Cost           float64 `json:"cost"`
	IsFree         bool    `json:"is_free"`
}

// Estimator prices jobs against the model catalog.
type Estimator struct {
	catalog *models.Catalog
}

// NewEstimator creates an estimator backed by the catalog.
func NewEstimator(catalog *models.Catalog) *Estimator {
	return &Estimator{catalog: catalog}
}

// Estimate previews the chunk plan and cost for running instruction over
// text on the given model. It performs no writes.
func (e *Estimator) Estimate(ctx context.Context, modelID, text, instruction string) (*Estimate, error) {
	model, err := e.catalog.Get(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("look up model: %w", err)
	}
	if model == nil {
		return nil, fmt.Errorf("unknown model %q", modelID)
	}

	instructionTokens := tokens.Estimate(instruction)
	budget := chunker.MaxChunkTokens(model.ContextLength, instructionTokens, model.MaxOutputTokens)
	chunks := chunker.Split(text, budget)

	est := &Estimate{
		ModelID:        modelID,
		TotalTokens:    tokens.Estimate(text),
		ChunkCount:     len(chunks),
		MaxChunkTokens: budget,
		IsFree:         model.IsFree,
	}

	// The instruction is bookended around every chunk; output is assumed
	// comparable in size to input, which is the translation-style worst
	// case the engine is built for.
	for _, c := range chunks {
		chunkTokens := tokens.Estimate(c.Text)
		est.PromptTokens += chunkTokens + 2*instructionTokens + promptOverheadTokens
		est.OutputTokens += chunkTokens
	}

	est.Cost = float64(est.PromptTokens)*model.InputPricePerMillion/1e6 +
		float64(est.OutputTokens)*model.OutputPricePerMillion/1e6
	return est, nil
}
