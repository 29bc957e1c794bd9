package chunker

import (
	"math"
)

// Reserves subtracted from the model's context window when sizing chunks.
const (
	systemPromptReserve = 500
	metadataReserve     = 100
	overlapReserve      = 200

	// contextFraction caps the chunk at 40% of the window, leaving the rest
	// for the model's output plus safety. Translation-like tasks commonly
	// produce output comparable in size to the input.
	contextFraction = 0.40

	// outputFraction caps the chunk below the model's max output so the
	// reply for a same-size task fits in one call.
	outputFraction = 0.9

	// minChunkTokens guarantees forward progress on small-window models.
	minChunkTokens = 2000
)

// MaxChunkTokens computes the maximum safe token budget per chunk.
//
// contextLength is the model's total token window, instructionTokens the
// estimated size of the user instruction, and maxOutputTokens the model's
// output cap (0 when unknown). The same computation is used by the job
// planner and the cost estimator so a pre-run preview matches what runs.
func MaxChunkTokens(contextLength, instructionTokens, maxOutputTokens int) int {
	contextLimit := contextFraction*float64(contextLength) -
		systemPromptReserve - float64(instructionTokens) - metadataReserve - overlapReserve

	outputLimit := math.Inf(1)
	if maxOutputTokens > 0 {
		outputLimit = math.Floor(outputFraction * float64(maxOutputTokens))
	}

	limit := int(math.Floor(math.Min(contextLimit, outputLimit)))
	if limit < minChunkTokens {
		return minChunkTokens
	}
	return limit
}
