// Package stitcher assembles per-chunk outputs into the final document.
//
// When the combined output is small enough to fit a single model reply, an
// optional remote pass smooths the seams between chunks. When it is not,
// the stitcher concatenates locally: a remote pass that cannot emit the
// full text in one reply would truncate, and concatenation is lossless.
package stitcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/bigcontext/internal/provider"
	"github.com/haasonsaas/bigcontext/internal/tokens"
)

// BoundaryMarker separates chunk outputs in the remote stitch prompt.
const BoundaryMarker = "\n\n---CHUNK BOUNDARY---\n\n"

// outputBudgetFraction is the share of the model's output window the
// combined text may occupy before the remote pass is skipped.
const outputBudgetFraction = 0.9

// Mode reports how the outputs were assembled.
type Mode string

const (
	// ModeLocal means the outputs were joined without a remote call.
	ModeLocal Mode = "local"

	// ModeRemote means a stitch call smoothed the seams.
	ModeRemote Mode = "remote"
)

// Input carries everything the stitcher needs for one job.
type Input struct {
	// Outputs are the successful chunk outputs in index order.
	Outputs []string

	// Instruction is the job's original instruction.
	Instruction string

	// ModelID selects the model for the remote pass.
	ModelID string

	// ContextLength is the model's total token window.
	ContextLength int

	// MaxOutputTokens is the model's output cap; 0 when unknown.
	MaxOutputTokens int
}

// Result is the assembled document plus telemetry about how it was built.
type Result struct {
	// Output is the final assembled text.
	Output string

	// Mode records whether a remote stitch call was made.
	Mode Mode

	// Usage is the remote call's token accounting; zero for local joins.
	Usage provider.Usage
}

// Stitcher assembles chunk outputs.
type Stitcher struct {
	client provider.Client
}

// New creates a stitcher backed by the given client.
func New(client provider.Client) *Stitcher {
	return &Stitcher{client: client}
}

// Stitch assembles the outputs. The returned error is non-nil only when the
// remote pass failed; the caller may then fall back to Concatenate.
func (s *Stitcher) Stitch(ctx context.Context, in Input) (*Result, error) {
	if len(in.Outputs) == 0 {
		return &Result{Output: "", Mode: ModeLocal}, nil
	}
	if len(in.Outputs) == 1 {
		return &Result{Output: in.Outputs[0], Mode: ModeLocal}, nil
	}

	if !s.fitsOutputWindow(in) {
		return &Result{Output: Concatenate(in.Outputs), Mode: ModeLocal}, nil
	}

	res, err := s.client.Complete(ctx, provider.Request{
		Model: in.ModelID,
		Messages: []provider.Message{
			{Role: "system", Content: stitchSystemPrompt(in.Instruction)},
			{Role: "user", Content: strings.Join(in.Outputs, BoundaryMarker)},
		},
		MaxTokens: effectiveMaxOutput(in),
	})
	if err != nil {
		return nil, fmt.Errorf("stitch pass: %w", err)
	}

	return &Result{Output: res.Content, Mode: ModeRemote, Usage: res.Usage}, nil
}

// Concatenate joins outputs with a blank line, preserving index order.
func Concatenate(outputs []string) string {
	return strings.Join(outputs, "\n\n")
}

// fitsOutputWindow reports whether the combined outputs can be re-emitted
// by the model in a single reply.
func (s *Stitcher) fitsOutputWindow(in Input) bool {
	total := 0
	for _, out := range in.Outputs {
		total += tokens.Estimate(out)
	}
	return float64(total) <= outputBudgetFraction*float64(effectiveMaxOutput(in))
}

// effectiveMaxOutput is the model's output cap, falling back to half the
// context window when the provider does not report one.
func effectiveMaxOutput(in Input) int {
	if in.MaxOutputTokens > 0 {
		return in.MaxOutputTokens
	}
	return in.ContextLength / 2
}

func stitchSystemPrompt(instruction string) string {
	var b strings.Builder
	b.WriteString("You are a document assembly assistant. A long document was processed in sections under this instruction:\n\n")
	b.WriteString(instruction)
	b.WriteString("\n\nThe user message contains the processed sections joined by the literal marker \"---CHUNK BOUNDARY---\".\n")
	b.WriteString("Merge them into one continuous document:\n")
	b.WriteString("- Smooth the transitions at each boundary and remove redundancy introduced by overlapping sections.\n")
	b.WriteString("- Change text only near the boundaries. Leave the interior of each section untouched.\n")
	b.WriteString("- Never summarize, shorten, or truncate the text. Output the complete merged document.\n")
	b.WriteString("- Do not add preambles or commentary. Reply with the merged document only.")
	return b.String()
}
