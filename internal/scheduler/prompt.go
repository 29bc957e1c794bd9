package scheduler

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/bigcontext/internal/provider"
)

// buildChunkMessages constructs the two-message prompt for one chunk.
//
// The system message carries the processor role, a position hint, and the
// output rules. The user message bookends the instruction around the text:
// on very long non-English bodies some providers drop early instructions
// from attention, so the instruction is repeated after the text.
func buildChunkMessages(instruction, text string, index, total int) []provider.Message {
	return []provider.Message{
		{Role: "system", Content: chunkSystemPrompt(index, total)},
		{Role: "user", Content: chunkUserPrompt(instruction, text)},
	}
}

func chunkSystemPrompt(index, total int) string {
	var b strings.Builder
	b.WriteString("You are a document processor. You are given ")
	b.WriteString(positionHint(index, total))
	b.WriteString(".\n\nRules:\n")
	b.WriteString("- Apply the user's instruction to the text exactly as stated.\n")
	b.WriteString("- Do not add preambles, introductions, or closing remarks.\n")
	b.WriteString("- Do not ask for more input; process what you are given.\n")
	b.WriteString("- If the instruction is to translate, reply only in the target language. Never echo the source language.\n")
	b.WriteString("- Prefer direct quotation over paraphrase wherever the instruction allows.\n")
	b.WriteString("- Do not editorialize or comment on the text.")
	return b.String()
}

// positionHint tells the model where this chunk sits in the document so it
// does not treat a mid-sentence start as malformed input.
func positionHint(index, total int) string {
	switch {
	case total <= 1:
		return "the complete text"
	case index == 0:
		return fmt.Sprintf("the beginning of a longer document (section 1 of %d). The text may end mid-sentence", total)
	case index == total-1:
		return fmt.Sprintf("the end of a longer document (section %d of %d). The text may start mid-sentence", total, total)
	default:
		return fmt.Sprintf("section %d of %d of a longer document. The text may start and end mid-sentence", index+1, total)
	}
}

func chunkUserPrompt(instruction, text string) string {
	var b strings.Builder
	b.WriteString("Instruction:\n")
	b.WriteString(instruction)
	b.WriteString("\n\n---\n\n")
	b.WriteString(text)
	b.WriteString("\n\n---\n\nReminder of the instruction:\n")
	b.WriteString(instruction)
	return b.String()
}
