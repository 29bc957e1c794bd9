package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "single ascii char", text: "a", want: 1},
		{name: "four ascii chars", text: "abcd", want: 1},
		{name: "five ascii chars", text: "abcde", want: 2},
		{name: "ascii sentence", text: "hello world", want: 3},
		{name: "cjk", text: "你好世界", want: 3},
		{name: "devanagari", text: "नमस्ते", want: 4},
		{name: "mixed ascii and cjk", text: "abc你好", want: 3},
		{name: "whitespace only", text: "    ", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

// Estimate must never undercount relative to the pure ASCII rate, and
// ASCII-only strings must hit exactly ceil(len/4).
func TestEstimateBounds(t *testing.T) {
	inputs := []string{
		"short",
		strings.Repeat("a", 1000),
		strings.Repeat("the quick brown fox ", 50),
		strings.Repeat("你好", 300),
		strings.Repeat("नमस्ते दुनिया ", 100),
		"mixed 混合 content with बहुत scripts",
	}

	for _, s := range inputs {
		got := Estimate(s)
		runes := []rune(s)
		floor := (len(runes) + 3) / 4
		if got < floor {
			t.Errorf("Estimate(%.20q...) = %d, below ceil(len/4) = %d", s, got, floor)
		}

		ascii := true
		for _, r := range runes {
			if r > 127 {
				ascii = false
				break
			}
		}
		if ascii && got != floor {
			t.Errorf("ASCII Estimate(%.20q...) = %d, want exactly %d", s, got, floor)
		}
	}
}

func TestEstimateNonASCIIRate(t *testing.T) {
	s := strings.Repeat("क", 300)
	got := Estimate(s)
	// ceil(300/1.5) = 200
	if got < 200 {
		t.Errorf("Estimate(devanagari x300) = %d, want >= 200", got)
	}
}

func TestEstimateMessages(t *testing.T) {
	if got := EstimateMessages("abcd", "efgh"); got != 2 {
		t.Errorf("EstimateMessages = %d, want 2", got)
	}
	if got := EstimateMessages(); got != 0 {
		t.Errorf("EstimateMessages() = %d, want 0", got)
	}
}
