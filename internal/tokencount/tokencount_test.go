package tokencount

import (
	"strings"
	"testing"

	gateway "github.com/cognitude/cognitude/internal"
)

func TestEstimateText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, c := range cases {
		if got := EstimateText(c.in); got != c.want {
			t.Errorf("EstimateText(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEstimateRequest(t *testing.T) {
	t.Parallel()

	msgs := []gateway.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "What is the capital of France?"},
	}
	got := EstimateRequest(msgs)
	if got <= 0 {
		t.Fatalf("EstimateRequest = %d, want > 0", got)
	}

	// Longer content must never estimate lower.
	long := []gateway.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: strings.Repeat("What is the capital of France? ", 20)},
	}
	if EstimateRequest(long) <= got {
		t.Error("longer request should estimate more tokens")
	}

	if EstimateRequest(nil) != 1 {
		t.Error("empty request should clamp to 1 token")
	}
}
