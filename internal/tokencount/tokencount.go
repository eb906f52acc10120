// Package tokencount provides token estimation for cost accounting when the
// upstream omits usage. Uses a character-based heuristic (~4 chars per token
// for English), which is sufficient for estimated billing and savings math.
package tokencount

import (
	gateway "github.com/cognitude/cognitude/internal"
)

// messageOverhead is the per-message token overhead (role and framing).
const messageOverhead = 4

// EstimateRequest estimates the prompt token count for a chat request.
func EstimateRequest(messages []gateway.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead
		total += EstimateText(m.Role)
		total += EstimateText(m.Content)
	}
	total += 3 // reply priming
	return max(total, 1)
}

// EstimateText estimates tokens for a plain text string (~4 bytes per token,
// ceil division).
func EstimateText(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
