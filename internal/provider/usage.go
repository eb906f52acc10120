package provider

import (
	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/tokencount"
)

// EnsureUsage backfills token counts when the upstream omitted the usage
// block. Estimated counts are flagged so ledger rows can record the
// approximation.
func EnsureUsage(req *gateway.ChatRequest, resp *gateway.ChatResponse) {
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return
	}
	prompt := tokencount.EstimateRequest(req.Messages)
	var completion int
	for _, c := range resp.Choices {
		completion += tokencount.EstimateText(c.Message.Content)
	}
	resp.Usage = &gateway.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}
