// Package pricing holds the static cost and capability tables for upstream
// models. The tables are read-only process-wide values, versioned alongside
// the binary.
package pricing

import (
	"log/slog"
	"math"
	"strings"
)

// Price is USD per 1K tokens for one model.
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Capability levels, aligned with the router's task classes: a model with
// capability N can serve any task class <= N.
const (
	CapTrivial = iota
	CapSimple
	CapModerate
	CapComplex
)

// ModelInfo bundles the price and capability of one (provider, model) pair.
type ModelInfo struct {
	Provider   string
	Model      string
	Price      Price
	Capability int
}

// prices maps "provider/model" to its price. Unknown pairs bill as zero.
var prices = map[string]Price{
	"openai/gpt-3.5-turbo":         {0.0005, 0.0015},
	"openai/gpt-4o-mini":           {0.00015, 0.0006},
	"openai/gpt-4o":                {0.0025, 0.01},
	"openai/gpt-4-turbo":           {0.01, 0.03},
	"openai/gpt-4":                 {0.03, 0.06},
	"anthropic/claude-3-haiku":     {0.00025, 0.00125},
	"anthropic/claude-3-5-haiku":   {0.0008, 0.004},
	"anthropic/claude-3-5-sonnet":  {0.003, 0.015},
	"anthropic/claude-3-opus":      {0.015, 0.075},
	"mistral/mistral-small-latest": {0.0002, 0.0006},
	"mistral/mistral-large-latest": {0.002, 0.006},
	"groq/llama-3.1-8b-instant":    {0.00005, 0.00008},
	"groq/llama-3.3-70b-versatile": {0.00059, 0.00079},
	"groq/mixtral-8x7b-32768":      {0.00024, 0.00024},
}

// capabilities orders models within each provider. Higher is more capable.
var capabilities = map[string]int{
	"openai/gpt-3.5-turbo":         CapSimple,
	"openai/gpt-4o-mini":           CapSimple,
	"openai/gpt-4o":                CapModerate,
	"openai/gpt-4-turbo":           CapComplex,
	"openai/gpt-4":                 CapComplex,
	"anthropic/claude-3-haiku":     CapTrivial,
	"anthropic/claude-3-5-haiku":   CapSimple,
	"anthropic/claude-3-5-sonnet":  CapModerate,
	"anthropic/claude-3-opus":      CapComplex,
	"mistral/mistral-small-latest": CapSimple,
	"mistral/mistral-large-latest": CapComplex,
	"groq/llama-3.1-8b-instant":    CapTrivial,
	"groq/mixtral-8x7b-32768":      CapSimple,
	"groq/llama-3.3-70b-versatile": CapModerate,
}

func key(provider, model string) string {
	return provider + "/" + strings.ToLower(model)
}

// Lookup returns the price for (provider, model). Unknown pairs return the
// zero price and log at WARN so they bill as zero rather than fail.
func Lookup(provider, model string) Price {
	p, ok := prices[key(provider, model)]
	if !ok {
		slog.Warn("unknown model, billing as zero",
			"provider", provider, "model", model)
	}
	return p
}

// Known reports whether (provider, model) is in the pricing table.
func Known(provider, model string) bool {
	_, ok := prices[key(provider, model)]
	return ok
}

// Capability returns the capability level for (provider, model), or
// CapComplex for unknown models so they are never silently downgraded.
func Capability(provider, model string) int {
	if c, ok := capabilities[key(provider, model)]; ok {
		return c
	}
	return CapComplex
}

// Models returns every known model for the given provider.
func Models(provider string) []ModelInfo {
	prefix := provider + "/"
	var out []ModelInfo
	for k, p := range prices {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		model := k[len(prefix):]
		out = append(out, ModelInfo{
			Provider:   provider,
			Model:      model,
			Price:      p,
			Capability: capabilities[k],
		})
	}
	return out
}

// FindProvider returns the first provider kind whose table contains model,
// or "" if the model is unknown everywhere.
func FindProvider(model string) string {
	m := strings.ToLower(model)
	for k := range prices {
		if i := strings.IndexByte(k, '/'); i >= 0 && k[i+1:] == m {
			return k[:i]
		}
	}
	return ""
}

// Cost computes the USD cost of one call at 6 decimal places.
func Cost(p Price, promptTokens, completionTokens int) float64 {
	c := float64(promptTokens)*p.InputPer1K/1000 + float64(completionTokens)*p.OutputPer1K/1000
	return Round6(c)
}

// Round6 rounds to 6 decimal places, the ledger's cost precision.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
