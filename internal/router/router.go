// Package router implements the cost/complexity smart router. A request is
// classified into a task class by cheap lexical heuristics, then the
// cheapest model whose capability covers the class is selected from the
// tenant's enabled providers.
package router

import (
	"fmt"
	"math"
	"sort"
	"strings"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/pricing"
	"github.com/cognitude/cognitude/internal/tokencount"
)

// defaultCompletionTokens is assumed for cost comparison when the request
// does not set max_tokens.
const defaultCompletionTokens = 500

// Selection is the router's output for one request.
type Selection struct {
	Provider         string
	Model            string
	TaskClass        string
	Score            float64
	Reason           string
	EstimatedSavings float64
	Confidence       float64
	PromptLength     int
}

// Classification is the classify-only output for the analyze endpoint.
type Classification struct {
	TaskClass    string  `json:"task_class"`
	Score        float64 `json:"complexity_score"`
	Confidence   float64 `json:"confidence"`
	PromptLength int     `json:"prompt_length"`
	Reasoning    string  `json:"reasoning"`
}

// Classify scores the request's complexity and maps it to a task class.
func Classify(req *gateway.ChatRequest) Classification {
	text := gateway.UserText(req.Messages)

	lengthTerm := math.Min(float64(len(text))/4000, 1)

	var codeTerm float64
	if hasCodeTokens(text) {
		codeTerm = 1
	}
	var stepTerm float64
	if hasMultiStepMarkers(text) {
		stepTerm = 1
	}

	var maxTokensTerm float64
	if req.MaxTokens != nil {
		maxTokensTerm = math.Min(float64(*req.MaxTokens)/2000, 1)
	}

	score := 0.25*lengthTerm + 0.25*codeTerm + 0.25*stepTerm + 0.25*maxTokensTerm

	class := classForScore(score)
	return Classification{
		TaskClass:    class,
		Score:        score,
		Confidence:   confidence(score),
		PromptLength: len(text),
		Reasoning:    reasoning(class, codeTerm > 0, stepTerm > 0),
	}
}

// Route selects a (provider, model) for the request. providers is the
// tenant's enabled provider kinds in registry priority order; ties between
// equally cheap candidates resolve to the earlier provider.
//
// In explicit mode the requested model is returned unchanged. In cost mode
// the cheapest adequate model wins. Balanced mode demands one capability
// class of headroom before downgrading, trading some savings for quality.
func Route(req *gateway.ChatRequest, mode string, providers []string) (*Selection, error) {
	if len(providers) == 0 {
		return nil, gateway.ErrNoProvider
	}

	if mode == gateway.ModeExplicit || mode == "" {
		return &Selection{
			Provider:  providerForModel(req.Model, providers),
			Model:     req.Model,
			TaskClass: "",
			Reason:    "explicit model request",
		}, nil
	}

	cls := Classify(req)

	needed := capabilityForClass(cls.TaskClass)
	if mode == gateway.ModeBalanced && needed < pricing.CapComplex {
		needed++
	}

	promptTokens := tokencount.EstimateRequest(req.Messages)
	completionTokens := defaultCompletionTokens
	if req.MaxTokens != nil {
		completionTokens = *req.MaxTokens
	}

	best, ok := cheapestAdequate(providers, needed, promptTokens, completionTokens)
	if !ok {
		// No adequate model among the tenant's providers; keep the
		// requested model and let dispatch failover sort it out.
		return &Selection{
			Provider:     providerForModel(req.Model, providers),
			Model:        req.Model,
			TaskClass:    cls.TaskClass,
			Score:        cls.Score,
			Reason:       "no adequate model configured, keeping requested model",
			Confidence:   cls.Confidence,
			PromptLength: cls.PromptLength,
		}, nil
	}

	savings := estimatedSavings(req.Model, best, promptTokens, completionTokens)

	return &Selection{
		Provider:         best.Provider,
		Model:            best.Model,
		TaskClass:        cls.TaskClass,
		Score:            cls.Score,
		Reason:           fmt.Sprintf("%s task, selected cheapest adequate model %s/%s", cls.TaskClass, best.Provider, best.Model),
		EstimatedSavings: savings,
		Confidence:       cls.Confidence,
		PromptLength:     cls.PromptLength,
	}, nil
}

// CheapestFor returns the provider's cheapest model covering the task class.
// Used by dispatch failover when a candidate provider does not serve the
// selected model.
func CheapestFor(provider, taskClass string, promptTokens, completionTokens int) (string, bool) {
	best, ok := cheapestAdequate([]string{provider}, capabilityForClass(taskClass), promptTokens, completionTokens)
	if !ok {
		return "", false
	}
	return best.Model, true
}

// cheapestAdequate scans the providers' model tables for the cheapest model
// with capability >= needed for this request's estimated token counts.
func cheapestAdequate(providers []string, needed, promptTokens, completionTokens int) (pricing.ModelInfo, bool) {
	rank := make(map[string]int, len(providers))
	for i, p := range providers {
		rank[p] = i
	}

	var candidates []pricing.ModelInfo
	for _, p := range providers {
		for _, m := range pricing.Models(p) {
			if m.Capability >= needed {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) == 0 {
		return pricing.ModelInfo{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci := pricing.Cost(candidates[i].Price, promptTokens, completionTokens)
		cj := pricing.Cost(candidates[j].Price, promptTokens, completionTokens)
		if ci != cj {
			return ci < cj
		}
		if rank[candidates[i].Provider] != rank[candidates[j].Provider] {
			return rank[candidates[i].Provider] < rank[candidates[j].Provider]
		}
		return candidates[i].Model < candidates[j].Model
	})
	return candidates[0], true
}

// estimatedSavings is the requested model's cost minus the chosen model's
// cost for the same token counts, floored at zero.
func estimatedSavings(requestedModel string, chosen pricing.ModelInfo, promptTokens, completionTokens int) float64 {
	reqProvider := pricing.FindProvider(requestedModel)
	if reqProvider == "" {
		return 0
	}
	reqCost := pricing.Cost(pricing.Lookup(reqProvider, requestedModel), promptTokens, completionTokens)
	chosenCost := pricing.Cost(chosen.Price, promptTokens, completionTokens)
	if s := pricing.Round6(reqCost - chosenCost); s > 0 {
		return s
	}
	return 0
}

// providerForModel returns the tenant provider that serves the model, or
// the first provider when none does.
func providerForModel(model string, providers []string) string {
	for _, p := range providers {
		if pricing.Known(p, model) {
			return p
		}
	}
	return providers[0]
}

func classForScore(score float64) string {
	switch {
	case score < 0.2:
		return gateway.TaskTrivial
	case score < 0.4:
		return gateway.TaskSimple
	case score < 0.7:
		return gateway.TaskModerate
	default:
		return gateway.TaskComplex
	}
}

func capabilityForClass(class string) int {
	switch class {
	case gateway.TaskTrivial:
		return pricing.CapTrivial
	case gateway.TaskSimple:
		return pricing.CapSimple
	case gateway.TaskModerate:
		return pricing.CapModerate
	default:
		return pricing.CapComplex
	}
}

// confidence reflects the distance from the nearest class boundary: scores
// deep inside a class band are confident, boundary scores are not.
func confidence(score float64) float64 {
	boundaries := []float64{0.2, 0.4, 0.7}
	nearest := math.Inf(1)
	for _, b := range boundaries {
		if d := math.Abs(score - b); d < nearest {
			nearest = d
		}
	}
	c := 0.5 + math.Min(nearest/0.15, 1)*0.5
	return math.Round(c*100) / 100
}

func reasoning(class string, code, multiStep bool) string {
	var feats []string
	if code {
		feats = append(feats, "code content")
	}
	if multiStep {
		feats = append(feats, "multi-step instructions")
	}
	if len(feats) == 0 {
		return fmt.Sprintf("%s task based on prompt length and requested output size", class)
	}
	return fmt.Sprintf("%s task: %s", class, strings.Join(feats, ", "))
}

var codeMarkers = []string{
	"```", "def ", "func ", "function ", "class ", "import ", "#include",
	"select ", "insert into", "public static", "const ", "=>", "();",
}

func hasCodeTokens(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range codeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

var stepMarkers = []string{
	"step ", "step-by-step", "first,", "then ", "finally", "after that",
	"1.", "2.", "secondly",
}

func hasMultiStepMarkers(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range stepMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	// Several questions in one prompt read as multi-step work.
	return strings.Count(text, "?") >= 3
}
