package router

import (
	"errors"
	"strings"
	"testing"

	gateway "github.com/cognitude/cognitude/internal"
)

func userReq(content string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    "gpt-4",
		Messages: []gateway.Message{{Role: "user", Content: content}},
	}
}

func TestClassifyTrivial(t *testing.T) {
	t.Parallel()

	cls := Classify(userReq("what is the capital of France?"))
	if cls.TaskClass != gateway.TaskTrivial {
		t.Errorf("class = %s (score %v), want trivial", cls.TaskClass, cls.Score)
	}
	if cls.Confidence < 0.5 || cls.Confidence > 1 {
		t.Errorf("confidence = %v, want in [0.5, 1]", cls.Confidence)
	}
	if cls.PromptLength == 0 {
		t.Error("prompt length not recorded")
	}
}

func TestClassifyCodeRaisesScore(t *testing.T) {
	t.Parallel()

	plain := Classify(userReq("tell me about dogs"))
	code := Classify(userReq("fix this:\n```\ndef add(a, b):\n    return a + b\n```"))
	if code.Score <= plain.Score {
		t.Errorf("code score %v should exceed plain score %v", code.Score, plain.Score)
	}
	if !strings.Contains(code.Reasoning, "code") {
		t.Errorf("reasoning = %q", code.Reasoning)
	}
}

func TestClassifyComplex(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("analyze this data carefully. ", 150) // > 4000 chars
	mt := 2000
	req := &gateway.ChatRequest{
		Model:     "gpt-4",
		MaxTokens: &mt,
		Messages: []gateway.Message{{
			Role:    "user",
			Content: "First, parse the log. Then write a func to aggregate it. Finally report.\n```go\nfunc main() {}\n```\n" + long,
		}},
	}

	cls := Classify(req)
	if cls.TaskClass != gateway.TaskComplex {
		t.Errorf("class = %s (score %v), want complex", cls.TaskClass, cls.Score)
	}
}

func TestClassifyOmittedMaxTokens(t *testing.T) {
	t.Parallel()

	// The max_tokens term contributes zero when the field is absent.
	withCap := userReq("hello there")
	mt := 2000
	withCap.MaxTokens = &mt

	if a, b := Classify(userReq("hello there")), Classify(withCap); a.Score >= b.Score {
		t.Errorf("score without max_tokens %v should be below score with cap %v", a.Score, b.Score)
	}
}

func TestRouteExplicit(t *testing.T) {
	t.Parallel()

	sel, err := Route(userReq("hi"), gateway.ModeExplicit, []string{"anthropic", "openai"})
	if err != nil {
		t.Fatal(err)
	}
	if sel.Model != "gpt-4" {
		t.Errorf("model = %s, want requested model untouched", sel.Model)
	}
	if sel.Provider != "openai" {
		t.Errorf("provider = %s, want the one serving the model", sel.Provider)
	}
	if sel.EstimatedSavings != 0 {
		t.Errorf("savings = %v, want 0", sel.EstimatedSavings)
	}
}

func TestRouteCostPicksCheapestAdequate(t *testing.T) {
	t.Parallel()

	sel, err := Route(userReq("what's 2+2?"), gateway.ModeCost, []string{"openai", "groq"})
	if err != nil {
		t.Fatal(err)
	}
	if sel.Provider != "groq" || sel.Model != "llama-3.1-8b-instant" {
		t.Errorf("selection = %s/%s, want groq/llama-3.1-8b-instant", sel.Provider, sel.Model)
	}
	if sel.TaskClass != gateway.TaskTrivial {
		t.Errorf("class = %s", sel.TaskClass)
	}
	if sel.EstimatedSavings <= 0 {
		t.Errorf("savings = %v, want > 0 when downgrading from gpt-4", sel.EstimatedSavings)
	}
	if !strings.Contains(sel.Reason, "cheapest adequate") {
		t.Errorf("reason = %q", sel.Reason)
	}
}

func TestRouteBalancedKeepsHeadroom(t *testing.T) {
	t.Parallel()

	req := userReq("what's 2+2?")
	cost, err := Route(req, gateway.ModeCost, []string{"groq"})
	if err != nil {
		t.Fatal(err)
	}
	balanced, err := Route(req, gateway.ModeBalanced, []string{"groq"})
	if err != nil {
		t.Fatal(err)
	}

	if cost.Model != "llama-3.1-8b-instant" {
		t.Fatalf("cost mode model = %s", cost.Model)
	}
	if balanced.Model == cost.Model {
		t.Error("balanced mode should demand one class of headroom")
	}
}

func TestRouteNoAdequateModelKeepsRequested(t *testing.T) {
	t.Parallel()

	// Force a complex task; groq's table tops out below complex capability.
	long := strings.Repeat("step 1 then step 2 ", 300)
	mt := 2000
	req := &gateway.ChatRequest{
		Model:     "gpt-4",
		MaxTokens: &mt,
		Messages:  []gateway.Message{{Role: "user", Content: "```code```\n" + long}},
	}

	sel, err := Route(req, gateway.ModeCost, []string{"groq"})
	if err != nil {
		t.Fatal(err)
	}
	if sel.Model != "gpt-4" {
		t.Errorf("model = %s, want requested model kept", sel.Model)
	}
	if !strings.Contains(sel.Reason, "no adequate model") {
		t.Errorf("reason = %q", sel.Reason)
	}
}

func TestRouteNoProviders(t *testing.T) {
	t.Parallel()

	if _, err := Route(userReq("hi"), gateway.ModeCost, nil); !errors.Is(err, gateway.ErrNoProvider) {
		t.Errorf("error = %v, want ErrNoProvider", err)
	}
}

func TestClassBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		score float64
		want  string
	}{
		{0, gateway.TaskTrivial},
		{0.19, gateway.TaskTrivial},
		{0.2, gateway.TaskSimple},
		{0.39, gateway.TaskSimple},
		{0.4, gateway.TaskModerate},
		{0.69, gateway.TaskModerate},
		{0.7, gateway.TaskComplex},
		{1, gateway.TaskComplex},
	}
	for _, tc := range cases {
		if got := classForScore(tc.score); got != tc.want {
			t.Errorf("classForScore(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
