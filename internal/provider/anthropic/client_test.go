package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/cognitude/cognitude/internal"
)

func TestChatCompletionTranslates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.System != "be terse" {
			t.Errorf("system = %q, want hoisted system message", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.MaxTokens != 4096 {
			t.Errorf("max_tokens = %d, want default 4096", req.MaxTokens)
		}

		fmt.Fprint(w, `{"id":"msg_01","model":"claude-3-haiku-20240307","stop_reason":"end_turn",
			"content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}],
			"usage":{"input_tokens":12,"output_tokens":4}}`)
	}))
	defer srv.Close()

	client := New(srv.URL+"/v1", nil)
	resp, err := client.ChatCompletion(context.Background(), &gateway.ChatRequest{
		Model: "claude-3-haiku-20240307",
		Messages: []gateway.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	}, "sk-ant-test")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if got := resp.Choices[0].Message.Content; got != "Hi there" {
		t.Errorf("content = %q, want concatenated text blocks", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestTranslateRequestMaxTokens(t *testing.T) {
	t.Parallel()

	mt := 256
	out := translateRequest(&gateway.ChatRequest{
		Model:     "claude-3-5-sonnet-latest",
		MaxTokens: &mt,
		Messages:  []gateway.Message{{Role: "user", Content: "hi"}},
	})
	if out.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want caller's value", out.MaxTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"other":         "other",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
