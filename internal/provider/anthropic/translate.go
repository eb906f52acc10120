package anthropic

import (
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/cognitude/cognitude/internal"
)

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translateRequest converts a canonical ChatRequest to an Anthropic Messages
// API request. System messages move to the top-level system field; penalty
// parameters have no Anthropic equivalent and are dropped.
func translateRequest(req *gateway.ChatRequest) *anthropicRequest {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   4096, // Anthropic requires max_tokens
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n")
	return out
}

// translateResponse converts an Anthropic Messages API JSON response to a
// canonical ChatResponse.
func translateResponse(data []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	var contentText strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			contentText.WriteString(block.Get("text").String())
		}
		return true
	})

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	return &gateway.ChatResponse{
		ID:     result.Get("id").String(),
		Object: "chat.completion",
		Model:  result.Get("model").String(),
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: contentText.String()},
			FinishReason: mapStopReason(result.Get("stop_reason").String()),
		}},
		Usage: usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
