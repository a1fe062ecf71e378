package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MockClient provides deterministic local replies when no generation
// service is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	text := buildMockReply(req)
	return Response{Text: text, Model: "mock", OutputTokens: utf8.RuneCountInString(text) / 4}, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		last = "the story continues"
	}
	reply := fmt.Sprintf("The tale continues: %s", last)
	if req.MaxTokens > 0 {
		if limit := req.MaxTokens * 4; utf8.RuneCountInString(reply) > limit {
			reply = string([]rune(reply)[:limit])
		}
	}
	return reply
}
