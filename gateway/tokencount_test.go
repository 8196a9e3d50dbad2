package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountText(t *testing.T) {
	tc := NewTokenCounter()

	assert.Zero(t, tc.CountText(""))
	assert.GreaterOrEqual(t, tc.CountText("x"), 1)

	long := tc.CountText("The quick brown fox jumps over the lazy dog, twice.")
	short := tc.CountText("hi")
	assert.Greater(t, long, short)
}

func TestCountRequest(t *testing.T) {
	tc := NewTokenCounter()

	empty := &ChatRequest{}
	assert.Equal(t, 1, tc.CountRequest(empty))

	req := &ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a helpful assistant."},
			{Role: RoleUser, Content: "Summarize the plot of Hamlet."},
		},
	}
	n := tc.CountRequest(req)
	assert.Greater(t, n, 8, "framing overhead alone is 4 per message")

	withTools := req.Clone()
	withTools.Tools = []ToolSchema{
		{Name: "search", Description: "Search the web", Parameters: []byte(`{"type":"object"}`)},
	}
	assert.Greater(t, tc.CountRequest(withTools), n)
}

func TestEnsureUsageSynthesizes(t *testing.T) {
	tc := NewTokenCounter()
	req := &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hello there"}}}

	resp := &ChatResponse{
		Choices: []ChatChoice{{Message: Message{Role: RoleAssistant, Content: "General Kenobi."}}},
	}
	tc.EnsureUsage(req, resp)

	assert.True(t, resp.Usage.Estimated)
	assert.Greater(t, resp.Usage.PromptTokens, 0)
	assert.Greater(t, resp.Usage.CompletionTokens, 0)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestEnsureUsageKeepsUpstreamCounts(t *testing.T) {
	tc := NewTokenCounter()
	req := &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hello"}}}

	resp := &ChatResponse{
		Usage: ChatUsage{PromptTokens: 12, CompletionTokens: 34, TotalTokens: 46},
	}
	tc.EnsureUsage(req, resp)

	assert.False(t, resp.Usage.Estimated)
	assert.Equal(t, 46, resp.Usage.TotalTokens)
}
