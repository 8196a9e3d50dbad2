package gateway

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt sizes for quota accounting and for usage
// synthesis when an upstream omits its usage block. Counts are marked
// estimated; exact tokenization differs per provider and the gateway only
// needs ballpark numbers.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter { return &TokenCounter{} }

func (t *TokenCounter) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		// cl100k_base approximates most current chat models well enough
		// for rate accounting. Failure falls through to the chars/4 rule.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			t.enc = enc
		}
	})
	return t.enc
}

// CountText estimates tokens in a single string, never less than 1 for
// non-empty input.
func (t *TokenCounter) CountText(s string) int {
	if s == "" {
		return 0
	}
	if enc := t.encoding(); enc != nil {
		if n := len(enc.Encode(s, nil, nil)); n > 0 {
			return n
		}
	}
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CountRequest estimates prompt tokens for a chat request: message
// contents plus a small per-message framing overhead.
func (t *TokenCounter) CountRequest(req *ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += t.CountText(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += t.CountText(string(tc.Arguments))
		}
	}
	for _, tool := range req.Tools {
		total += t.CountText(tool.Description) + t.CountText(string(tool.Parameters))
	}
	if total < 1 {
		total = 1
	}
	return total
}

// EnsureUsage fills a missing usage block from local estimates and flags
// it. Responses that already carry upstream usage pass through untouched.
func (t *TokenCounter) EnsureUsage(req *ChatRequest, resp *ChatResponse) {
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		return
	}
	prompt := t.CountRequest(req)
	completion := 0
	for _, ch := range resp.Choices {
		completion += t.CountText(ch.Message.Content)
	}
	if completion < 1 {
		completion = 1
	}
	resp.Usage = ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}
