// Package providers holds the chat LLM backends used for intent parsing.
package providers

import "context"

// ChatProvider turns a system + user prompt into a text completion.
// Implementations must honor ctx cancellation; callers still bound the call
// with their own timer.
type ChatProvider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options configures a chat provider.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

const defaultMaxTokens = 512
