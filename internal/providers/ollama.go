package providers

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

const (
	ollamaDefaultURL   = "http://localhost:11434"
	ollamaDefaultModel = "llama3.2"
)

// OllamaProvider runs a local model through langchaingo.
type OllamaProvider struct {
	llm       llms.Model
	model     string
	maxTokens int
}

func NewOllamaProvider(opts Options) (*OllamaProvider, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = ollamaDefaultURL
	}
	if opts.Model == "" {
		opts.Model = ollamaDefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	llm, err := ollama.New(
		ollama.WithModel(opts.Model),
		ollama.WithServerURL(opts.BaseURL),
		ollama.WithFormat("json"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return &OllamaProvider{llm: llm, model: opts.Model, maxTokens: opts.MaxTokens}, nil
}

func (p *OllamaProvider) Name() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

func (p *OllamaProvider) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(0), llms.WithMaxTokens(p.maxTokens))
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ollama generate: no choices")
	}
	return resp.Choices[0].Content, nil
}
