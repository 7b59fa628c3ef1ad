package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	anthropicVersion      = "2023-06-01"
)

type AnthropicProvider struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{APIKey: apiKey, Model: model, BaseURL: "https://api.anthropic.com/v1", MaxTokens: 1024}
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(ctx, http.MethodGet, p.BaseURL+"/models", p.headers(), nil, &result); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	models := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string) (string, error) {
	req := map[string]any{
		"model":       p.Model,
		"max_tokens":  p.MaxTokens,
		"temperature": 0,
		"system":      systemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := doJSON(ctx, http.MethodPost, p.BaseURL+"/messages", p.headers(), req, &resp); err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return sb.String(), nil
}

func (p *AnthropicProvider) Close() error { return nil }
