package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIProvider struct {
	APIKey  string
	Model   string
	BaseURL string
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{APIKey: apiKey, Model: model, BaseURL: "https://api.openai.com/v1"}
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.APIKey}
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(ctx, http.MethodGet, p.BaseURL+"/models", p.headers(), nil, &result); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	var models []string
	for _, m := range result.Data {
		// chat-capable families only
		if strings.HasPrefix(m.ID, "gpt-") || strings.HasPrefix(m.ID, "o") {
			models = append(models, m.ID)
		}
	}
	return models, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	req := map[string]any{
		"model":           p.Model,
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	var resp struct {
		Choices []struct {
			Message openAIMessage `json:"message"`
		} `json:"choices"`
	}
	if err := doJSON(ctx, http.MethodPost, p.BaseURL+"/chat/completions", p.headers(), req, &resp); err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Close() error { return nil }
