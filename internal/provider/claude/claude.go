package claude

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/chat-queue/internal/provider"
)

const apiVersion = "2023-06-01"

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey string) provider.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	claudeReq := claudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if claudeReq.MaxTokens == 0 {
		claudeReq.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			claudeReq.System = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		claudeReq.Messages = append(claudeReq.Messages, claudeMessage{Role: role, Content: m.Content})
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": apiVersion,
	}
	var resp claudeResponse
	if err := provider.PostJSON(ctx, p.http, p.Name(), fmt.Sprintf("%s/messages", p.baseURL), headers, claudeReq, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	return &provider.Response{
		ID:           resp.ID,
		Content:      text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Model:        resp.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.000003
}

func (p *ClaudeProvider) CostPerOutputToken() float64 {
	return 0.000015
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229"}
}
