package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/chat-queue/internal/provider"
)

const DefaultBaseURL = "http://localhost:11434"

// OllamaProvider talks to a local Ollama server through its /api/chat endpoint.
type OllamaProvider struct {
	baseURL string
	models  []string
	http    *http.Client
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

// New returns a provider for the given server. models lists the locally
// pulled models the router may send to it.
func New(baseURL string, models []string) provider.Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *OllamaProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	chatReq := chatRequest{
		Model:  req.Model,
		Stream: false,
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		chatReq.Options = &chatOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature}
	}

	var resp chatResponse
	url := fmt.Sprintf("%s/api/chat", p.baseURL)
	if err := provider.PostJSON(ctx, p.http, p.Name(), url, nil, chatReq, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", resp.Error)
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &provider.Response{
		Content:      resp.Message.Content,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		Model:        model,
		Provider:     p.Name(),
	}, nil
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Local models cost nothing per token, so the router prefers Ollama when no
// model is requested.
func (p *OllamaProvider) CostPerInputToken() float64 {
	return 0
}

func (p *OllamaProvider) CostPerOutputToken() float64 {
	return 0
}

func (p *OllamaProvider) SupportedModels() []string {
	return p.models
}
