package gemini

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vnmchuo/chat-queue/internal/provider"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string) provider.Provider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var geminiReq geminiRequest
	for _, m := range req.Messages {
		part := geminiPart{Text: m.Content}
		switch m.Role {
		case "system":
			geminiReq.SystemInstruction = &geminiContent{Parts: []geminiPart{part}}
		case "assistant":
			geminiReq.Contents = append(geminiReq.Contents, geminiContent{Role: "model", Parts: []geminiPart{part}})
		default:
			geminiReq.Contents = append(geminiReq.Contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
		}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		geminiReq.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}

	// The key travels in a header so it never shows up in error messages.
	headers := map[string]string{"x-goog-api-key": p.apiKey}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)

	var resp geminiResponse
	if err := provider.PostJSON(ctx, p.http, p.Name(), url, headers, geminiReq, &resp); err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	return &provider.Response{
		Content:      resp.Candidates[0].Content.Parts[0].Text,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		Model:        req.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) CostPerInputToken() float64 {
	return 0.000000125
}

func (p *GeminiProvider) CostPerOutputToken() float64 {
	return 0.000000375
}

func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}
