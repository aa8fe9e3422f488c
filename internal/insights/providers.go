package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"google.golang.org/genai"

	"storepulse/internal/apperr"
)

// Provider completes a prompt with a language model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

type BedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider calls Claude on Bedrock with the messages payload.
type BedrockProvider struct {
	Client    BedrockAPI
	ModelID   string
	MaxTokens int
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(p.ModelID) == "" {
		return "", fmt.Errorf("missing bedrock model id")
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 900
	}
	body, err := json.Marshal(map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"temperature":       0.2,
		"messages": []map[string]any{
			{
				"role":    "user",
				"content": []map[string]any{{"type": "text", "text": prompt}},
			},
		},
	})
	if err != nil {
		return "", err
	}

	out, err := p.Client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", apperr.Upstream("bedrock", err)
	}

	var raw struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &raw); err != nil {
		return "", apperr.Upstream("bedrock", fmt.Errorf("response unmarshal: %w", err))
	}
	var b strings.Builder
	for _, c := range raw.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// ContentGenerator is the part of the genai Models service we use.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider asks Gemini for a JSON response.
type GeminiProvider struct {
	Models ContentGenerator
	Model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing gemini api key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiProvider{Models: client.Models, Model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.Models.GenerateContent(ctx, p.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	})
	if err != nil {
		return "", apperr.Upstream("gemini", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", apperr.Upstream("gemini", fmt.Errorf("empty response"))
	}
	return text, nil
}
