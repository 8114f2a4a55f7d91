package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const geminiSystemInstruction = `You moderate comments left on the social media posts of people who may be
targeted by blackmail, threats, defamation, harassment or spam.
Classify the comment into exactly one category: blackmail, threat, defamation,
harassment, spam, benign.
Reply with JSON only:
{"category": "<category>", "severity": <0-100>, "confidence": <0.0-1.0>,
 "risk_score": <0-100>, "rationale": "<one sentence>"}`

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey    string
	ModelName string
}

// GeminiClient classifies comments with a Gemini model.
type GeminiClient struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
	logger    *zap.Logger
}

// NewGeminiClient creates a Gemini-backed classifier.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(geminiSystemInstruction)},
	}
	model.ResponseMIMEType = "application/json"
	model.GenerationConfig.Temperature = genai.Ptr[float32](0.2)
	model.GenerationConfig.MaxOutputTokens = genai.Ptr[int32](300)

	logger.Info("Gemini classifier initialized", zap.String("model", cfg.ModelName))

	return &GeminiClient{
		client:    client,
		model:     model,
		modelName: cfg.ModelName,
		logger:    logger,
	}, nil
}

// Close closes the Gemini client.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func buildPrompt(in Input) string {
	var b strings.Builder
	if in.PostCaption != "" {
		fmt.Fprintf(&b, "Post caption: %q\n", in.PostCaption)
	}
	if in.ParentText != "" {
		fmt.Fprintf(&b, "Replying to: %q\n", in.ParentText)
	}
	fmt.Fprintf(&b, "Comment: %q\n", in.Text)
	return b.String()
}

// Classify scores a single comment.
func (c *GeminiClient) Classify(ctx context.Context, in Input) (*Result, error) {
	resp, err := c.model.GenerateContent(ctx, genai.Text(buildPrompt(in)))
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from gemini")
	}
	textPart, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return nil, fmt.Errorf("unexpected response type from gemini")
	}

	result, err := parseModelJSON(string(textPart))
	if err != nil {
		c.logger.Error("Failed to parse JSON response", zap.Error(err))
		return nil, err
	}
	result.Model = c.modelName
	return normalize(result), nil
}

// parseModelJSON strips markdown fences models sometimes add.
func parseModelJSON(raw string) (*Result, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var result Result
	if err := json.Unmarshal([]byte(clean), &result); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	return &result, nil
}
