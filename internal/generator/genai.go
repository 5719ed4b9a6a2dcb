package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/dialogos/internal/domain"
	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// GenAIClient generates questions and insights using the Gemini API.
// It implements both QuestionGenerator and InsightGenerator.
type GenAIClient struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

var (
	_ QuestionGenerator = (*GenAIClient)(nil)
	_ InsightGenerator  = (*GenAIClient)(nil)
)

// NewGenAIClient creates a Gemini-backed generator.
func NewGenAIClient(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}

	return &GenAIClient{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// Generate asks the model for the next Socratic question.
func (c *GenAIClient) Generate(ctx context.Context, topicID string, transcript []*domain.Turn, round int) (*Question, error) {
	raw, err := c.generateJSON(ctx, questionSystemPrompt, questionPrompt(topicID, transcript, round))
	if err != nil {
		return nil, classifyUpstreamError(err, domain.ErrGeneration)
	}

	var question Question
	if err := json.Unmarshal([]byte(raw), &question); err != nil {
		return nil, fmt.Errorf("decode question JSON: %v: %w", err, domain.ErrGeneration)
	}
	if err := question.Validate(); err != nil {
		return nil, err
	}
	return &question, nil
}

// Synthesize asks the model for the structured insight draft.
func (c *GenAIClient) Synthesize(ctx context.Context, topicID string, transcript []*domain.Turn, stats domain.RoundStats) (*InsightDraft, error) {
	raw, err := c.generateJSON(ctx, insightSystemPrompt, insightPrompt(topicID, transcript, stats))
	if err != nil {
		return nil, classifyUpstreamError(err, domain.ErrSynthesis)
	}

	var draft InsightDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return nil, fmt.Errorf("decode insight JSON: %v: %w", err, domain.ErrSynthesis)
	}
	return &draft, nil
}

func (c *GenAIClient) generateJSON(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0.6),
		},
	)
	if err != nil {
		return "", fmt.Errorf("GenAI generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("GenAI returned an empty response")
	}
	return text, nil
}

// classifyUpstreamError tags generator failures with the engine taxonomy.
// Deadline exhaustion becomes ErrUpstreamTimeout so callers know a retry is
// safe; everything else keeps the capability-specific class.
func classifyUpstreamError(err error, class error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, domain.ErrUpstreamTimeout)
	}
	return fmt.Errorf("%v: %w", err, class)
}
