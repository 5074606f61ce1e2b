package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/courseloom/courseloom/config"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// ErrGenerationFailed means the model answered but the answer is unusable
// (empty or non-JSON). It is permanent for the current input.
var ErrGenerationFailed = errors.New("structure generation failed")

// LLMUsage carries the billing metadata persisted alongside a snapshot.
type LLMUsage struct {
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Structurer turns a merged material context into a structured course
// outline. Implementations must return valid JSON in payload.
type Structurer interface {
	Generate(ctx context.Context, genCtx *GenerationContext, mode string) (payload []byte, usage LLMUsage, err error)
}

type OpenAIStructurer struct {
	client *openai.Client
	model  string
	logger *logrus.Logger

	// USD per 1K tokens; rough book-keeping values, not a billing source.
	promptCostPer1K     float64
	completionCostPer1K float64
}

func NewOpenAIStructurer(cfg *config.OpenAIConfig, logger *logrus.Logger) *OpenAIStructurer {
	var client *openai.Client
	if cfg.BaseURL != "" {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}
	return &OpenAIStructurer{
		client:              client,
		model:               cfg.StructureModel,
		logger:              logger,
		promptCostPer1K:     0.0025,
		completionCostPer1K: 0.01,
	}
}

const structureSystemPrompt = `You are a curriculum designer. Given course materials grouped by topic, produce a structured course outline as a JSON object with a top-level "sections" array. Each section has "title", "summary", "learning_objectives" (array of strings) and optional nested "sections". Use only the provided materials.`

const guidedInstruction = `Preserve the given topic tree exactly: every node must map to one section, in the same order and nesting. Do not add, merge or reorder sections.`

const freeInstruction = `Organize the content into whatever section structure teaches it best; the given topic tree is a hint, not a constraint.`

func (s *OpenAIStructurer) Generate(ctx context.Context, genCtx *GenerationContext, mode string) ([]byte, LLMUsage, error) {
	materials, err := json.Marshal(genCtx)
	if err != nil {
		return nil, LLMUsage{}, err
	}

	instruction := freeInstruction
	if mode == "guided" {
		instruction = guidedInstruction
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: structureSystemPrompt + "\n" + instruction,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: string(materials),
			},
		},
	})
	if err != nil {
		return nil, LLMUsage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, LLMUsage{}, fmt.Errorf("%w: no choices returned", ErrGenerationFailed)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		s.logger.WithField("model", resp.Model).Warn("model returned non-JSON payload")
		return nil, LLMUsage{}, fmt.Errorf("%w: response is not valid JSON", ErrGenerationFailed)
	}

	usage := LLMUsage{
		ModelID:          resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	usage.CostUSD = float64(usage.PromptTokens)/1000*s.promptCostPer1K +
		float64(usage.CompletionTokens)/1000*s.completionCostPer1K
	return []byte(content), usage, nil
}
