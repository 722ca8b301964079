// Package engine owns the inference pipeline: one worker drains the priority
// queue and serializes every generation behind the GPU lock.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// ErrAdapterNotFound is returned when an adapter name is not configured.
var ErrAdapterNotFound = errors.New("adapter not found")

// StreamRequest is what the runtime needs for one generation.
type StreamRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float64
}

// Runtime streams completions from a model server. Implementations must call
// onChunk in order and stop when it returns an error.
type Runtime interface {
	Stream(ctx context.Context, req StreamRequest, onChunk func(chunk string) error) error
	CountTokens(text string) int
}

// OpenAIRuntime talks to any OpenAI-compatible completion server.
type OpenAIRuntime struct {
	client openai.Client
}

func NewOpenAIRuntime(baseURL, apiKey string) *OpenAIRuntime {
	return &OpenAIRuntime{
		client: openai.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(apiKey),
		),
	}
}

func (r *OpenAIRuntime) Stream(ctx context.Context, req StreamRequest, onChunk func(string) error) error {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.Prompt),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	stream := r.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onChunk(delta); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("completion stream: %w", err)
	}
	return nil
}

// CountTokens is a chars/4 estimate; good enough for budgets and analytics,
// not billing.
func (r *OpenAIRuntime) CountTokens(text string) int {
	return len(text) / 4
}
