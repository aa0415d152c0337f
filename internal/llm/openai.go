package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/ashureev/studyhub/internal/config"
	"github.com/ashureev/studyhub/internal/domain"
	"github.com/sashabaranov/go-openai"
)

var errNoChoices = errors.New("completion returned no choices")

// OpenAI is a Client for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	client       *openai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// NewOpenAI creates a client from the LLM configuration. A non-empty BaseURL
// points the client at a compatible gateway instead of api.openai.com.
func NewOpenAI(cfg config.LLMConfig, logger *slog.Logger) (*OpenAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
		logger.Warn("OPENAI_MODEL not set, defaulting", "model", model)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	logger.Info("Initializing completion client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
	}, nil
}

// Complete implements Client.
func (o *OpenAI) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.request(messages, false))
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errNoChoices
	}
	o.logger.Debug("Completion finished", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Client.
func (o *OpenAI) Stream(ctx context.Context, messages []domain.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := o.client.CreateChatCompletionStream(ctx, o.request(messages, true))
		if err != nil {
			yield("", fmt.Errorf("chat stream request failed: %w", err))
			return
		}
		defer func() {
			if closeErr := stream.Close(); closeErr != nil {
				o.logger.Debug("failed to close completion stream", "error", closeErr)
			}
		}()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("chat stream error: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			fragment := resp.Choices[0].Delta.Content
			if fragment == "" {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

func (o *OpenAI) request(messages []domain.ChatMessage, stream bool) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if o.systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: out,
		Stream:   stream,
	}
}
