// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API. It translates the runtime's normalized requests into chat
// completion calls using github.com/openai/openai-go and maps responses back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/finsight-ai/finsight/runtime/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter.
	// It is satisfied by the SDK's chat completion service so tests can
	// substitute a stub.
	ChatClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used when model.Request.Model
		// is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Zero leaves the provider default in place.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			messages = append(messages, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			return model.Response{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if maxTokens := req.MaxTokens; maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	} else if c.maxTok > 0 {
		params.MaxTokens = sdk.Int(int64(c.maxTok))
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, translateError(err)
	}
	return translateResponse(completion)
}

func translateResponse(completion *sdk.ChatCompletion) (model.Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return model.Response{}, errors.New("openai: empty completion")
	}
	choice := completion.Choices[0]
	return model.Response{
		Text: choice.Message.Content,
		Usage: model.TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
		StopReason: choice.FinishReason,
	}, nil
}

// translateError maps throttling and server-side failures onto the runtime's
// transient sentinels so stage retry kicks in.
func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("openai chat completion: %w", err)
}
