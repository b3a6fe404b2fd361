package agent

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/logging"
)

// OpenAI runs decision prompts through the Chat Completions API. BaseURL
// lets it target any compatible gateway.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	caller
}

func NewOpenAI(cfg config.AgentConfig, apiKey string, log *logging.Logger, opts ...option.RequestOption) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAI{
		client:    openai.NewClient(reqOpts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		caller:    newCaller(config.ProviderOpenAI, cfg, openaiRetryable, log),
	}
}

func (o *OpenAI) Name() string { return o.name() }

func (o *OpenAI) Execute(ctx context.Context, prompt decision.Prompt) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	messages = append(messages, openai.UserMessage(prompt.User))
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(o.maxTokens)
	}

	return o.do(ctx, func(ctx context.Context) (string, error) {
		resp, err := o.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("unexpected response format: no choices")
		}
		return joinText([]string{resp.Choices[0].Message.Content}), nil
	})
}

func openaiRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusRequestTimeout,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
