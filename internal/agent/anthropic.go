package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/logging"
)

// Anthropic runs decision prompts through the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	caller
}

func NewAnthropic(cfg config.AgentConfig, apiKey string, log *logging.Logger, opts ...option.RequestOption) *Anthropic {
	// Retries are ours; the SDK's would multiply them.
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &Anthropic{
		client:    anthropic.NewClient(reqOpts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
		caller:    newCaller(config.ProviderAnthropic, cfg, anthropicRetryable, log),
	}
}

func (a *Anthropic) Name() string { return a.name() }

func (a *Anthropic) Execute(ctx context.Context, prompt decision.Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	return a.do(ctx, func(ctx context.Context) (string, error) {
		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return "", err
		}
		var parts []string
		for _, block := range msg.Content {
			if block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		if len(parts) == 0 {
			return "", fmt.Errorf("unexpected response format: no text blocks (stop_reason=%s)", msg.StopReason)
		}
		return joinText(parts), nil
	})
}

func anthropicRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
