// Package agent runs decision prompts against a model provider and returns
// the raw reply for the decision parser.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/telemetry"
)

const tracerName = "github.com/msageha/phasegate/agent"

// ErrAPIKeyRequired is returned when the configured key variable is unset.
var ErrAPIKeyRequired = errors.New("API key required")

// Executor sends one rendered decision prompt and returns the model's reply.
type Executor interface {
	Execute(ctx context.Context, prompt decision.Prompt) (string, error)
	// Name identifies the provider and model in logs and events.
	Name() string
}

// New builds the executor selected by cfg.Provider.
func New(cfg config.AgentConfig, log *logging.Logger) (Executor, error) {
	if log == nil {
		log = logging.Discard()
	}
	switch cfg.Provider {
	case config.ProviderScripted:
		return NewScripted(cfg.Responses...), nil
	case config.ProviderAnthropic, config.ProviderOpenAI:
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: set %s", ErrAPIKeyRequired, cfg.APIKeyEnv)
		}
		if cfg.Provider == config.ProviderAnthropic {
			return NewAnthropic(cfg, key, log), nil
		}
		return NewOpenAI(cfg, key, log), nil
	}
	return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
}

// caller holds the retry and tracing plumbing shared by the API executors.
type caller struct {
	provider       string
	model          string
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	retryable      func(error) bool
	log            *logging.Logger
}

func newCaller(provider string, cfg config.AgentConfig, retryable func(error) bool, log *logging.Logger) caller {
	return caller{
		provider:       provider,
		model:          cfg.Model,
		timeout:        cfg.Timeout(),
		maxRetries:     cfg.Retries(),
		initialBackoff: time.Second,
		retryable:      retryable,
		log:            log.With("agent"),
	}
}

func (c caller) name() string {
	return c.provider + "/" + c.model
}

func (c caller) newBackOff(ctx context.Context) backoff.BackOff {
	// BackOff implementations are stateful; build one per call.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(c.maxRetries, 0))), ctx)
}

// do runs send under a span, retrying transient failures. Each attempt gets
// its own timeout.
func (c caller) do(ctx context.Context, send func(ctx context.Context) (string, error)) (string, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "agent."+c.provider+".execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("phasegate.agent.provider", c.provider),
			attribute.String("phasegate.agent.model", c.model),
		),
	)
	defer span.End()

	attempts := 0
	var reply string
	err := backoff.RetryNotify(func() error {
		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		defer cancel()
		out, err := send(callCtx)
		if err == nil {
			reply = out
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		// A per-attempt deadline is transient; the caller's is not.
		if errors.Is(err, context.DeadlineExceeded) || c.retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, c.newBackOff(ctx), func(err error, wait time.Duration) {
		c.log.Warnf("%s call failed, retrying in %s: %v", c.name(), wait, err)
	})

	span.SetAttributes(attribute.Int("phasegate.agent.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%s: %w", c.name(), err)
	}
	return reply, nil
}

// Scripted replays canned replies in order and repeats the last one once
// exhausted. It backs the "scripted" provider and tests.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	errs      map[int]error
	prompts   []decision.Prompt
}

func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses, errs: make(map[int]error)}
}

// FailOn makes the call with the given zero-based index return err.
func (s *Scripted) FailOn(call int, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[call] = err
	return s
}

func (s *Scripted) Execute(ctx context.Context, prompt decision.Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	if err, ok := s.errs[call]; ok {
		return "", err
	}
	if len(s.responses) == 0 {
		return "", errors.New("scripted agent has no responses")
	}
	return s.responses[min(call, len(s.responses)-1)], nil
}

func (s *Scripted) Name() string { return config.ProviderScripted }

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []decision.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]decision.Prompt, len(s.prompts))
	copy(out, s.prompts)
	return out
}

func joinText(parts []string) string {
	return strings.TrimSpace(strings.Join(parts, ""))
}
