package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
)

const reply = `{"decision": "jump_to_implement", "reasoning": "tests fail", "confidence": 0.9}`

var prompt = decision.Prompt{System: "You route issues.", User: "Tests failed. Decide."}

func agentConfig(provider, baseURL string) config.AgentConfig {
	return config.AgentConfig{
		Provider:   provider,
		Model:      "test-model",
		BaseURL:    baseURL + "/",
		TimeoutSec: model.IntPtr(5),
		MaxRetries: model.IntPtr(2),
		MaxTokens:  256,
	}
}

// flaky answers with status for the first failures calls, then with body.
func flaky(t *testing.T, failures int32, status int, body string, seen func(r *http.Request, payload map[string]any)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		if seen != nil {
			seen(r, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"upstream unavailable"}}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func anthropicBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "test-model",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"stop_reason": "end_turn", "stop_sequence": nil,
		"usage": map[string]any{"input_tokens": 12, "output_tokens": 7},
	})
	return string(b)
}

func openaiBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1730366400, "model": "test-model",
		"choices": []map[string]any{{
			"index": 0, "finish_reason": "stop",
			"message": map[string]any{"role": "assistant", "content": text},
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
	})
	return string(b)
}

func TestAnthropic_Execute(t *testing.T) {
	var path string
	var payload map[string]any
	srv, calls := flaky(t, 0, 0, anthropicBody(reply), func(r *http.Request, p map[string]any) {
		path, payload = r.URL.Path, p
	})

	a := NewAnthropic(agentConfig(config.ProviderAnthropic, srv.URL), "sk-test", logging.Discard())
	out, err := a.Execute(context.Background(), prompt)
	require.NoError(t, err)

	assert.Equal(t, reply, out)
	assert.EqualValues(t, 1, *calls)
	assert.Equal(t, "/v1/messages", path)
	assert.Equal(t, "test-model", payload["model"])
	assert.EqualValues(t, 256, payload["max_tokens"])
	assert.NotEmpty(t, payload["system"])
	assert.Equal(t, "anthropic/test-model", a.Name())
}

func TestAnthropic_RetriesServerErrors(t *testing.T) {
	srv, calls := flaky(t, 2, http.StatusServiceUnavailable, anthropicBody(reply), nil)
	a := NewAnthropic(agentConfig(config.ProviderAnthropic, srv.URL), "sk-test", logging.Discard())
	a.initialBackoff = time.Millisecond

	out, err := a.Execute(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, reply, out)
	assert.EqualValues(t, 3, *calls)
}

func TestAnthropic_ZeroMaxRetriesCallsOnce(t *testing.T) {
	srv, calls := flaky(t, 10, http.StatusInternalServerError, anthropicBody(reply), nil)
	cfg := agentConfig(config.ProviderAnthropic, srv.URL)
	cfg.MaxRetries = model.IntPtr(0)
	a := NewAnthropic(cfg, "sk-test", logging.Discard())
	a.initialBackoff = time.Millisecond

	_, err := a.Execute(context.Background(), prompt)
	require.Error(t, err)
	assert.EqualValues(t, 1, *calls)
}

func TestAnthropic_GivesUpAfterMaxRetries(t *testing.T) {
	srv, calls := flaky(t, 10, http.StatusInternalServerError, anthropicBody(reply), nil)
	a := NewAnthropic(agentConfig(config.ProviderAnthropic, srv.URL), "sk-test", logging.Discard())
	a.initialBackoff = time.Millisecond

	_, err := a.Execute(context.Background(), prompt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic/test-model")
	assert.EqualValues(t, 3, *calls, "one attempt plus two retries")
}

func TestAnthropic_ClientErrorIsPermanent(t *testing.T) {
	srv, calls := flaky(t, 10, http.StatusBadRequest, anthropicBody(reply), nil)
	a := NewAnthropic(agentConfig(config.ProviderAnthropic, srv.URL), "sk-test", logging.Discard())
	a.initialBackoff = time.Millisecond

	_, err := a.Execute(context.Background(), prompt)
	require.Error(t, err)
	assert.EqualValues(t, 1, *calls)
}

func TestOpenAI_Execute(t *testing.T) {
	var path string
	var payload map[string]any
	srv, calls := flaky(t, 1, http.StatusTooManyRequests, openaiBody("  "+reply+"\n"), func(r *http.Request, p map[string]any) {
		path, payload = r.URL.Path, p
	})

	o := NewOpenAI(agentConfig(config.ProviderOpenAI, srv.URL), "sk-test", logging.Discard())
	o.initialBackoff = time.Millisecond
	out, err := o.Execute(context.Background(), prompt)
	require.NoError(t, err)

	assert.Equal(t, reply, out, "reply is trimmed")
	assert.EqualValues(t, 2, *calls)
	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "test-model", payload["model"])
	msgs, ok := payload["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv, _ := flaky(t, 0, 0, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, nil)
	o := NewOpenAI(agentConfig(config.ProviderOpenAI, srv.URL), "sk-test", logging.Discard())

	_, err := o.Execute(context.Background(), prompt)
	assert.ErrorContains(t, err, "no choices")
}

func TestExecute_CallerCancellation(t *testing.T) {
	srv, calls := flaky(t, 10, http.StatusServiceUnavailable, openaiBody(reply), nil)
	o := NewOpenAI(agentConfig(config.ProviderOpenAI, srv.URL), "sk-test", logging.Discard())
	o.initialBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := o.Execute(ctx, prompt)
	require.Error(t, err)
	assert.EqualValues(t, 1, *calls)
}

func TestScripted(t *testing.T) {
	boom := errors.New("boom")
	s := NewScripted("first", "second").FailOn(1, boom)
	ctx := context.Background()

	out, err := s.Execute(ctx, prompt)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	_, err = s.Execute(ctx, prompt)
	assert.ErrorIs(t, err, boom)

	for i := 0; i < 2; i++ {
		out, err = s.Execute(ctx, prompt)
		require.NoError(t, err)
		assert.Equal(t, "second", out, "last reply repeats")
	}
	assert.Len(t, s.Prompts(), 4)

	_, err = NewScripted().Execute(ctx, prompt)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	t.Setenv("PHASEGATE_TEST_KEY", "")

	e, err := New(config.AgentConfig{Provider: config.ProviderScripted, Responses: []string{reply}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scripted", e.Name())

	_, err = New(config.AgentConfig{Provider: config.ProviderAnthropic, APIKeyEnv: "PHASEGATE_TEST_KEY"}, nil)
	assert.ErrorIs(t, err, ErrAPIKeyRequired)
	assert.ErrorContains(t, err, "PHASEGATE_TEST_KEY")

	t.Setenv("PHASEGATE_TEST_KEY", "sk-test")
	e, err = New(config.AgentConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o-mini", APIKeyEnv: "PHASEGATE_TEST_KEY"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, e)
	assert.Equal(t, "openai/gpt-4o-mini", e.Name())

	_, err = New(config.AgentConfig{Provider: "ollama"}, nil)
	assert.ErrorContains(t, err, "unknown agent provider")
}
