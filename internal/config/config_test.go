package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
	"github.com/msageha/phasegate/internal/transition"
	"github.com/msageha/phasegate/templates"
)

const minimal = `
policies:
  - id: default
    phases: [{name: plan}, {name: implement}]
`

func TestParse_EmbeddedDefault(t *testing.T) {
	data, err := templates.FS.ReadFile("config.yaml")
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, ProviderScripted, cfg.Agent.Provider)
	assert.Len(t, cfg.Agent.Responses, 1)
	assert.Equal(t, BackendSQLite, cfg.History.Backend)

	set, err := cfg.PolicySet()
	require.NoError(t, err)
	assert.Equal(t, "default", set.DefaultPolicy())
	m, err := set.Match(issueOfType("bug"))
	require.NoError(t, err)
	assert.Equal(t, "bugfix", m.PolicyID)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, policy.DefaultLabelPrefix, cfg.Routing.LabelPrefix)
	assert.Equal(t, policy.UnknownLabelWarn, cfg.Routing.UnknownLabel)
	assert.Equal(t, transition.RetryCountOutcome, cfg.Routing.RetryCountSource)
	assert.Equal(t, 10, cfg.LoopPrevention.MaxPhaseVisits)
	assert.Equal(t, 5, cfg.LoopPrevention.MaxTransitions)
	assert.Equal(t, 3, cfg.LoopPrevention.CycleLength)
	assert.Equal(t, DefaultMaxReprompts, cfg.MaxReprompts())
	assert.Equal(t, ProviderScripted, cfg.Agent.Provider)
	assert.Equal(t, DefaultAgentTimeoutSec*time.Second, cfg.Agent.Timeout())
	assert.Equal(t, DefaultAgentMaxRetries, cfg.Agent.Retries())
	assert.Equal(t, DefaultHistoryPath, cfg.History.Path)
	assert.Empty(t, cfg.History.JournalPath)
	assert.Equal(t, DefaultMetricsAddr, cfg.Metrics.Addr)
	assert.Equal(t, DefaultStateDir, cfg.Server.StateDir)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout())
}

func TestParse_AgentZeroValuesKept(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "agent: {max_retries: 0, timeout_sec: 0}\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Agent.Retries(), "0 disables retries")
	assert.Equal(t, time.Duration(0), cfg.Agent.Timeout(), "0 disables the per-call deadline")

	cfg, err = Parse([]byte(minimal + "agent: {max_retries: 5}\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agent.Retries())
	assert.Equal(t, DefaultAgentTimeoutSec*time.Second, cfg.Agent.Timeout())

	_, err = Parse([]byte(minimal + "agent: {max_retries: -1}\n"))
	assert.ErrorContains(t, err, "agent.max_retries")
}

func TestParse_ProviderDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "agent: {provider: anthropic}\nhistory: {backend: dual}\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAnthropicModel, cfg.Agent.Model)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Agent.APIKeyEnv)
	assert.Equal(t, DefaultJournalPath, cfg.History.JournalPath)
	assert.EqualValues(t, DefaultJournalMaxBytes, cfg.History.JournalMaxBytes)

	cfg, err = Parse([]byte(minimal + "agent: {provider: openai, model: gpt-4.1}\n"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", cfg.Agent.Model)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Agent.APIKeyEnv)
}

func TestParse_ZeroRepromptsIsKept(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "decision: {max_reprompts: 0}\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxReprompts())
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		path  string
	}{
		{"unknown label strategy", "routing: {unknown_label: shrug}", "routing.unknown_label"},
		{"retry count source", "routing: {retry_count_source: vibes}", "routing.retry_count_source"},
		{"cycle length", "loop_prevention: {cycle_length: 6}", "loop_prevention.cycle_length"},
		{"negative visits", "loop_prevention: {max_phase_visits: -1}", "loop_prevention.max_phase_visits"},
		{"negative reprompts", "decision: {max_reprompts: -1}", "decision.max_reprompts"},
		{"provider", "agent: {provider: ollama}", "agent.provider"},
		{"backend", "history: {backend: postgres}", "history.backend"},
		{"both policy sources", "policies_file: policies.toml", "policies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(minimal + tt.extra + "\n"))
			var ve *policy.ValidationErrors
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Len(t, ve.Errors, 1)
			assert.Equal(t, tt.path, ve.Errors[0].FieldPath)
		})
	}
}

func TestParse_NoPolicies(t *testing.T) {
	_, err := Parse([]byte("logging: {level: debug}\n"))
	assert.ErrorContains(t, err, "no policies configured")
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte(minimal + "loop_prevention: {max_visits: 3}\n"))
	assert.ErrorContains(t, err, "max_visits")
}

func TestLoad_ResolvesPoliciesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies.toml"), []byte(`
default_policy = "default"

[[policies]]
id = "default"

[[policies.phases]]
name = "plan"

[[policies]]
id = "hotfix"

[[policies.phases]]
name = "fix"
`), 0o644))
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("policies_file: policies.toml\nrouting: {default_policy: hotfix}\nhistory: {path: state/h.db}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state", "h.db"), cfg.Resolve(cfg.History.Path))
	assert.Equal(t, "/abs/x.db", cfg.Resolve("/abs/x.db"))

	set, err := cfg.PolicySet()
	require.NoError(t, err)
	assert.Equal(t, "hotfix", set.DefaultPolicy(), "routing.default_policy overrides the file")
	assert.Len(t, set.Policies(), 2)
}

func TestLoad_PoliciesDir(t *testing.T) {
	dir := t.TempDir()
	pdir := filepath.Join(dir, "policies")
	require.NoError(t, os.Mkdir(pdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pdir, "a.yaml"), []byte("default_policy: a\npolicies: [{id: a, phases: [{name: x}]}]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pdir, "b.yaml"), []byte("policies: [{id: b, phases: [{name: y}]}]\n"), 0o644))
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("policies_file: policies\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	set, err := cfg.PolicySet()
	require.NoError(t, err)
	assert.Equal(t, "a", set.DefaultPolicy())
	assert.Len(t, set.Policies(), 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func issueOfType(typ string) model.Issue {
	return model.Issue{ID: "I-1", Title: "t", Type: typ}
}
