// Package config loads phasegate.yaml: global loop-prevention limits, routing
// options, decision-agent settings, history backend and the policy set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/loopguard"
	"github.com/msageha/phasegate/internal/policy"
	"github.com/msageha/phasegate/internal/transition"
)

// FileName is the conventional config file name.
const FileName = "phasegate.yaml"

type Config struct {
	Logging        LoggingConfig    `yaml:"logging"`
	Routing        RoutingConfig    `yaml:"routing"`
	LoopPrevention loopguard.Limits `yaml:"loop_prevention"`
	Decision       DecisionConfig   `yaml:"decision"`
	Agent          AgentConfig      `yaml:"agent"`
	History        HistoryConfig    `yaml:"history"`
	Metrics        MetricsConfig    `yaml:"metrics"`
	Telemetry      TelemetryConfig  `yaml:"telemetry"`
	Templates      TemplatesConfig  `yaml:"templates"`
	Server         ServerConfig     `yaml:"server"`
	PoliciesFile   string           `yaml:"policies_file,omitempty"`
	Policies       []policy.Policy  `yaml:"policies,omitempty"`

	// baseDir anchors relative paths; set by Load.
	baseDir string
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RoutingConfig struct {
	DefaultPolicy    string                      `yaml:"default_policy"`
	LabelPrefix      string                      `yaml:"label_prefix"`
	UnknownLabel     policy.UnknownLabelStrategy `yaml:"unknown_label"`
	RetryCountSource transition.RetryCountSource `yaml:"retry_count_source"`
}

type DecisionConfig struct {
	// MaxReprompts bounds how often an invalid reply is sent back to the
	// agent before the decision is escalated. Nil means the default.
	MaxReprompts *int `yaml:"max_reprompts,omitempty"`
}

// Agent providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderScripted  = "scripted"
)

type AgentConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model,omitempty"`
	APIKeyEnv  string `yaml:"api_key_env,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Fallback   string `yaml:"fallback,omitempty"`
	// TimeoutSec 0 disables the per-call deadline; MaxRetries 0 disables retries.
	TimeoutSec *int `yaml:"timeout_sec,omitempty"`
	MaxRetries *int `yaml:"max_retries,omitempty"`
	MaxTokens  int  `yaml:"max_tokens"`
	// Responses feeds the scripted provider, one reply per call.
	Responses []string `yaml:"responses,omitempty"`
}

// Timeout is the per-call deadline for the decision agent.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSec == nil {
		return DefaultAgentTimeoutSec * time.Second
	}
	return time.Duration(*a.TimeoutSec) * time.Second
}

// Retries is how many times a transient agent failure is retried.
func (a AgentConfig) Retries() int {
	if a.MaxRetries == nil {
		return DefaultAgentMaxRetries
	}
	return *a.MaxRetries
}

// History backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendDual   = "dual"
)

type HistoryConfig struct {
	Backend         string `yaml:"backend"`
	Path            string `yaml:"path,omitempty"`
	JournalPath     string `yaml:"journal_path,omitempty"`
	JournalMaxBytes int64  `yaml:"journal_max_bytes,omitempty"`
	Checksum        bool   `yaml:"checksum,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	Stdout  bool `yaml:"stdout"`
}

// ServerConfig configures `phasegate serve`.
type ServerConfig struct {
	// StateDir holds the socket and the lock file.
	StateDir           string       `yaml:"state_dir,omitempty"`
	ShutdownTimeoutSec int          `yaml:"shutdown_timeout_sec,omitempty"`
	Notify             NotifyConfig `yaml:"notify,omitempty"`
}

// NotifyConfig selects how the server tells a human that an issue is
// blocked on approval or escalated.
type NotifyConfig struct {
	// Desktop posts a macOS notification.
	Desktop bool `yaml:"desktop,omitempty"`
	// Command runs through sh -c with the escalation in PHASEGATE_* variables.
	Command string `yaml:"command,omitempty"`
}

// ShutdownTimeout bounds the drain of in-flight requests on shutdown.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSec) * time.Second
}

type TemplatesConfig struct {
	// Dir holds *.tmpl files that replace the embedded decision templates.
	Dir    string                     `yaml:"dir,omitempty"`
	Inline map[string]decision.Source `yaml:"inline,omitempty"`
}

// Defaults.
const (
	DefaultLogLevel        = "info"
	DefaultMaxReprompts    = 2
	DefaultAgentTimeoutSec = 120
	DefaultAgentMaxRetries = 3
	DefaultAgentMaxTokens  = 1024
	DefaultHistoryPath     = ".phasegate/history.db"
	DefaultJournalPath     = ".phasegate/history.jsonl"
	DefaultJournalMaxBytes = 10 << 20
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultStateDir        = ".phasegate"
	DefaultShutdownSec     = 30
	DefaultAnthropicModel  = "claude-sonnet-4-5"
	DefaultOpenAIModel     = "gpt-4o-mini"
)

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	cfg.baseDir = abs
	return cfg, nil
}

// Parse decodes a config document strictly, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Routing.LabelPrefix == "" {
		c.Routing.LabelPrefix = policy.DefaultLabelPrefix
	}
	if c.Routing.UnknownLabel == "" {
		c.Routing.UnknownLabel = policy.UnknownLabelWarn
	}
	if c.Routing.RetryCountSource == "" {
		c.Routing.RetryCountSource = transition.RetryCountOutcome
	}
	if c.LoopPrevention.MaxPhaseVisits == 0 {
		c.LoopPrevention.MaxPhaseVisits = loopguard.DefaultMaxPhaseVisits
	}
	if c.LoopPrevention.MaxTransitions == 0 {
		c.LoopPrevention.MaxTransitions = loopguard.DefaultMaxTransitions
	}
	if c.LoopPrevention.CycleLength == 0 {
		c.LoopPrevention.CycleLength = loopguard.DefaultCycleLength
	}
	if c.Decision.MaxReprompts == nil {
		n := DefaultMaxReprompts
		c.Decision.MaxReprompts = &n
	}

	a := &c.Agent
	if a.Provider == "" {
		a.Provider = ProviderScripted
	}
	if a.TimeoutSec == nil {
		n := DefaultAgentTimeoutSec
		a.TimeoutSec = &n
	}
	if a.MaxRetries == nil {
		n := DefaultAgentMaxRetries
		a.MaxRetries = &n
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = DefaultAgentMaxTokens
	}
	switch a.Provider {
	case ProviderAnthropic:
		if a.Model == "" {
			a.Model = DefaultAnthropicModel
		}
		if a.APIKeyEnv == "" {
			a.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
	case ProviderOpenAI:
		if a.Model == "" {
			a.Model = DefaultOpenAIModel
		}
		if a.APIKeyEnv == "" {
			a.APIKeyEnv = "OPENAI_API_KEY"
		}
	}

	h := &c.History
	if h.Backend == "" {
		h.Backend = BackendSQLite
	}
	if h.Path == "" && h.Backend != BackendMemory {
		h.Path = DefaultHistoryPath
	}
	if h.Backend == BackendDual {
		if h.JournalPath == "" {
			h.JournalPath = DefaultJournalPath
		}
		if h.JournalMaxBytes == 0 {
			h.JournalMaxBytes = DefaultJournalMaxBytes
		}
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Server.StateDir == "" {
		c.Server.StateDir = DefaultStateDir
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = DefaultShutdownSec
	}
}

// Validate reports every invalid setting. Policy-level validation happens when
// the policy set is built.
func (c *Config) Validate() error {
	errs := &policy.ValidationErrors{}

	if !c.Routing.UnknownLabel.Valid() {
		errs.Addf("routing.unknown_label", "must be error, warn or silent, got %q", c.Routing.UnknownLabel)
	}
	if !c.Routing.RetryCountSource.Valid() {
		errs.Addf("routing.retry_count_source", "must be outcome or history, got %q", c.Routing.RetryCountSource)
	}
	if c.LoopPrevention.MaxPhaseVisits < 1 {
		errs.Addf("loop_prevention.max_phase_visits", "must be >= 1, got %d", c.LoopPrevention.MaxPhaseVisits)
	}
	if c.LoopPrevention.MaxTransitions < 1 {
		errs.Addf("loop_prevention.max_transitions", "must be >= 1, got %d", c.LoopPrevention.MaxTransitions)
	}
	if !policy.ValidCycleLength(c.LoopPrevention.CycleLength) {
		errs.Addf("loop_prevention.cycle_length", "must be between %d and %d, got %d",
			policy.MinCycleLength, policy.MaxCycleLength, c.LoopPrevention.CycleLength)
	}
	if *c.Decision.MaxReprompts < 0 {
		errs.Addf("decision.max_reprompts", "must be >= 0, got %d", *c.Decision.MaxReprompts)
	}

	switch c.Agent.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderScripted:
	default:
		errs.Addf("agent.provider", "must be anthropic, openai or scripted, got %q", c.Agent.Provider)
	}
	if n := c.Agent.Timeout(); n < 0 {
		errs.Addf("agent.timeout_sec", "must be >= 0, got %d", int(n/time.Second))
	}
	if n := c.Agent.Retries(); n < 0 {
		errs.Addf("agent.max_retries", "must be >= 0, got %d", n)
	}

	switch c.History.Backend {
	case BackendMemory, BackendSQLite, BackendDual:
	default:
		errs.Addf("history.backend", "must be memory, sqlite or dual, got %q", c.History.Backend)
	}
	if c.History.JournalMaxBytes < 0 {
		errs.Addf("history.journal_max_bytes", "must be >= 0, got %d", c.History.JournalMaxBytes)
	}

	if c.Server.ShutdownTimeoutSec < 0 {
		errs.Addf("server.shutdown_timeout_sec", "must be >= 0, got %d", c.Server.ShutdownTimeoutSec)
	}

	if c.PoliciesFile != "" && len(c.Policies) > 0 {
		errs.Add("policies", "set either policies or policies_file, not both")
	}
	if c.PoliciesFile == "" && len(c.Policies) == 0 {
		errs.Add("policies", "no policies configured")
	}
	return errs.OrNil()
}

// MaxReprompts returns the effective reprompt bound.
func (c *Config) MaxReprompts() int {
	if c.Decision.MaxReprompts == nil {
		return DefaultMaxReprompts
	}
	return *c.Decision.MaxReprompts
}

// BaseDir is the directory relative paths are resolved against.
func (c *Config) BaseDir() string { return c.baseDir }

// Resolve anchors a relative path at the config directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// PolicyDocument returns the policy document: inline policies, or the
// policies file (or directory of files).
func (c *Config) PolicyDocument() (*policy.Document, error) {
	if c.PoliciesFile == "" {
		return &policy.Document{DefaultPolicy: c.Routing.DefaultPolicy, Policies: c.Policies}, nil
	}
	path := c.Resolve(c.PoliciesFile)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("policies_file: %w", err)
	}
	if info.IsDir() {
		return policy.LoadDir(path)
	}
	return policy.LoadFile(path)
}

// PolicySet builds the validated, immutable policy set.
// routing.default_policy, when set, overrides the document's default.
func (c *Config) PolicySet() (*policy.Set, error) {
	doc, err := c.PolicyDocument()
	if err != nil {
		return nil, err
	}
	return policy.NewSet(doc, policy.Options{
		DefaultPolicy: c.Routing.DefaultPolicy,
		LabelPrefix:   c.Routing.LabelPrefix,
		UnknownLabel:  c.Routing.UnknownLabel,
	})
}
