// Package workflow drives the transition engine for callers: it serializes
// work per issue, resolves dynamic decisions through the decision agent and
// records what happened.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/msageha/phasegate/internal/agent"
	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/loopguard"
	"github.com/msageha/phasegate/internal/policy"
	"github.com/msageha/phasegate/internal/telemetry"
	"github.com/msageha/phasegate/internal/transition"
	"github.com/msageha/phasegate/templates"
)

// Runtime is everything built from one config snapshot. It is immutable;
// a reload builds a new one.
type Runtime struct {
	Config    *config.Config
	Policies  *policy.Set
	Templates *decision.TemplateSet
	Engine    *transition.Engine
	Builder   *decision.Builder
	Gatherer  *decision.Gatherer
	Agent     agent.Executor
}

// BuildOptions overrides parts of the runtime, mainly for tests.
type BuildOptions struct {
	// Agent replaces the executor configured in the agent section.
	Agent  agent.Executor
	Logger *logging.Logger
}

// Build assembles a runtime from cfg, reading history through reader.
func Build(cfg *config.Config, reader history.Reader, opts BuildOptions) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	set, err := cfg.PolicySet()
	if err != nil {
		return nil, fmt.Errorf("policy set: %w", err)
	}
	ts, err := loadTemplates(cfg)
	if err != nil {
		return nil, err
	}
	if err := ts.Check(set); err != nil {
		return nil, fmt.Errorf("decision templates: %w", err)
	}

	guard, err := loopguard.New(cfg.LoopPrevention, reader)
	if err != nil {
		return nil, fmt.Errorf("loop guard: %w", err)
	}
	engine, err := transition.New(set, guard, transition.Options{
		RetryCountSource: cfg.Routing.RetryCountSource,
		History:          reader,
		FallbackAgent:    cfg.Agent.Fallback,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("transition engine: %w", err)
	}

	exec := opts.Agent
	if exec == nil {
		exec, err = agent.New(cfg.Agent, log)
		if err != nil {
			return nil, fmt.Errorf("decision agent: %w", err)
		}
	}

	return &Runtime{
		Config:    cfg,
		Policies:  set,
		Templates: ts,
		Engine:    engine,
		Builder:   decision.NewBuilder(ts),
		Gatherer:  decision.NewGatherer(reader),
		Agent:     exec,
	}, nil
}

func loadTemplates(cfg *config.Config) (*decision.TemplateSet, error) {
	var (
		fsys fs.FS = templates.FS
		dir        = templates.DecisionDir
	)
	if cfg.Templates.Dir != "" {
		fsys, dir = os.DirFS(cfg.Resolve(cfg.Templates.Dir)), "."
	}
	ts, err := decision.LoadTemplateSet(fsys, dir, cfg.Templates.Inline)
	if err != nil {
		return nil, fmt.Errorf("load decision templates: %w", err)
	}
	return ts, nil
}

// OpenStore opens the history backend named in cfg, instrumented when
// telemetry is on.
func OpenStore(cfg *config.Config) (history.Store, error) {
	h := cfg.History
	var (
		store history.Store
		err   error
	)
	switch h.Backend {
	case config.BackendMemory:
		store = history.NewMemoryStore()
	case config.BackendSQLite:
		store, err = history.OpenSQLite(cfg.Resolve(h.Path))
	case config.BackendDual:
		store, err = openDual(cfg)
	default:
		err = fmt.Errorf("unknown history backend %q", h.Backend)
	}
	if err != nil {
		return nil, err
	}
	return telemetry.WrapStore(store), nil
}

func openDual(cfg *config.Config) (history.Store, error) {
	h := cfg.History
	indexPath := cfg.Resolve(h.Path)
	_, statErr := os.Stat(indexPath)
	rebuild := errors.Is(statErr, fs.ErrNotExist)

	journal, err := history.OpenJournal(cfg.Resolve(h.JournalPath), h.JournalMaxBytes)
	if err != nil {
		return nil, err
	}
	journal.EnableChecksum(h.Checksum)
	index, err := history.OpenSQLite(indexPath)
	if err != nil {
		journal.Close()
		return nil, err
	}
	// A missing index is rebuilt from the journal.
	if rebuild {
		if _, err := history.Replay(context.Background(), journal.Path(), index); err != nil {
			index.Close()
			journal.Close()
			return nil, fmt.Errorf("rebuild history index: %w", err)
		}
	}
	return history.NewDualStore(journal, index), nil
}
