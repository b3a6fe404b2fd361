package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/agent"
	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/workflow"
)

const onePolicy = `
history: {backend: memory}
policies:
  - id: default
    phases: [{name: plan}, {name: implement}]
`

const twoPolicies = onePolicy + `
  - id: hotfix
    phases: [{name: fix}]
`

type fixture struct {
	path    string
	runner  *workflow.Runner
	metrics *metrics.Metrics
	bus     *events.Bus
	loads   atomic.Int32
}

func newFixture(t *testing.T) (*fixture, Loader) {
	t.Helper()
	f := &fixture{path: filepath.Join(t.TempDir(), config.FileName), metrics: metrics.NewMetrics()}
	require.NoError(t, os.WriteFile(f.path, []byte(onePolicy), 0o644))

	store := history.NewMemoryStore()
	load := func() (*workflow.Runtime, error) {
		f.loads.Add(1)
		cfg, err := config.Load(f.path)
		if err != nil {
			return nil, err
		}
		return workflow.Build(cfg, store, workflow.BuildOptions{Agent: agent.NewScripted()})
	}
	rt, err := load()
	require.NoError(t, err)
	f.runner, err = workflow.NewRunner(rt, workflow.Options{Store: store})
	require.NoError(t, err)
	f.bus = events.NewBus(8, nil)
	t.Cleanup(f.bus.Close)
	return f, load
}

func (f *fixture) policyCount() int {
	return len(f.runner.Runtime().Policies.Policies())
}

func TestReload_SwapsAndKeepsPreviousOnFailure(t *testing.T) {
	f, load := newFixture(t)
	r, err := New(load, f.runner, Options{Paths: []string{f.path}, Metrics: f.metrics})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.path, []byte(twoPolicies), 0o644))
	require.NoError(t, r.Reload())
	assert.Equal(t, 2, f.policyCount())

	before := f.runner.Runtime()
	require.NoError(t, os.WriteFile(f.path, []byte("policies: [{id: broken\n"), 0o644))
	require.Error(t, r.Reload())
	assert.Same(t, before, f.runner.Runtime(), "failed load keeps the running config")

	assert.Equal(t, 1.0, reloadCount(t, f.metrics, "success"))
	assert.Equal(t, 1.0, reloadCount(t, f.metrics, "failure"))
}

func reloadCount(t *testing.T, m *metrics.Metrics, status string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "phasegate_config_reloads_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "status" && lp.GetValue() == status {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReload_ConcurrentCallsShareLoad(t *testing.T) {
	f, _ := newFixture(t)
	release := make(chan struct{})
	var calls atomic.Int32
	slow := func() (*workflow.Runtime, error) {
		calls.Add(1)
		<-release
		return f.runner.Runtime(), nil
	}
	r, err := New(slow, f.runner, Options{Paths: []string{f.path}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Reload())
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Less(t, calls.Load(), int32(8))
}

func TestRun_ReloadsOnWrite(t *testing.T) {
	f, load := newFixture(t)
	reloads := make(chan events.Event, 8)
	f.bus.Subscribe(events.EventReload, func(e events.Event) { reloads <- e })

	r, err := New(load, f.runner, Options{Paths: []string{f.path}, Debounce: 20 * time.Millisecond, Bus: f.bus})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The watcher starts asynchronously; keep rewriting until it notices.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(f.path, []byte(twoPolicies), 0o644)
		return f.policyCount() == 2
	}, 5*time.Second, 100*time.Millisecond)

	select {
	case e := <-reloads:
		assert.Equal(t, "success", e.Data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event")
	}

	loads := f.loads.Load()
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(f.path), "unrelated.txt"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, loads, f.loads.Load(), "unrelated files do not trigger a reload")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNew_RequiresPaths(t *testing.T) {
	_, err := New(func() (*workflow.Runtime, error) { return nil, errors.New("unused") }, nil, Options{})
	assert.Error(t, err)
}
