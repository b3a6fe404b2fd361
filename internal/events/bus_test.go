package events

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	var rec recorder
	unsub := bus.Subscribe(EventTransition, rec.add)
	defer unsub()

	bus.Publish(EventTransition, "I-7", map[string]any{"type": "advance", "to": "test"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	got := rec.events[0]
	assert.Equal(t, EventTransition, got.Type)
	assert.Equal(t, "I-7", got.IssueID)
	assert.Equal(t, "test", got.Data["to"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_MultipleSubscribersAndTypes(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	var a, b, other recorder
	defer bus.Subscribe(EventDecision, a.add)()
	defer bus.Subscribe(EventDecision, b.add)()
	defer bus.Subscribe(EventEscalation, other.add)()

	bus.Publish(EventDecision, "I-1", nil)

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, other.count())
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	release := make(chan struct{})
	defer close(release)
	unsub := bus.Subscribe(EventTransition, func(Event) { <-release })
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventTransition, "I-1", map[string]any{"n": i})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.NotZero(t, bus.Dropped())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	var rec recorder
	unsub := bus.Subscribe(EventTransition, rec.add)
	bus.Publish(EventTransition, "I-1", nil)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	bus.Publish(EventTransition, "I-1", nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBus_PanicRecovery(t *testing.T) {
	var logs bytes.Buffer
	var logMu sync.Mutex
	bus := NewBus(10, logging.New(&lockedWriter{w: &logs, mu: &logMu}, "debug"))
	defer bus.Close()

	defer bus.Subscribe(EventReload, func(Event) { panic("boom") })()
	var rec recorder
	defer bus.Subscribe(EventReload, rec.add)()

	bus.Publish(EventReload, "", nil)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		logMu.Lock()
		defer logMu.Unlock()
		return bytes.Contains(logs.Bytes(), []byte("subscriber panic on config_reload: boom"))
	}, time.Second, 5*time.Millisecond)
}

func TestBus_CloseIsFinal(t *testing.T) {
	bus := NewBus(10, nil)
	var rec recorder
	unsub := bus.Subscribe(EventTransition, rec.add)

	bus.Close()
	bus.Close()
	unsub()
	bus.Publish(EventTransition, "I-1", nil)

	late := bus.Subscribe(EventTransition, rec.add)
	late()
	assert.Zero(t, rec.count())
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
