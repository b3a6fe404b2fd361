package notify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/events"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		got := escapeAppleScript(tt.input)
		if got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFromEvent(t *testing.T) {
	e := FromEvent(events.Event{
		Type:    events.EventEscalation,
		IssueID: "I-9",
		Data: map[string]any{
			"policy":            "default",
			"phase":             "test",
			"reason":            "confidence below approval threshold",
			"proposed_phase":    "plan",
			"requires_approval": true,
			"escalated":         false,
		},
	})
	if e.IssueID != "I-9" || e.Policy != "default" || e.Phase != "test" || e.ProposedPhase != "plan" || !e.RequiresApproval {
		t.Fatalf("unexpected escalation: %+v", e)
	}
	if got := e.Title(); got != "phasegate: approval needed for I-9" {
		t.Errorf("Title() = %q", got)
	}
	if got := e.Message(); got != "default/test: confidence below approval threshold (proposed plan)" {
		t.Errorf("Message() = %q", got)
	}

	if got := (Escalation{IssueID: "I-1"}).Title(); got != "phasegate: I-1 escalated" {
		t.Errorf("escalated Title() = %q", got)
	}
}

func TestFromConfig(t *testing.T) {
	if ns := FromConfig(config.NotifyConfig{}); len(ns) != 0 {
		t.Errorf("expected no notifiers, got %d", len(ns))
	}
	ns := FromConfig(config.NotifyConfig{Desktop: true, Command: "true"})
	if len(ns) != 2 {
		t.Fatalf("expected 2 notifiers, got %d", len(ns))
	}
	if _, ok := ns[1].(Command); !ok {
		t.Errorf("second notifier is %T, want Command", ns[1])
	}
}

func TestCommand_PassesEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	c := Command{Script: `printf '%s|%s|%s' "$PHASEGATE_ISSUE" "$PHASEGATE_PHASE" "$PHASEGATE_REQUIRES_APPROVAL" > "$OUT"`}
	t.Setenv("OUT", out)

	// Shell metacharacters in fields must not be evaluated.
	err := c.Notify(context.Background(), Escalation{IssueID: "I-2; touch pwned", Phase: "$(id)", RequiresApproval: true})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "I-2; touch pwned|$(id)|true"; got != want {
		t.Errorf("hook saw %q, want %q", got, want)
	}
}

func TestCommand_Failure(t *testing.T) {
	err := Command{Script: "echo broken >&2; exit 3"}.Notify(context.Background(), Escalation{})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected failure with output, got %v", err)
	}
}
