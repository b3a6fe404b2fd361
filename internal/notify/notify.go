// Package notify tells a human that an issue is waiting on them.
package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/events"
)

// Escalation is an issue blocked on approval or escalated by the engine.
type Escalation struct {
	IssueID          string
	Policy           string
	Phase            string
	Reason           string
	ProposedPhase    string
	RequiresApproval bool
}

// FromEvent reads an escalation event published by the runner.
func FromEvent(ev events.Event) Escalation {
	str := func(k string) string {
		s, _ := ev.Data[k].(string)
		return s
	}
	approval, _ := ev.Data["requires_approval"].(bool)
	return Escalation{
		IssueID:          ev.IssueID,
		Policy:           str("policy"),
		Phase:            str("phase"),
		Reason:           str("reason"),
		ProposedPhase:    str("proposed_phase"),
		RequiresApproval: approval,
	}
}

func (e Escalation) Title() string {
	if e.RequiresApproval {
		return "phasegate: approval needed for " + e.IssueID
	}
	return "phasegate: " + e.IssueID + " escalated"
}

func (e Escalation) Message() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s: %s", e.Policy, e.Phase, e.Reason)
	if e.ProposedPhase != "" {
		fmt.Fprintf(&sb, " (proposed %s)", e.ProposedPhase)
	}
	return sb.String()
}

type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// FromConfig returns the notifiers enabled in cfg; none when nothing is set.
func FromConfig(cfg config.NotifyConfig) []Notifier {
	var ns []Notifier
	if cfg.Desktop {
		ns = append(ns, Desktop{})
	}
	if cfg.Command != "" {
		ns = append(ns, Command{Script: cfg.Command})
	}
	return ns
}

// Desktop posts a macOS notification via osascript with sound. Elsewhere it
// does nothing.
type Desktop struct{}

func (Desktop) Notify(ctx context.Context, e Escalation) error {
	if runtime.GOOS != "darwin" {
		return nil
	}
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(e.Message()), escapeAppleScript(e.Title()),
	)
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Command runs a shell hook. The escalation is passed in the environment,
// never interpolated into the script.
type Command struct {
	Script string
}

func (c Command) Notify(ctx context.Context, e Escalation) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Script)
	cmd.Env = append(os.Environ(), Env(e)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Env renders e as PHASEGATE_* variables.
func Env(e Escalation) []string {
	return []string{
		"PHASEGATE_ISSUE=" + e.IssueID,
		"PHASEGATE_POLICY=" + e.Policy,
		"PHASEGATE_PHASE=" + e.Phase,
		"PHASEGATE_REASON=" + e.Reason,
		"PHASEGATE_PROPOSED_PHASE=" + e.ProposedPhase,
		fmt.Sprintf("PHASEGATE_REQUIRES_APPROVAL=%t", e.RequiresApproval),
		"PHASEGATE_TITLE=" + e.Title(),
		"PHASEGATE_MESSAGE=" + e.Message(),
	}
}
