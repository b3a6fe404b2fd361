package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/decision"
	"github.com/msageha/phasegate/internal/transition"
	"github.com/msageha/phasegate/internal/workflow"
)

type result struct {
	stdout string
	stderr string
	err    error
}

func run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	err := root.Execute()
	if err != nil {
		printError(&stderr, err)
	}
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	r := run(t, "", "init", dir)
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, config.FileName)
	return filepath.Join(dir, config.FileName)
}

func TestCLI_Workflow(t *testing.T) {
	cfg := initProject(t)

	r := run(t, "", "-c", cfg, "validate")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "* default: plan -> implement -> test")
	assert.Contains(t, r.stdout, "  bugfix: reproduce -> fix -> verify")

	r = run(t, "", "-c", cfg, "match", "--issue", "I-1", "--type", "bug")
	require.NoError(t, r.err, r.stderr)
	assert.Equal(t, "I-1: bugfix (by issue_type)\n", r.stdout)

	var res workflow.Result
	r = run(t, "", "-c", cfg, "-o", "json", "transition", "--issue", "I-2", "--phase", "plan", "--success")
	require.NoError(t, r.err, r.stderr)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &res))
	assert.Equal(t, "default", res.PolicyID)
	assert.Equal(t, transition.TypeAdvance, res.Transition.Type)
	assert.Equal(t, "implement", res.Transition.NextPhase)

	// The starter config's scripted agent always asks for approval.
	r = run(t, "", "-c", cfg, "transition", "--issue", "I-2", "--phase", "test", "--result", "unclear")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "I-2 [default]: block test -> -")
	assert.Contains(t, r.stdout, "decision: require_approval")

	var sum decision.Summary
	r = run(t, "", "-c", cfg, "-o", "json", "analytics", "--issue", "I-2")
	require.NoError(t, r.err, r.stderr)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &sum))
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.ByAction[decision.ActionRequireApproval])

	export := filepath.Join(t.TempDir(), "summary.yaml")
	r = run(t, "", "-c", cfg, "analytics", "--export", export)
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "decisions: 1")
	data, err := os.ReadFile(export)
	require.NoError(t, err)
	assert.Contains(t, string(data), "total: 1")
}

func TestCLI_ParseDecision(t *testing.T) {
	cfg := initProject(t)

	tests := []struct {
		name    string
		args    []string
		reply   string
		wantErr bool
		want    string
	}{
		{
			name:  "explicit whitelist",
			args:  []string{"--allow", "plan,test"},
			reply: `{"decision": "jump_to_plan", "reasoning": "acceptance criteria are missing", "confidence": 0.9}`,
			want:  "valid: jump_to_plan (confidence 0.90, high)",
		},
		{
			name:    "target outside whitelist",
			args:    []string{"--allow", "test"},
			reply:   `{"decision": "jump_to_plan", "reasoning": "acceptance criteria are missing", "confidence": 0.9}`,
			wantErr: true,
			want:    `target phase "plan" is not in allowed destinations [test]`,
		},
		{
			name:  "slot from config",
			args:  []string{"-c", cfg, "--policy", "default", "--phase", "test", "--result", "partial_success"},
			reply: "```json\n{\"decision\": \"advance_to_close\", \"reasoning\": \"only flaky tests failed\", \"confidence\": 0.6}\n```",
			want:  "valid: advance_to_close (confidence 0.60, medium)",
		},
		{
			name:    "no whitelist",
			reply:   `{}`,
			wantErr: true,
			want:    "no allowed destinations",
		},
		{
			name:    "slot without decision agent",
			args:    []string{"-c", cfg, "--policy", "default", "--phase", "plan", "--result", "failure"},
			reply:   `{}`,
			wantErr: true,
			want:    "without a decision agent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(t, tt.reply, append([]string{"parse-decision"}, tt.args...)...)
			if tt.wantErr {
				require.Error(t, r.err)
			} else {
				require.NoError(t, r.err, r.stderr)
			}
			assert.Contains(t, r.stdout+r.stderr, tt.want)
		})
	}
}

func TestCLI_ConfigFromEnv(t *testing.T) {
	cfg := initProject(t)
	t.Setenv("PHASEGATE_CONFIG", cfg)

	r := run(t, "", "-o", "yaml", "match", "--issue", "I-3")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "policy: default")
}

func TestCLI_ValidationErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	bad := `
history:
  backend: memory
policies:
  - id: default
    phases:
      - name: plan
        transitions:
          on_success: deploy
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	r := run(t, "", "-c", path, "validate")
	require.Error(t, r.err)
	assert.Contains(t, r.stderr, "error: ")
	assert.Contains(t, r.stderr, "deploy")
}

func TestCLI_TransitionRequiresIssue(t *testing.T) {
	cfg := initProject(t)
	r := run(t, "", "-c", cfg, "transition", "--phase", "plan", "--success")
	require.Error(t, r.err)
	assert.Contains(t, r.stderr, "an issue id is required")
}

func TestCLI_StatusWithoutServer(t *testing.T) {
	cfg := initProject(t)
	r := run(t, "", "-c", cfg, "status")
	require.Error(t, r.err)
	assert.Contains(t, r.stderr, "phasegate serve")
}

func TestCLI_UnknownOutputFormat(t *testing.T) {
	cfg := initProject(t)
	r := run(t, "", "-c", cfg, "-o", "xml", "match", "--issue", "I-1")
	require.Error(t, r.err)
	assert.Contains(t, r.stderr, `unknown output format "xml"`)
}

func TestCLI_Version(t *testing.T) {
	r := run(t, "", "version")
	require.NoError(t, r.err)
	assert.Equal(t, "phasegate "+Version+"\n", r.stdout)
}
