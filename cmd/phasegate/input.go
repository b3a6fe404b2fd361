package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/phasegate/internal/model"
)

// issueFlags reads an issue from --issue-file or from individual flags.
// Flags given alongside a file override its fields.
type issueFlags struct {
	file   string
	id     string
	title  string
	typ    string
	labels []string
}

func (f *issueFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.file, "issue-file", "", "YAML or JSON file describing the issue")
	fs.StringVar(&f.id, "issue", "", "issue id")
	fs.StringVar(&f.title, "title", "", "issue title")
	fs.StringVar(&f.typ, "type", "", "issue type")
	fs.StringSliceVarP(&f.labels, "label", "l", nil, "issue label (repeatable)")
}

func (f *issueFlags) issue() (model.Issue, error) {
	var issue model.Issue
	if f.file != "" {
		if err := readDocument(f.file, &issue); err != nil {
			return model.Issue{}, fmt.Errorf("issue file: %w", err)
		}
	}
	if f.id != "" {
		issue.ID = f.id
	}
	if f.title != "" {
		issue.Title = f.title
	}
	if f.typ != "" {
		issue.Type = f.typ
	}
	if len(f.labels) > 0 {
		issue.Labels = f.labels
	}
	if issue.ID == "" {
		return model.Issue{}, fmt.Errorf("an issue id is required (--issue or --issue-file)")
	}
	return issue, nil
}

type outcomeFlags struct {
	file             string
	success          bool
	result           string
	retryCount       int
	requiresApproval bool
	message          string
	errText          string
}

func (f *outcomeFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.file, "outcome-file", "", "YAML or JSON file with the phase outcome")
	fs.BoolVar(&f.success, "success", false, "the phase succeeded")
	fs.StringVar(&f.result, "result", "", "result type: success, failure, partial_success or unclear")
	fs.IntVar(&f.retryCount, "retry-count", -1, "retries already made for this phase (-1: unset)")
	fs.BoolVar(&f.requiresApproval, "requires-approval", false, "the executor asks for human approval")
	fs.StringVar(&f.message, "message", "", "outcome message")
	fs.StringVar(&f.errText, "error", "", "outcome error text")
}

func (f *outcomeFlags) outcome(cmd *cobra.Command) (model.Outcome, error) {
	var o model.Outcome
	if f.file != "" {
		if err := readDocument(f.file, &o); err != nil {
			return model.Outcome{}, fmt.Errorf("outcome file: %w", err)
		}
	}
	fs := cmd.Flags()
	if fs.Changed("success") {
		o.Success = f.success
	}
	if f.result != "" {
		rt, err := model.ParseResultType(f.result)
		if err != nil {
			return model.Outcome{}, err
		}
		o.ResultType = rt
	}
	if f.retryCount >= 0 {
		o.RetryCount = model.IntPtr(f.retryCount)
	}
	if fs.Changed("requires-approval") {
		o.RequiresApproval = f.requiresApproval
	}
	if f.message != "" {
		o.Message = f.message
	}
	if f.errText != "" {
		o.Error = f.errText
	}
	return o, nil
}

// readDocument decodes a YAML file; JSON parses as YAML.
func readDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
