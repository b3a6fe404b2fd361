package model

import "fmt"

// ResultType is the outcome category a phase execution resolves to.
type ResultType string

const (
	ResultSuccess        ResultType = "success"
	ResultFailure        ResultType = "failure"
	ResultPartialSuccess ResultType = "partial_success"
	ResultUnclear        ResultType = "unclear"
)

var validResultTypes = map[ResultType]bool{
	ResultSuccess:        true,
	ResultFailure:        true,
	ResultPartialSuccess: true,
	ResultUnclear:        true,
}

func (r ResultType) Valid() bool {
	return validResultTypes[r]
}

// ParseResultType accepts the four categories; the empty string is not valid.
func ParseResultType(s string) (ResultType, error) {
	r := ResultType(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown result type %q", s)
	}
	return r, nil
}

// Outcome is the result of one phase execution as reported by the executor.
type Outcome struct {
	Success          bool               `yaml:"success" json:"success"`
	ResultType       ResultType         `yaml:"result_type,omitempty" json:"result_type,omitempty"`
	RetryCount       *int               `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	RequiresApproval bool               `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	Message          string             `yaml:"message,omitempty" json:"message,omitempty"`
	Error            string             `yaml:"error,omitempty" json:"error,omitempty"`
	Warnings         []string           `yaml:"warnings,omitempty" json:"warnings,omitempty"`
	Metrics          map[string]float64 `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// Category resolves the outcome category: an explicit, valid result_type
// wins; otherwise it is derived from Success.
func (o Outcome) Category() ResultType {
	if o.ResultType.Valid() {
		return o.ResultType
	}
	if o.Success {
		return ResultSuccess
	}
	return ResultFailure
}

// Retries returns the caller-supplied retry count and whether it was set.
func (o Outcome) Retries() (int, bool) {
	if o.RetryCount == nil {
		return 0, false
	}
	return *o.RetryCount, true
}

// IntPtr is a small helper for building outcomes in code and tests.
func IntPtr(v int) *int {
	return &v
}
