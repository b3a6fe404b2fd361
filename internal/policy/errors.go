package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownPolicy        = errors.New("unknown policy")
	ErrUnknownPhase         = errors.New("unknown phase")
	ErrUnknownWorkflowLabel = errors.New("unknown workflow label")
)

// ValidationError is one configuration problem located by its field path,
// e.g. "policies[0].phases[2].transitions.on_failure".
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects every problem found while validating a policy set.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) Addf(fieldPath, format string, args ...any) {
	ve.Add(fieldPath, fmt.Sprintf(format, args...))
}

func (ve *ValidationErrors) HasErrors() bool {
	return ve != nil && len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// OrNil keeps a nil *ValidationErrors from becoming a non-nil error interface.
func (ve *ValidationErrors) OrNil() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}
