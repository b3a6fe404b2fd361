package decision

import (
	"fmt"
	"strings"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/policy"
)

// Prompt is a rendered decision prompt.
type Prompt struct {
	System       string
	User         string
	TemplateName string
	// Digest identifies the template text the prompt was rendered from.
	Digest string
}

// Builder renders decision prompts from a TemplateSet.
type Builder struct {
	templates *TemplateSet
}

func NewBuilder(templates *TemplateSet) *Builder {
	return &Builder{templates: templates}
}

// Request carries everything a decision prompt is built from.
type Request struct {
	Issue        model.Issue
	Policy       string
	CurrentPhase string
	Config       *policy.DecisionConfig
	Outcome      model.Outcome
	History      HistoryContext
	// Feedback holds the errors of a rejected previous reply, if any.
	Feedback []string
}

// BuildInstructions renders the system and user prompt for one decision.
func (b *Builder) BuildInstructions(req Request) (Prompt, error) {
	if req.Config == nil {
		return Prompt{}, fmt.Errorf("build decision prompt: no decision config")
	}
	t, err := b.templates.Resolve(req.Config)
	if err != nil {
		return Prompt{}, fmt.Errorf("build decision prompt: %w", err)
	}

	pc := PromptContext{
		Issue:               req.Issue,
		Policy:              req.Policy,
		CurrentPhase:        req.CurrentPhase,
		Capability:          req.Config.Capability,
		PreviousOutcome:     newOutcomeView(req.Outcome),
		AllowedDestinations: req.Config.AllowedDestinations,
		Thresholds:          req.Config.Thresholds,
		DecisionHistory:     lastN(req.History.DecisionHistory, DecisionHistoryLimit),
		VisitHistory:        req.History.VisitHistory,
		Performance:         req.History.Performance,
		Feedback:            req.Feedback,
	}
	system, user, err := t.Render(pc)
	if err != nil {
		return Prompt{}, err
	}
	// Custom prompts may not render the whitelist themselves.
	if req.Config.Prompt != "" && !strings.Contains(user, strings.Join(pc.AllowedDestinations, ", ")) {
		user += "\n\nAllowed destinations: " + strings.Join(pc.AllowedDestinations, ", ")
	}
	if req.Config.Prompt != "" && len(req.Feedback) > 0 {
		user += "\n\nYour previous reply was rejected:\n- " + strings.Join(req.Feedback, "\n- ")
	}
	return Prompt{System: system, User: user, TemplateName: t.Name, Digest: t.Digest}, nil
}

func lastN[T any](items []T, n int) []T {
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
