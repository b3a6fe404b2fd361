package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Slot is a transition rule for one outcome category: either a direct target
// (a phase name or "close") or a DecisionConfig. The zero Slot is unset.
type Slot struct {
	target   string
	decision *DecisionConfig
}

// DirectTarget builds a slot that routes straight to target.
func DirectTarget(target string) Slot {
	return Slot{target: target}
}

// Decide builds a slot routed by a decision agent.
func Decide(cfg DecisionConfig) Slot {
	return Slot{decision: &cfg}
}

func (s Slot) IsZero() bool { return s.target == "" && s.decision == nil }
func (s Slot) IsDirect() bool { return s.target != "" }
func (s Slot) IsDecision() bool { return s.decision != nil }
func (s Slot) Target() string { return s.target }
func (s Slot) Decision() *DecisionConfig { return s.decision }

func (s Slot) String() string {
	switch {
	case s.IsDirect():
		return s.target
	case s.IsDecision():
		return "decision(" + s.decision.Capability + ")"
	default:
		return "<unset>"
	}
}

// UnmarshalYAML accepts a scalar target or a decision mapping.
func (s *Slot) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var target string
		if err := value.Decode(&target); err != nil {
			return err
		}
		target = strings.TrimSpace(target)
		if target == "" {
			return fmt.Errorf("line %d: transition target must not be empty", value.Line)
		}
		*s = DirectTarget(target)
		return nil
	case yaml.MappingNode:
		var cfg DecisionConfig
		if err := value.Decode(&cfg); err != nil {
			return err
		}
		*s = Decide(cfg)
		return nil
	default:
		return fmt.Errorf("line %d: transition must be a phase name or a decision object", value.Line)
	}
}

// UnmarshalTOML accepts a string target or a decision table.
func (s *Slot) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		target := strings.TrimSpace(val)
		if target == "" {
			return fmt.Errorf("transition target must not be empty")
		}
		*s = DirectTarget(target)
		return nil
	case map[string]any:
		cfg, err := decisionFromMap(val)
		if err != nil {
			return err
		}
		*s = Decide(cfg)
		return nil
	default:
		return fmt.Errorf("transition must be a phase name or a decision table, got %T", v)
	}
}

type plainDecisionConfig DecisionConfig

// Node.Decode does not inherit KnownFields, so decision keys are checked here.
var decisionFields = map[string]bool{
	"capability":            true,
	"prompt":                true,
	"template":              true,
	"allowed_destinations":  true,
	"confidence_thresholds": true,
	"messaging":             true,
}

// UnmarshalYAML rejects direct targets so that on_partial_success and
// on_unclear can only ever hold a decision.
func (d *DecisionConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a decision object, got a direct target", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if key := value.Content[i].Value; !decisionFields[key] {
			return fmt.Errorf("line %d: unknown decision field %q", value.Content[i].Line, key)
		}
	}
	var p plainDecisionConfig
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = DecisionConfig(p)
	return nil
}

func (d *DecisionConfig) UnmarshalTOML(v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("expected a decision table, got a direct target")
	}
	cfg, err := decisionFromMap(m)
	if err != nil {
		return err
	}
	*d = cfg
	return nil
}

func decisionFromMap(m map[string]any) (DecisionConfig, error) {
	var cfg DecisionConfig
	for key, raw := range m {
		switch key {
		case "capability", "prompt", "template":
			s, ok := raw.(string)
			if !ok {
				return cfg, fmt.Errorf("decision %s must be a string", key)
			}
			switch key {
			case "capability":
				cfg.Capability = s
			case "prompt":
				cfg.Prompt = s
			default:
				cfg.Template = s
			}
		case "allowed_destinations":
			list, ok := raw.([]any)
			if !ok {
				return cfg, fmt.Errorf("decision allowed_destinations must be an array")
			}
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return cfg, fmt.Errorf("decision allowed_destinations must contain strings")
				}
				cfg.AllowedDestinations = append(cfg.AllowedDestinations, s)
			}
		case "confidence_thresholds":
			tm, ok := raw.(map[string]any)
			if !ok {
				return cfg, fmt.Errorf("decision confidence_thresholds must be a table")
			}
			for tk, tv := range tm {
				f, ok := toFloat(tv)
				if !ok {
					return cfg, fmt.Errorf("confidence threshold %s must be a number", tk)
				}
				switch tk {
				case "auto_advance":
					cfg.Thresholds.AutoAdvance = f
				case "require_approval":
					cfg.Thresholds.RequireApproval = f
				default:
					return cfg, fmt.Errorf("unknown confidence threshold %q", tk)
				}
			}
		case "messaging":
			b, ok := raw.(bool)
			if !ok {
				return cfg, fmt.Errorf("decision messaging must be a boolean")
			}
			cfg.Messaging = b
		default:
			return cfg, fmt.Errorf("unknown decision field %q", key)
		}
	}
	return cfg, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
