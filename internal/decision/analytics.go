package decision

import (
	"sort"

	"github.com/msageha/phasegate/internal/model"
)

// ConfidenceBucket is a coarse confidence tier used for analytics.
type ConfidenceBucket string

const (
	BucketHigh   ConfidenceBucket = "high"
	BucketMedium ConfidenceBucket = "medium"
	BucketLow    ConfidenceBucket = "low"
)

// Bucket boundaries: high >= 0.8, medium >= 0.5, low below.
const (
	highConfidence   = 0.8
	mediumConfidence = 0.5
)

// BucketOf places a confidence score in its tier.
func BucketOf(confidence float64) ConfidenceBucket {
	switch {
	case confidence >= highConfidence:
		return BucketHigh
	case confidence >= mediumConfidence:
		return BucketMedium
	default:
		return BucketLow
	}
}

type BucketStats struct {
	Count        int     `json:"count" yaml:"count"`
	Approvals    int     `json:"approvals" yaml:"approvals"`
	Escalations  int     `json:"escalations" yaml:"escalations"`
	ApprovalRate float64 `json:"approval_rate" yaml:"approval_rate"`
}

type TargetCount struct {
	Phase string `json:"phase" yaml:"phase"`
	Count int    `json:"count" yaml:"count"`
}

// Summary aggregates a stream of decision events.
type Summary struct {
	Total      int                               `json:"total" yaml:"total"`
	ByAction   map[ActionKind]int                `json:"by_action" yaml:"by_action"`
	Confidence map[ConfidenceBucket]*BucketStats `json:"confidence" yaml:"confidence"`
	TopTargets []TargetCount                     `json:"top_targets" yaml:"top_targets"`
}

// ActionUnknown counts events whose action string does not parse.
const ActionUnknown ActionKind = "unknown"

// Summarize folds events into a Summary. TopTargets is ordered by count
// descending, then phase name.
func Summarize(events []model.DecisionEvent) Summary {
	s := Summary{
		ByAction: make(map[ActionKind]int),
		Confidence: map[ConfidenceBucket]*BucketStats{
			BucketHigh:   {},
			BucketMedium: {},
			BucketLow:    {},
		},
	}
	targets := make(map[string]int)

	for _, ev := range events {
		s.Total++
		kind, target, err := ParseAction(ev.Action)
		if err != nil {
			kind = ActionUnknown
		}
		s.ByAction[kind]++
		if ev.TargetPhase != "" {
			target = ev.TargetPhase
		}
		if target != "" {
			targets[target]++
		}

		b := s.Confidence[BucketOf(ev.Confidence)]
		b.Count++
		if ev.RequiredApproval {
			b.Approvals++
		}
		if ev.Escalated {
			b.Escalations++
		}
	}

	for _, b := range s.Confidence {
		if b.Count > 0 {
			b.ApprovalRate = float64(b.Approvals) / float64(b.Count)
		}
	}

	for phase, n := range targets {
		s.TopTargets = append(s.TopTargets, TargetCount{Phase: phase, Count: n})
	}
	sort.Slice(s.TopTargets, func(i, j int) bool {
		if s.TopTargets[i].Count != s.TopTargets[j].Count {
			return s.TopTargets[i].Count > s.TopTargets[j].Count
		}
		return s.TopTargets[i].Phase < s.TopTargets[j].Phase
	})
	return s
}
