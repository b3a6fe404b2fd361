// Package model defines the value types shared by phasegate's policy, loop
// prevention, decision and transition packages.
package model

import "strings"

// Issue is the read-only view of an issue-tracker ticket the engine routes on.
type Issue struct {
	ID     string   `yaml:"id" json:"id"`
	Number int      `yaml:"number,omitempty" json:"number,omitempty"`
	Title  string   `yaml:"title" json:"title"`
	Body   string   `yaml:"body,omitempty" json:"body,omitempty"`
	Type   string   `yaml:"type,omitempty" json:"type,omitempty"`
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Status string   `yaml:"status,omitempty" json:"status,omitempty"`
}

// LabelValues returns the suffixes of every label starting with prefix,
// in label order. Empty suffixes are skipped.
func (i Issue) LabelValues(prefix string) []string {
	var out []string
	for _, l := range i.Labels {
		if !strings.HasPrefix(l, prefix) {
			continue
		}
		v := strings.TrimSpace(strings.TrimPrefix(l, prefix))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
