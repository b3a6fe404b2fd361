// Package templates embeds the default configuration and decision prompt
// templates.
package templates

import "embed"

//go:embed config.yaml decision
var FS embed.FS

// DecisionDir is the directory inside FS holding decision prompt templates.
const DecisionDir = "decision"
