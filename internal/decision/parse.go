package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/phasegate/internal/policy"
)

// MinReasoningLength is the length under which reasoning draws a warning.
const MinReasoningLength = 20

var requiredFields = []string{"decision", "reasoning", "confidence"}

var knownFields = map[string]bool{
	"decision":        true,
	"reasoning":       true,
	"confidence":      true,
	"recommendations": true,
}

// Parse turns raw decision-agent text into a validated Response. It never
// panics and never returns an error: every failure is reported in the
// result.
func Parse(raw string, allowed []string, thresholds policy.ConfidenceThresholds) ParseResult {
	var res ParseResult

	payload, err := extractJSON(sanitizeResponse(raw))
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("invalid JSON: %v", err))
		return res
	}

	for _, f := range requiredFields {
		if v, ok := fields[f]; !ok || isNull(v) {
			res.Errors = append(res.Errors, fmt.Sprintf("missing required field %q", f))
		}
	}

	var unknown []string
	for k := range fields {
		if !knownFields[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown field %q ignored", k))
	}

	resp := Response{}

	if raw, ok := fields["decision"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &resp.Decision); err != nil {
			res.Errors = append(res.Errors, "decision must be a string")
		} else if kind, target, err := ParseAction(resp.Decision); err != nil {
			res.Errors = append(res.Errors, err.Error())
		} else {
			resp.Decision = strings.TrimSpace(resp.Decision)
			resp.Kind, resp.TargetPhase = kind, target
			if target != "" && !contains(allowed, target) {
				res.Errors = append(res.Errors, fmt.Sprintf("target phase %q is not in allowed destinations [%s]",
					target, strings.Join(allowed, ", ")))
			}
		}
	}

	if raw, ok := fields["reasoning"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &resp.Reasoning); err != nil {
			res.Errors = append(res.Errors, "reasoning must be a string")
		} else {
			resp.Reasoning = strings.TrimSpace(resp.Reasoning)
			switch {
			case resp.Reasoning == "":
				res.Errors = append(res.Errors, "reasoning must not be empty")
			case len(resp.Reasoning) < MinReasoningLength:
				res.Warnings = append(res.Warnings, fmt.Sprintf("reasoning is short (%d chars)", len(resp.Reasoning)))
			}
		}
	}

	if raw, ok := fields["confidence"]; ok && !isNull(raw) {
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			res.Errors = append(res.Errors, "confidence must be a number")
		} else if f < 0 || f > 1 {
			res.Errors = append(res.Errors, fmt.Sprintf("confidence %v is outside [0,1]", f))
		} else {
			resp.Confidence = f
			if f < thresholds.AutoAdvance {
				res.Warnings = append(res.Warnings, fmt.Sprintf("confidence %.2f is below the auto-advance threshold %.2f",
					f, thresholds.AutoAdvance))
			}
		}
	}

	if raw, ok := fields["recommendations"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &resp.Recommendations); err != nil {
			res.Warnings = append(res.Warnings, "recommendations must be a list of strings; ignored")
			resp.Recommendations = nil
		}
	}

	if len(res.Errors) > 0 {
		return res
	}
	res.Valid = true
	res.Response = &resp
	return res
}

// sanitizeResponse strips a BOM, surrounding whitespace and markdown fences.
func sanitizeResponse(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

// extractJSON returns the first balanced JSON object in s that decodes,
// skipping prose around it, including brace-wrapped prose before the payload.
// Braces inside strings are ignored.
func extractJSON(s string) ([]byte, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var first []byte
	for start >= 0 {
		end := balancedEnd(s, start)
		if end < 0 {
			break
		}
		candidate := []byte(s[start : end+1])
		var obj map[string]json.RawMessage
		if json.Unmarshal(candidate, &obj) == nil {
			return candidate, nil
		}
		if first == nil {
			first = candidate
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	if first != nil {
		// Let the caller report why the first candidate is not JSON.
		return first, nil
	}
	return nil, fmt.Errorf("unterminated JSON object in response")
}

// balancedEnd returns the index of the brace closing the object opened at
// start, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
