package decision

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/msageha/phasegate/internal/policy"
)

// FallbackTemplate is used when a decision names neither a prompt nor a
// template.
const FallbackTemplate = "fallback"

const (
	systemBlock = "system"
	userBlock   = "user"
)

// Source is the text of one template: a system and a user part.
type Source struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Template is a precompiled system/user template pair.
type Template struct {
	Name   string
	Digest string
	tmpl   *template.Template
}

// Render executes both parts against ctx.
func (t *Template) Render(ctx PromptContext) (system, user string, err error) {
	var sb, ub bytes.Buffer
	if err := t.tmpl.ExecuteTemplate(&sb, systemBlock, ctx); err != nil {
		return "", "", fmt.Errorf("render %s system prompt: %w", t.Name, err)
	}
	if err := t.tmpl.ExecuteTemplate(&ub, userBlock, ctx); err != nil {
		return "", "", fmt.Errorf("render %s user prompt: %w", t.Name, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(ub.String()), nil
}

// funcs is the closed set of helpers templates may call.
var funcs = template.FuncMap{
	"join":  func(items []string, sep string) string { return strings.Join(items, sep) },
	"pct":   func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
	"ms":    func(ms float64) string { return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String() },
	"upper": strings.ToUpper,
}

// TemplateSet holds the named templates plus custom prompts compiled from
// decision configs. Custom prompts are keyed by content digest.
type TemplateSet struct {
	named map[string]*Template

	mu      sync.RWMutex
	customs map[string]*Template
}

// LoadTemplateSet reads every *.tmpl file in dir of fsys (each defining a
// "system" and a "user" block) and then overlays extra. A fallback template
// must exist in the result.
func LoadTemplateSet(fsys fs.FS, dir string, extra map[string]Source) (*TemplateSet, error) {
	ts := &TemplateSet{
		named:   make(map[string]*Template),
		customs: make(map[string]*Template),
	}
	if fsys != nil {
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			return nil, fmt.Errorf("read template dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || path.Ext(e.Name()) != ".tmpl" {
				continue
			}
			data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", e.Name(), err)
			}
			name := strings.TrimSuffix(e.Name(), ".tmpl")
			t, err := compile(name, string(data))
			if err != nil {
				return nil, err
			}
			ts.named[name] = t
		}
	}
	for name, src := range extra {
		text := fmt.Sprintf("{{define %q}}%s{{end}}{{define %q}}%s{{end}}", systemBlock, src.System, userBlock, src.User)
		t, err := compile(name, text)
		if err != nil {
			return nil, err
		}
		ts.named[name] = t
	}
	if _, ok := ts.named[FallbackTemplate]; !ok {
		return nil, fmt.Errorf("decision templates: %q template is required", FallbackTemplate)
	}
	return ts, nil
}

func compile(name, text string) (*Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse decision template %q: %w", name, err)
	}
	for _, block := range []string{systemBlock, userBlock} {
		if tmpl.Lookup(block) == nil {
			return nil, fmt.Errorf("decision template %q: missing %q block", name, block)
		}
	}
	return &Template{Name: name, Digest: digest(text), tmpl: tmpl}, nil
}

func digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Names lists the named templates in sorted order.
func (ts *TemplateSet) Names() []string {
	names := make([]string, 0, len(ts.named))
	for n := range ts.named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the template for cfg: custom prompt, then named template,
// then the fallback. A custom prompt replaces the user part and keeps the
// fallback system part.
func (ts *TemplateSet) Resolve(cfg *policy.DecisionConfig) (*Template, error) {
	switch {
	case cfg != nil && cfg.Prompt != "":
		return ts.compileCustom(cfg.Prompt)
	case cfg != nil && cfg.Template != "":
		t, ok := ts.named[cfg.Template]
		if !ok {
			return nil, fmt.Errorf("unknown decision template %q", cfg.Template)
		}
		return t, nil
	default:
		return ts.named[FallbackTemplate], nil
	}
}

func (ts *TemplateSet) compileCustom(prompt string) (*Template, error) {
	key := digest(prompt)
	ts.mu.RLock()
	t, ok := ts.customs[key]
	ts.mu.RUnlock()
	if ok {
		return t, nil
	}

	fb := ts.named[FallbackTemplate]
	tmpl, err := fb.tmpl.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone fallback template: %w", err)
	}
	if _, err := tmpl.New(userBlock).Parse(prompt); err != nil {
		return nil, fmt.Errorf("parse custom decision prompt: %w", err)
	}
	t = &Template{Name: "custom", Digest: key, tmpl: tmpl}

	ts.mu.Lock()
	ts.customs[key] = t
	ts.mu.Unlock()
	return t, nil
}

// Check compiles every custom prompt and verifies every template reference
// in set.
func (ts *TemplateSet) Check(set *policy.Set) error {
	errs := &policy.ValidationErrors{}
	for i, p := range set.Policies() {
		for j, ph := range p.Phases {
			if ph.Transitions == nil {
				continue
			}
			base := fmt.Sprintf("policies[%d].phases[%d].transitions", i, j)
			check := func(slot string, cfg *policy.DecisionConfig) {
				if cfg == nil {
					return
				}
				if _, err := ts.Resolve(cfg); err != nil {
					errs.Add(base+"."+slot, err.Error())
				}
			}
			check("on_success", ph.Transitions.OnSuccess.Decision())
			check("on_failure", ph.Transitions.OnFailure.Decision())
			check("on_partial_success", ph.Transitions.OnPartialSuccess)
			check("on_unclear", ph.Transitions.OnUnclear)
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
