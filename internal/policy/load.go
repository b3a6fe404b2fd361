package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is the serialization of a policy document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported policy file extension %q", filepath.Ext(path))
	}
}

// Parse decodes a policy document. Structural errors (such as a direct
// target under on_unclear) fail here; semantic validation happens in NewSet.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse policy yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, fmt.Errorf("parse policy toml: %w", err)
		}
		var unknown []string
		for _, k := range md.Undecoded() {
			// Keys below a transition slot are consumed by UnmarshalTOML.
			if slices.Contains(k, "transitions") {
				continue
			}
			unknown = append(unknown, k.String())
		}
		if len(unknown) > 0 {
			return nil, fmt.Errorf("parse policy toml: unknown keys: %s", strings.Join(unknown, ", "))
		}
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}
	return &doc, nil
}

// LoadFile reads and decodes one policy file.
func LoadFile(path string) (*Document, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadDir merges every .yaml/.yml/.toml file in dir, in file-name order so
// that declaration order (and therefore tie-breaking) is stable. At most one
// file may set default_policy.
func LoadDir(dir string) (*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatFromPath(e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	merged := &Document{}
	for _, name := range names {
		doc, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if doc.DefaultPolicy != "" {
			if merged.DefaultPolicy != "" && merged.DefaultPolicy != doc.DefaultPolicy {
				return nil, fmt.Errorf("%s: default_policy %q conflicts with %q", name, doc.DefaultPolicy, merged.DefaultPolicy)
			}
			merged.DefaultPolicy = doc.DefaultPolicy
		}
		merged.Policies = append(merged.Policies, doc.Policies...)
	}
	return merged, nil
}
