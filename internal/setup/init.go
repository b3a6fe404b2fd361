// Package setup handles phasegate project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/fileutil"
	"github.com/msageha/phasegate/templates"
)

// StateDir holds the history database, journal, socket and lock file.
const StateDir = config.DefaultStateDir

// TemplatesDir is where Run copies the decision templates, relative to the
// project directory.
const TemplatesDir = StateDir + "/templates"

type Options struct {
	// CopyTemplates copies the embedded decision templates into the project
	// and points templates.dir at them.
	CopyTemplates bool
	// Force overwrites an existing phasegate.yaml.
	Force bool
}

// Run writes a starter phasegate.yaml into projectDir and creates the state
// directory. It returns the config path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists", cfgPath)
	}

	if err := os.MkdirAll(filepath.Join(absDir, StateDir), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", StateDir, err)
	}

	data, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}

	if opts.CopyTemplates {
		if err := copyTemplates(filepath.Join(absDir, filepath.FromSlash(TemplatesDir))); err != nil {
			return "", err
		}
	}

	if err := fileutil.WriteFile(cfgPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", config.FileName, err)
	}
	return cfgPath, nil
}

// generateConfig returns the embedded starter config, extended with a
// templates block when requested. The result is parsed before it is returned
// so a broken starter never reaches disk.
func generateConfig(opts Options) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	if opts.CopyTemplates {
		data = append(data, fmt.Sprintf("\ntemplates:\n  dir: %s\n", TemplatesDir)...)
	}
	if _, err := config.Parse(data); err != nil {
		return nil, fmt.Errorf("config template: %w", err)
	}
	return data, nil
}

func copyTemplates(dst string) error {
	entries, err := fs.ReadDir(templates.FS, templates.DecisionDir)
	if err != nil {
		return fmt.Errorf("read embedded templates: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := fs.ReadFile(templates.FS, path.Join(templates.DecisionDir, e.Name()))
		if err != nil {
			return fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		if err := fileutil.WriteFile(filepath.Join(dst, e.Name()), data, 0o644); err != nil {
			return fmt.Errorf("write template %s: %w", e.Name(), err)
		}
	}
	return nil
}
