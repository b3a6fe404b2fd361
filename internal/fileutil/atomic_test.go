package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "summary.yaml")

	require.NoError(t, WriteYAML(path, map[string]any{"total": 3, "top": "test"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(content, &got))
	assert.Equal(t, 3, got["total"])
	assert.NoFileExists(t, path+".bak")
}

func TestWriteYAML_KeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phasegate.yaml")
	require.NoError(t, WriteYAML(path, map[string]string{"version": "1"}))
	require.NoError(t, WriteYAML(path, map[string]string{"version": "2"}))

	bak, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(bak), "version: \"1\"")

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(cur), "version: \"2\"")
}

func TestWriteFile_RejectsBrokenYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phasegate.yaml")
	require.NoError(t, WriteFile(path, []byte("ok: true\n"), 0o644))

	err := WriteFile(path, []byte("key: [unterminated\n"), 0o644)
	assert.ErrorContains(t, err, "yaml validation failed")

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ok: true\n", string(cur), "original untouched")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".phasegate-tmp-", "temp files are cleaned up")
	}
}

func TestWriteFile_NonYAMLSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.tmpl")
	require.NoError(t, WriteFile(path, []byte("{{define \"user\"}}[{{end}}"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
