package assembly

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	content := `base: python:3.11
manifest: requirements.txt
entrypoint: ["python3", "main.py"]
workdir: /usr/src/app
env:
  APIFY_LOG_LEVEL: INFO
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefinitionFile), []byte(content), 0644))

	def, err := LoadDefinitionFile(dir)
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Equal(t, "python:3.11", def.Base)
	require.Equal(t, []string{"python3", "main.py"}, def.Entrypoint)
	require.Equal(t, "/usr/src/app", def.WorkDir)
	require.Equal(t, "INFO", def.Env["APIFY_LOG_LEVEL"])
}

func TestLoadDefinitionFileAbsent(t *testing.T) {
	def, err := LoadDefinitionFile(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, def)
}

func TestLoadDefinitionFileMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefinitionFile), []byte("base: [oops"), 0644))

	_, err := LoadDefinitionFile(dir)
	require.Error(t, err)
}

func TestMergeDefinitionRequestWins(t *testing.T) {
	file := &Definition{
		Base:       "python:3.10",
		Manifest:   "requirements-dev.txt",
		Entrypoint: []string{"python3", "other.py"},
		WorkDir:    "/srv/app",
		Env:        map[string]string{"A": "file", "B": "file"},
	}
	req := Definition{
		Base:       "python:3.11",
		Entrypoint: []string{"python3", "main.py"},
		Env:        map[string]string{"B": "req"},
	}

	got := mergeDefinition(req, file)
	require.Equal(t, "python:3.11", got.Base)
	require.Equal(t, "requirements-dev.txt", got.Manifest)
	require.Equal(t, []string{"python3", "main.py"}, got.Entrypoint)
	require.Equal(t, "/srv/app", got.WorkDir)
	require.Equal(t, map[string]string{"A": "file", "B": "req"}, got.Env)
}

func TestMergeDefinitionNilFile(t *testing.T) {
	req := Definition{Base: "python:3.11"}
	require.Equal(t, req, mergeDefinition(req, nil))
}

func TestApplyDefaults(t *testing.T) {
	m := &manager{config: DefaultConfig()}

	got := m.applyDefaults(Definition{Base: "python:3.11"})
	require.Equal(t, "requirements.txt", got.Manifest)
	require.Equal(t, "/usr/src/app", got.WorkDir)

	// Explicit values are never overridden.
	got = m.applyDefaults(Definition{Manifest: "deps.txt", WorkDir: "/app"})
	require.Equal(t, "deps.txt", got.Manifest)
	require.Equal(t, "/app", got.WorkDir)
}
