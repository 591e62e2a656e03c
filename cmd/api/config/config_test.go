package config

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "/var/lib/kiln", cfg.DataDir)
	require.Equal(t, "pip3", cfg.Installer)
	require.Equal(t, "requirements.txt", cfg.DefaultManifest)
	require.Equal(t, "/usr/src/app", cfg.DefaultWorkDir)
	require.False(t, cfg.OtelEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_DIR", "/tmp/kiln-test")
	t.Setenv("MAX_CONCURRENT_ASSEMBLIES", "8")
	t.Setenv("MAX_CONTEXT_SIZE", "1GB")
	t.Setenv("INSTALLER", "uv")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "/tmp/kiln-test", cfg.DataDir)
	require.Equal(t, 8, cfg.MaxConcurrentAssemblies)
	require.Equal(t, datasize.GB, cfg.MaxContextSize)
	require.Equal(t, "uv", cfg.Installer)
	require.True(t, cfg.OtelEnabled)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_ASSEMBLIES", "many")
	t.Setenv("MAX_CONTEXT_SIZE", "huge")

	defaults := Load()
	require.Equal(t, 2, defaults.MaxConcurrentAssemblies)
	require.Equal(t, datasize.ByteSize(512*1024*1024), defaults.MaxContextSize)
}

func TestAssemblyConfig(t *testing.T) {
	t.Setenv("MAX_CONTEXT_SIZE", "64MB")
	t.Setenv("PUSH_REGISTRY", "registry.example.com")

	ac := Load().AssemblyConfig()
	require.Equal(t, int64(64*1024*1024), ac.MaxContextBytes)
	require.Equal(t, "registry.example.com", ac.PushRegistry)
	require.Equal(t, "/opt/kiln/deps", ac.DepsPath)
}
