package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_NoChannels(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Channels)
}

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Channels)
}

func TestLoad_ValidConfig_ParsesChannels(t *testing.T) {
	content := `
channels:
  post_reads:
    durable: false
    payload_kind: custom
  author_trigger:
    durable: true
    payload_kind: trigger
    min_db_version: "0002"
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Channels, 2)

	postReads := cfg.Channels["post_reads"]
	assert.False(t, postReads.Durable)
	assert.Equal(t, "custom", postReads.PayloadKind)

	authorTrigger := cfg.Channels["author_trigger"]
	assert.True(t, authorTrigger.Durable)
	assert.Equal(t, "trigger", authorTrigger.PayloadKind)
	assert.Equal(t, "0002", authorTrigger.MinDBVersion)
}

func TestLoad_UnknownPayloadKind_ReturnsError(t *testing.T) {
	content := `
channels:
  post_reads:
    payload_kind: bogus
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "post_reads")
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "channels: {}")
	t.Setenv("PGPUBSUB_CONFIG", tmp)

	path := ResolvePath()
	assert.Equal(t, tmp, path)
}

func TestResolvePath_NoEnvVar_FallsBackToDefault(t *testing.T) {
	t.Setenv("PGPUBSUB_CONFIG", "")

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "pgpubsub.yaml")
	os.WriteFile(yamlPath, []byte("channels: {}"), 0o644)

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "pgpubsub.yaml", path)
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("PGPUBSUB_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "", path)
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}
