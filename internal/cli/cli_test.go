package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/mnemo/internal/config"
	"github.com/lazypower/mnemo/internal/engine"
	"github.com/lazypower/mnemo/internal/store"
)

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		format, path, want string
	}{
		{"", "", formatJSON},
		{"", "out.yaml", formatYAML},
		{"", "out.YML", formatYAML},
		{"", "out.json", formatJSON},
		{"yaml", "out.json", formatYAML},
		{"JSON", "", formatJSON},
	}
	for _, tt := range tests {
		got, err := resolveFormat(tt.format, tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "format %q path %q", tt.format, tt.path)
	}

	_, err := resolveFormat("toml", "")
	assert.Error(t, err)
}

func TestYAMLRecordsKeepOptionalFields(t *testing.T) {
	exp := int64(1767225600000)
	records := []store.Record{
		{ID: 1, Content: "Deploys happen on Tuesdays", Category: "decision", Importance: 4, ExpiresAt: &exp, SessionID: "s1"},
		{ID: 2, Content: "multi\nline: content", Category: "general", Importance: 2},
	}
	var buf bytes.Buffer
	require.NoError(t, encodeRecords(&buf, formatYAML, records))
	assert.Contains(t, buf.String(), "expires_at:")

	got, err := decodeRecords(&buf, formatYAML)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].ExpiresAt)
	assert.Equal(t, exp, *got[0].ExpiresAt)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Nil(t, got[1].ExpiresAt)
	assert.Equal(t, "multi\nline: content", got[1].Content)

	empty, err := decodeRecords(strings.NewReader(""), formatYAML)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decodeRecords(strings.NewReader("{"), formatJSON)
	assert.Error(t, err)
}

func TestNewEmbedder(t *testing.T) {
	hash := newEmbedder(config.EmbedderConfig{Provider: config.ProviderHash, Dims: 128})
	assert.IsType(t, &engine.HashEmbedder{}, hash)
	assert.Equal(t, 128, hash.Dimensions())

	ollama := newEmbedder(config.EmbedderConfig{Provider: config.ProviderOllama, OllamaURL: "http://127.0.0.1:1", Model: "m", Dims: 768})
	assert.IsType(t, &engine.OllamaEmbedder{}, ollama)

	fallback := newEmbedder(config.EmbedderConfig{Provider: config.ProviderAuto, OllamaURL: "http://127.0.0.1:1", Model: "m", Dims: 768})
	assert.IsType(t, &engine.HashEmbedder{}, fallback)
	assert.Equal(t, hashDims, fallback.Dimensions())
}

// run executes the root command and returns stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), "mnemo %v: %s", args, out.String())
	return out.String()
}

func TestCommandsAgainstTempDatabase(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)
	conf := filepath.Join(dir, "mnemo.yaml")
	require.NoError(t, os.WriteFile(conf, []byte(`
database:
  path: `+filepath.Join(dir, "mnemo.db")+`
embedder:
  provider: hash
  dims: 64
index:
  strategy: memory
log:
  level: error
`), 0644))

	out := run(t, "--config", conf, "--agent", "a", "save", "--category", "project", "--tag", "db", "Postgres", "runs", "on", "port", "5433")
	assert.Contains(t, out, "saved #1")
	run(t, "--config", conf, "--agent", "a", "save", "--category", "general", "Lunch is at noon")

	out = run(t, "--config", conf, "--agent", "a", "search", "postgres")
	assert.Contains(t, out, "Postgres runs on port 5433")
	assert.NotContains(t, out, "Lunch")

	out = run(t, "--config", conf, "--agent", "a", "timeline", "--limit", "1")
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "more: --cursor")

	export := filepath.Join(dir, "a.yaml")
	run(t, "--config", conf, "--agent", "a", "export", "--output", export)
	data, err := os.ReadFile(export)
	require.NoError(t, err)
	assert.Contains(t, string(data), "content: Postgres runs on port 5433")

	out = run(t, "--config", conf, "--agent", "b", "import", export)
	assert.Contains(t, out, "imported 2, skipped 0")

	out = run(t, "--config", conf, "--agent", "b", "stats")
	assert.Contains(t, out, "active 2")
	assert.Contains(t, out, "embedder: hash:64")

	out = run(t, "--config", conf, "--agent", "", "agents")
	assert.Contains(t, out, "a ")
	assert.Contains(t, out, "b ")

	out = run(t, "--config", conf, "--agent", "", "decay")
	assert.Contains(t, out, "decay:")
	out = run(t, "--config", conf, "--agent", "a", "compress")
	assert.Contains(t, out, "a: 0 clusters")

	out = run(t, "--config", conf, "version")
	assert.Contains(t, out, "mnemo dev")
}
