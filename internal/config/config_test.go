package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 32, cfg.Storage.BTreeDegree)
	assert.Equal(t, time.Millisecond, cfg.Retry.Base)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.Cap)
	assert.Equal(t, "docs", cfg.Store.Name)
	assert.Equal(t, "json", cfg.Store.Encoding)
	assert.Equal(t, 10*time.Minute, cfg.Storage.CompactInterval)
	assert.Empty(t, cfg.Indexes)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := `
storage:
  backend: pebble
  path: /tmp/typedkv
retry:
  base: 2ms
  cap: 20ms
indexes:
  - name: by_category
    field: category
    ordered: true
  - name: by_owner
    field: owner
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendPebble, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/typedkv", cfg.Storage.Path)
	assert.Equal(t, 2*time.Millisecond, cfg.Retry.Base)
	require.Len(t, cfg.Indexes, 2)
	assert.Equal(t, IndexConfig{Name: "by_category", Field: "category", Ordered: true}, cfg.Indexes[0])
	assert.False(t, cfg.Indexes[1].Ordered)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown_backend", func(c *Config) { c.Storage.Backend = "tape" }},
		{"unknown_encoding", func(c *Config) { c.Store.Encoding = "xml" }},
		{"small_degree", func(c *Config) { c.Storage.BTreeDegree = 1 }},
		{"cap_below_base", func(c *Config) { c.Retry.Cap = c.Retry.Base / 2 }},
		{"nameless_index", func(c *Config) { c.Indexes = []IndexConfig{{Field: "x"}} }},
		{"duplicate_index", func(c *Config) {
			c.Indexes = []IndexConfig{{Name: "a", Field: "x"}, {Name: "a", Field: "y"}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
