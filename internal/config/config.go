package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends understood by the node.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendWAL    = "wal"
)

type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	Path            string `mapstructure:"path"`
	BTreeDegree     int    `mapstructure:"btree_degree"`
	PebbleCacheSize int64  `mapstructure:"pebble_cache_size"`
	// CompactInterval is how often the wal backend rewrites its log; zero
	// disables it.
	CompactInterval time.Duration `mapstructure:"compact_interval"`
}

type RetryConfig struct {
	Base time.Duration `mapstructure:"base"`
	Cap  time.Duration `mapstructure:"cap"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// IndexConfig declares a secondary index over one document field.
type IndexConfig struct {
	Name    string `mapstructure:"name"`
	Field   string `mapstructure:"field"`
	Ordered bool   `mapstructure:"ordered"`
}

type StoreConfig struct {
	Name     string `mapstructure:"name"`
	Encoding string `mapstructure:"encoding"`
}

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Indexes []IndexConfig `mapstructure:"indexes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.path", "data")
	v.SetDefault("storage.btree_degree", 32)
	v.SetDefault("storage.pebble_cache_size", 64<<20)
	v.SetDefault("storage.compact_interval", 10*time.Minute)
	v.SetDefault("retry.base", time.Millisecond)
	v.SetDefault("retry.cap", 50*time.Millisecond)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("server.addr", ":9001")
	v.SetDefault("store.name", "docs")
	v.SetDefault("store.encoding", "json")
}

// Load reads the config file at path (optional, may be empty) and applies
// TYPEDKV_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("typedkv")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendPebble, BackendWAL:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.BTreeDegree < 2 {
		return fmt.Errorf("btree degree must be at least 2, got %d", c.Storage.BTreeDegree)
	}
	switch c.Store.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("unknown store encoding %q", c.Store.Encoding)
	}
	if c.Retry.Base <= 0 || c.Retry.Cap < c.Retry.Base {
		return fmt.Errorf("invalid retry backoff base=%v cap=%v", c.Retry.Base, c.Retry.Cap)
	}
	seen := make(map[string]bool)
	for _, idx := range c.Indexes {
		if idx.Name == "" || idx.Field == "" {
			return fmt.Errorf("index needs a name and a field: %+v", idx)
		}
		if seen[idx.Name] {
			return fmt.Errorf("duplicate index %q", idx.Name)
		}
		seen[idx.Name] = true
	}
	return nil
}
