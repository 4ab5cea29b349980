// Package config is the typed view of node settings.
//
// Settings come from, in increasing priority: defaults, an optional
// config file (YAML or TOML), WASMNODE_* environment variables and
// command line flags.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/logging"
)

// EnvPrefix prefixes environment overrides, e.g. WASMNODE_RPC_ADDR.
const EnvPrefix = "WASMNODE"

// Config holds every node setting.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	Genesis string `mapstructure:"genesis"`
	NodeKey string `mapstructure:"node_key"`

	RPC       RPC            `mapstructure:"rpc"`
	Author    Author         `mapstructure:"author"`
	Engine    Engine         `mapstructure:"engine"`
	Scheduler Scheduler      `mapstructure:"scheduler"`
	Pool      Pool           `mapstructure:"pool"`
	Store     Store          `mapstructure:"store"`
	Log       logging.Config `mapstructure:"log"`
}

// RPC configures the HTTP surface.
type RPC struct {
	Addr    string `mapstructure:"addr"`
	Metrics bool   `mapstructure:"metrics"`
}

// Author configures the development block author.
type Author struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	MaxExtrinsics int           `mapstructure:"max_extrinsics"`
	MaxBytes      int           `mapstructure:"max_bytes"`
	SkipEmpty     bool          `mapstructure:"skip_empty"`
}

// Engine configures runtime execution.
type Engine struct {
	Kind             string `mapstructure:"kind"`
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
	CallWeightLimit  uint64 `mapstructure:"call_weight_limit"`
	BlockWeightLimit uint64 `mapstructure:"block_weight_limit"`
}

// Scheduler configures the import queue.
type Scheduler struct {
	QueueSize int `mapstructure:"queue_size"`
}

// Pool configures the transaction pool.
type Pool struct {
	Capacity int `mapstructure:"capacity"`
	MaxSize  int `mapstructure:"max_size"`
}

// Store configures the database.
type Store struct {
	CacheMB    int  `mapstructure:"cache_mb"`
	BlockCache int  `mapstructure:"block_cache"`
	NoSync     bool `mapstructure:"no_sync"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("genesis", "")
	v.SetDefault("node_key", "")

	v.SetDefault("rpc.addr", "127.0.0.1:9933")
	v.SetDefault("rpc.metrics", true)

	v.SetDefault("author.enabled", true)
	v.SetDefault("author.interval", time.Second)
	v.SetDefault("author.max_extrinsics", 1024)
	v.SetDefault("author.max_bytes", 4<<20)
	v.SetDefault("author.skip_empty", false)

	v.SetDefault("engine.kind", string(engine.KindCompiler))
	v.SetDefault("engine.memory_limit_pages", engine.DefaultMemoryLimitPages)
	v.SetDefault("engine.call_weight_limit", 2_000_000_000)
	v.SetDefault("engine.block_weight_limit", 10_000_000_000)

	v.SetDefault("scheduler.queue_size", 64)

	v.SetDefault("pool.capacity", 4096)
	v.SetDefault("pool.max_size", 1<<20)

	v.SetDefault("store.cache_mb", 16)
	v.SetDefault("store.block_cache", 1024)
	v.SetDefault("store.no_sync", false)

	d := logging.Default()
	v.SetDefault("log.level", d.Level)
	v.SetDefault("log.format", d.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.MaxSizeMB)
	v.SetDefault("log.max_backups", d.MaxBackups)
	v.SetDefault("log.max_age_days", d.MaxAgeDays)
	v.SetDefault("log.compress", false)
}

// flag name to config key
var flagKeys = map[string]string{
	"data-dir":           "data_dir",
	"genesis":            "genesis",
	"node-key":           "node_key",
	"rpc-addr":           "rpc.addr",
	"dev":                "author.enabled",
	"dev-interval":       "author.interval",
	"engine":             "engine.kind",
	"call-weight-limit":  "engine.call_weight_limit",
	"block-weight-limit": "engine.block_weight_limit",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"log-file":           "log.file",
}

// AddFlags defines the node flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml or toml)")
	fs.String("data-dir", "./data", "database and key directory")
	fs.String("genesis", "", "genesis file, json or cbor (default <data-dir>/genesis.json)")
	fs.String("node-key", "", "node key file (default <data-dir>/node.key)")
	fs.String("rpc-addr", "127.0.0.1:9933", "JSON-RPC listen address")
	fs.Bool("dev", true, "author blocks from the local pool")
	fs.Duration("dev-interval", time.Second, "development block interval")
	fs.String("engine", string(engine.KindCompiler), "execution engine: compiler or interpreter")
	fs.Uint64("call-weight-limit", 2_000_000_000, "weight limit of one runtime call")
	fs.Uint64("block-weight-limit", 10_000_000_000, "weight limit of one block")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", logging.FormatConsole, "log format: console or json")
	fs.String("log-file", "", "rotated JSON log file")
}

// BindFlags binds the flags defined by AddFlags into v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
	}
	return nil
}

// NewViper returns a viper instance with defaults and environment
// overrides configured.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if one is set, and returns the validated
// configuration.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch engine.Kind(c.Engine.Kind) {
	case engine.KindCompiler, engine.KindInterpreter:
	default:
		return fmt.Errorf("engine.kind %q: want %s or %s", c.Engine.Kind, engine.KindCompiler, engine.KindInterpreter)
	}
	switch {
	case c.DataDir == "":
		return fmt.Errorf("data_dir is required")
	case c.RPC.Addr == "":
		return fmt.Errorf("rpc.addr is required")
	case c.Engine.CallWeightLimit == 0:
		return fmt.Errorf("engine.call_weight_limit must be positive")
	case c.Engine.BlockWeightLimit < c.Engine.CallWeightLimit:
		return fmt.Errorf("engine.block_weight_limit %d is below the call limit %d",
			c.Engine.BlockWeightLimit, c.Engine.CallWeightLimit)
	case c.Author.Enabled && c.Author.Interval <= 0:
		return fmt.Errorf("author.interval must be positive")
	case c.Scheduler.QueueSize <= 0:
		return fmt.Errorf("scheduler.queue_size must be positive")
	}
	return nil
}

// DBPath is the LevelDB directory.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "db") }

// GenesisPath is the genesis file.
func (c *Config) GenesisPath() string {
	if c.Genesis != "" {
		return c.Genesis
	}
	return filepath.Join(c.DataDir, "genesis.json")
}

// KeyPath is the node key file.
func (c *Config) KeyPath() string {
	if c.NodeKey != "" {
		return c.NodeKey
	}
	return filepath.Join(c.DataDir, "node.key")
}

// EngineConfig converts the engine settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Kind:             engine.Kind(c.Engine.Kind),
		MemoryLimitPages: c.Engine.MemoryLimitPages,
		CallWeightLimit:  c.Engine.CallWeightLimit,
	}
}
