package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. It is loaded and validated
// once at startup and treated as immutable afterwards.
type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Roots      []RootConfig    `mapstructure:"roots"`
	Extensions []string        `mapstructure:"extensions"`
	Exclude    []string        `mapstructure:"exclude"`
	Tiles      TileConfig      `mapstructure:"tiles"`
	Thumbnails ThumbnailConfig `mapstructure:"thumbnails"`
	Cache      CacheConfig     `mapstructure:"cache"`
	Pool       PoolConfig      `mapstructure:"pool"`
	Vips       VipsConfig      `mapstructure:"vips"`
	LogLevel   string          `mapstructure:"log_level"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// RootConfig is one browsable slide directory.
type RootConfig struct {
	Path  string `mapstructure:"path"`
	Label string `mapstructure:"label"`
}

type TileConfig struct {
	TileSize    int `mapstructure:"tile_size"`
	Overlap     int `mapstructure:"overlap"`
	JpegQuality int `mapstructure:"jpeg_quality"`
}

type ThumbnailConfig struct {
	MaxPx            int  `mapstructure:"max_px"`
	PreferAssociated bool `mapstructure:"prefer_associated"`
}

// CacheConfig selects the cache backend and the per-class TTLs.
type CacheConfig struct {
	Backend       string    `mapstructure:"backend"` // "redis", "memory" or "disabled"
	RedisURL      string    `mapstructure:"redis_url"`
	MemoryEntries int       `mapstructure:"memory_entries"`
	TTL           TTLConfig `mapstructure:"ttl"`
}

type TTLConfig struct {
	Tree  time.Duration `mapstructure:"tree"`
	Thumb time.Duration `mapstructure:"thumb"`
	Tile  time.Duration `mapstructure:"tile"`
}

type PoolConfig struct {
	MaxOpenHandles int           `mapstructure:"max_open_handles"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	DecodeTimeout  time.Duration `mapstructure:"decode_timeout"`
}

type VipsConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxCacheMB  int `mapstructure:"max_cache_mb"`
}

// DefaultExtensions covers the slide formats the decoder understands.
var DefaultExtensions = []string{
	".svs", ".tif", ".tiff", ".ndpi", ".scn", ".mrxs", ".bif", ".vms", ".vmu", ".svslide",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			CORSAllowOrigins: []string{"*"},
			ShutdownTimeout:  5 * time.Second,
		},
		Extensions: DefaultExtensions,
		Tiles: TileConfig{
			TileSize:    256,
			Overlap:     0,
			JpegQuality: 85,
		},
		Thumbnails: ThumbnailConfig{
			MaxPx:            512,
			PreferAssociated: true,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			MemoryEntries: 4096,
			TTL: TTLConfig{
				Tree:  time.Minute,
				Thumb: 24 * time.Hour,
				Tile:  time.Hour,
			},
		},
		Pool: PoolConfig{
			MaxOpenHandles: 32,
			IdleTimeout:    5 * time.Minute,
			DecodeTimeout:  30 * time.Second,
		},
		Vips: VipsConfig{
			Concurrency: 1,
			MaxCacheMB:  256,
		},
		LogLevel: "info",
	}
}

// setDefaults registers every key of Default() with viper. Defaults
// must live in viper, not only in the Go struct: AutomaticEnv only
// resolves keys viper knows about, so a default applied after the fact
// would make SLIDEVIEW_* overrides work solely for keys the config
// file happens to mention.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_allow_origins", d.Server.CORSAllowOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("extensions", d.Extensions)
	v.SetDefault("tiles.tile_size", d.Tiles.TileSize)
	v.SetDefault("tiles.overlap", d.Tiles.Overlap)
	v.SetDefault("tiles.jpeg_quality", d.Tiles.JpegQuality)
	v.SetDefault("thumbnails.max_px", d.Thumbnails.MaxPx)
	v.SetDefault("thumbnails.prefer_associated", d.Thumbnails.PreferAssociated)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("cache.memory_entries", d.Cache.MemoryEntries)
	v.SetDefault("cache.ttl.tree", d.Cache.TTL.Tree)
	v.SetDefault("cache.ttl.thumb", d.Cache.TTL.Thumb)
	v.SetDefault("cache.ttl.tile", d.Cache.TTL.Tile)
	v.SetDefault("pool.max_open_handles", d.Pool.MaxOpenHandles)
	v.SetDefault("pool.idle_timeout", d.Pool.IdleTimeout)
	v.SetDefault("pool.decode_timeout", d.Pool.DecodeTimeout)
	v.SetDefault("vips.concurrency", d.Vips.Concurrency)
	v.SetDefault("vips.max_cache_mb", d.Vips.MaxCacheMB)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads configuration from the given YAML file (optional) and from
// SLIDEVIEW_* environment variables, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix("SLIDEVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/slideview")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; an explicit one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	exts := make([]string, 0, len(c.Extensions))
	for _, e := range c.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	c.Extensions = exts

	for i := range c.Roots {
		if abs, err := filepath.Abs(c.Roots[i].Path); err == nil {
			c.Roots[i].Path = abs
		}
	}
}

// Validate checks the configuration once at startup.
func (c *Config) Validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("config: at least one root directory is required")
	}
	for _, r := range c.Roots {
		if r.Path == "" {
			return fmt.Errorf("config: root path must not be empty")
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Tiles.TileSize <= 0 {
		return fmt.Errorf("config: tile_size must be positive, got %d", c.Tiles.TileSize)
	}
	if c.Tiles.Overlap < 0 || c.Tiles.Overlap >= c.Tiles.TileSize {
		return fmt.Errorf("config: overlap %d must be in [0, tile_size)", c.Tiles.Overlap)
	}
	if c.Tiles.JpegQuality < 1 || c.Tiles.JpegQuality > 100 {
		return fmt.Errorf("config: jpeg_quality %d must be in [1, 100]", c.Tiles.JpegQuality)
	}
	if c.Thumbnails.MaxPx <= 0 {
		return fmt.Errorf("config: thumbnails.max_px must be positive, got %d", c.Thumbnails.MaxPx)
	}
	switch c.Cache.Backend {
	case "memory", "disabled":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("config: cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q (supported: redis, memory, disabled)", c.Cache.Backend)
	}
	if c.Cache.Backend == "memory" && c.Cache.MemoryEntries <= 0 {
		return fmt.Errorf("config: cache.memory_entries must be positive, got %d", c.Cache.MemoryEntries)
	}
	if c.Cache.TTL.Tree <= 0 || c.Cache.TTL.Thumb <= 0 || c.Cache.TTL.Tile <= 0 {
		return fmt.Errorf("config: cache TTLs must be positive")
	}
	if c.Pool.MaxOpenHandles < 1 {
		return fmt.Errorf("config: pool.max_open_handles must be at least 1, got %d", c.Pool.MaxOpenHandles)
	}
	if c.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("config: pool.idle_timeout must be positive")
	}
	if c.Pool.DecodeTimeout <= 0 {
		return fmt.Errorf("config: pool.decode_timeout must be positive")
	}
	return nil
}
