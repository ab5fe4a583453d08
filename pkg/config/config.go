// Package config loads the burrow serve configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reqworker"
	"github.com/cuemby/burrow/pkg/supervisor"
	"github.com/cuemby/burrow/pkg/transcode"
)

// Config is the complete serve configuration
type Config struct {
	Log           LogConfig      `yaml:"log"`
	MetricsAddr   string         `yaml:"metrics_addr"`
	DataDir       string         `yaml:"data_dir"`
	WorkerBinary  string         `yaml:"worker_binary"`
	ShutdownGrace time.Duration  `yaml:"shutdown_grace"`
	Listeners     []Listener     `yaml:"listeners"`
	TLS           TLSConfig      `yaml:"tls"`
	Lookups       LookupConfig   `yaml:"lookups"`
	Resolver      ResolverConfig `yaml:"resolver"`
	Ident         IdentConfig    `yaml:"ident"`
	Pool          PoolConfig     `yaml:"pool"`
	Spin          SpinConfig     `yaml:"spin"`
	Requests      RequestConfig  `yaml:"requests"`
	Bans          BanConfig      `yaml:"bans"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Listener is one accepting address. TLS and Compress route accepted
// connections through the stream worker pool.
type Listener struct {
	Addr     string `yaml:"addr"`
	TLS      bool   `yaml:"tls"`
	Compress bool   `yaml:"compress"`
}

// Streamed reports whether connections need a stream worker
func (l Listener) Streamed() bool {
	return l.TLS || l.Compress
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	DHFile   string `yaml:"dh_file"`

	// SelfSignedHosts generates a throwaway certificate when no files are
	// configured.
	SelfSignedHosts []string `yaml:"self_signed_hosts"`
}

type LookupConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	DNS     bool          `yaml:"dns"`
	Ident   bool          `yaml:"ident"`
	Bans    bool          `yaml:"bans"`
}

type ResolverConfig struct {
	Upstream  []string      `yaml:"upstream"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
}

type IdentConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type PoolConfig struct {
	Size          int           `yaml:"size"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	CompressLevel int           `yaml:"compress_level"`
}

type SpinConfig struct {
	Threshold   int           `yaml:"threshold"`
	Window      time.Duration `yaml:"window"`
	Cooldown    time.Duration `yaml:"cooldown"`
	StableAfter time.Duration `yaml:"stable_after"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Policy converts the settings to a supervisor spin policy
func (s SpinConfig) Policy() supervisor.SpinPolicy {
	return supervisor.SpinPolicy{
		Threshold:   s.Threshold,
		Window:      s.Window,
		Cooldown:    s.Cooldown,
		StableAfter: s.StableAfter,
		MinDelay:    s.MinDelay,
		MaxDelay:    s.MaxDelay,
	}
}

type RequestConfig struct {
	TableSize int `yaml:"table_size"`
	MaxLine   int `yaml:"max_line"`
}

type BanConfig struct {
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	p := supervisor.DefaultSpinPolicy()
	return &Config{
		Log:           LogConfig{Level: string(log.InfoLevel)},
		MetricsAddr:   "127.0.0.1:9090",
		DataDir:       "/var/lib/burrow",
		ShutdownGrace: 10 * time.Second,
		Listeners:     []Listener{{Addr: ":6667"}},
		Lookups:       LookupConfig{Timeout: 5 * time.Second, DNS: true, Ident: true, Bans: true},
		Resolver:      ResolverConfig{Timeout: 3 * time.Second, CacheSize: 1024},
		Ident:         IdentConfig{Timeout: 5 * time.Second},
		Pool:          PoolConfig{Size: 2, StatsInterval: 10 * time.Second, CompressLevel: 6},
		Spin: SpinConfig{
			Threshold:   p.Threshold,
			Window:      p.Window,
			Cooldown:    p.Cooldown,
			StableAfter: p.StableAfter,
			MinDelay:    p.MinDelay,
			MaxDelay:    p.MaxDelay,
		},
		Requests: RequestConfig{TableSize: 1024, MaxLine: 4096},
		Bans:     BanConfig{PurgeInterval: time.Minute},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	if !log.ValidLevel(log.Level(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if len(c.Listeners) == 0 {
		errs = append(errs, errors.New("listeners: at least one listener is required"))
	}
	streamed := false
	for i, l := range c.Listeners {
		if _, _, err := net.SplitHostPort(l.Addr); err != nil {
			errs = append(errs, fmt.Errorf("listeners[%d].addr: %w", i, err))
		}
		if l.TLS {
			streamed = true
			if c.TLS.CertFile == "" && len(c.TLS.SelfSignedHosts) == 0 {
				errs = append(errs, fmt.Errorf("listeners[%d]: tls needs tls.cert_file or tls.self_signed_hosts", i))
			}
		}
		streamed = streamed || l.Compress
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: cert_file and key_file go together"))
	}
	if streamed && c.Pool.Size <= 0 {
		errs = append(errs, errors.New("pool.size: must be positive when a listener uses tls or compression"))
	}
	if !transcode.ValidLevel(c.Pool.CompressLevel) {
		errs = append(errs, fmt.Errorf("pool.compress_level: %d out of range", c.Pool.CompressLevel))
	}
	if c.Lookups.Timeout <= 0 {
		errs = append(errs, errors.New("lookups.timeout: must be positive"))
	}
	if c.Requests.TableSize <= 0 || c.Requests.TableSize > reqworker.MaxTableSize {
		errs = append(errs, fmt.Errorf("requests.table_size: %d not in 1..%d", c.Requests.TableSize, reqworker.MaxTableSize))
	}
	if c.Spin.Threshold <= 0 || c.Spin.Window <= 0 {
		errs = append(errs, errors.New("spin: threshold and window must be positive"))
	}
	if c.Lookups.Bans && c.DataDir == "" {
		errs = append(errs, errors.New("data_dir: required for the ban store"))
	}
	return errors.Join(errs...)
}

// BanDBPath is the ban database file inside DataDir
func (c *Config) BanDBPath() string {
	return filepath.Join(c.DataDir, "bans.db")
}
