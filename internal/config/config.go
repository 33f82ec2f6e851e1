// Package config provides configuration loading and validation for the recurse
// resolver. It handles reading configuration from files, providing defaults,
// and ensuring all required settings are properly set.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lc/recurse/internal/filesys"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoConfig is returned when the configuration file is not found.
	ErrNoConfig = errors.New("configuration file not found")
)

const (
	// DefaultConfigPath is the default path for the configuration file.
	DefaultConfigPath = ".recurse/config.yaml"
	// DefaultSocketPath is the default path for the control Unix socket.
	DefaultSocketPath = "/var/run/recursed.socket"
	// DefaultListenAddr is the default address the DNS front-end binds to.
	DefaultListenAddr = "127.0.0.1:10053"
	// DefaultUpstreamTimeout is the default timeout for a single upstream query.
	DefaultUpstreamTimeout = 2 * time.Second
	// DefaultQueryDeadline is the total time budget for one client resolution.
	DefaultQueryDeadline = 10 * time.Second
	// DefaultMaxRestarts bounds CNAME-driven query restarts per resolution.
	DefaultMaxRestarts = 8
	// DefaultMaxReferrals bounds delegation referrals per resolution.
	DefaultMaxReferrals = 30
	// DefaultMaxDepth bounds the nesting of dependent sub-resolutions.
	DefaultMaxDepth = 5
	// DefaultTargetFetch is how many nameserver address lookups a single
	// resolution may have in flight.
	DefaultTargetFetch = 3
	// DefaultMessageCacheSize is the number of cached reply messages.
	DefaultMessageCacheSize = 4096
	// DefaultDelegationCacheSize is the number of cached zone cuts.
	DefaultDelegationCacheSize = 1024
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Socket   SocketConfig   `yaml:"socket"`
	Resolver ResolverConfig `yaml:"resolver"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig holds the DNS front-end configuration.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// SocketConfig holds control-socket configuration.
type SocketConfig struct {
	Path string `yaml:"path"`
}

// ResolverConfig holds the iterative-resolution settings.
type ResolverConfig struct {
	// Forward, when set, relays every query verbatim to this upstream
	// instead of iterating from the roots.
	Forward         string        `yaml:"forward"`
	HintsFile       string        `yaml:"hints_file"`
	MaxRestarts     int           `yaml:"max_restarts"`
	MaxReferrals    int           `yaml:"max_referrals"`
	MaxDepth        int           `yaml:"max_depth"`
	TargetFetch     int           `yaml:"target_fetch"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	QueryDeadline   time.Duration `yaml:"query_deadline"`
}

// CacheConfig holds cache sizing.
type CacheConfig struct {
	Messages    int `yaml:"messages"`
	Delegations int `yaml:"delegations"`
}

// Provider defines the interface for loading configuration.
type Provider interface {
	Load() (*Config, error)
}

// FSProvider implements Provider using the local filesystem.
type FSProvider struct {
	fs   filesys.ReadWriteFS
	path string
}

// Verify FSProvider implements Provider interface.
var _ Provider = (*FSProvider)(nil)

// New creates a new configuration provider using the default configuration path.
// It uses the OS filesystem and the user's home directory to locate the
// configuration file. If the home directory cannot be determined, it falls
// back to the current directory.
func New() Provider {
	home, err := os.UserHomeDir()
	if err != nil {
		// Log the error but continue with empty path, which will resolve to current directory
		fmt.Fprintf(os.Stderr, "Warning: could not determine home directory: %v\n", err)
		home = ""
	}
	return NewWithPath(filesys.OS(), filepath.Join(home, DefaultConfigPath))
}

// NewWithPath creates a new provider with a specific config path.
// It allows specifying both the filesystem implementation and the path to use.
func NewWithPath(fs filesys.ReadWriteFS, path string) Provider {
	return &FSProvider{
		fs:   fs,
		path: path,
	}
}

// Default returns a default configuration with preset values.
// This is used when no configuration file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: DefaultListenAddr,
		},
		Socket: SocketConfig{
			Path: DefaultSocketPath,
		},
		Resolver: ResolverConfig{
			MaxRestarts:     DefaultMaxRestarts,
			MaxReferrals:    DefaultMaxReferrals,
			MaxDepth:        DefaultMaxDepth,
			TargetFetch:     DefaultTargetFetch,
			UpstreamTimeout: DefaultUpstreamTimeout,
			QueryDeadline:   DefaultQueryDeadline,
		},
		Cache: CacheConfig{
			Messages:    DefaultMessageCacheSize,
			Delegations: DefaultDelegationCacheSize,
		},
	}
}

// Load loads the configuration from the specified path.
func (p *FSProvider) Load() (*Config, error) {
	_ = p.ensureConfigDir()

	cfg, err := p.loadAndParse()
	if err != nil {
		if errors.Is(err, ErrNoConfig) {
			return Default(), nil
		}
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Validate checks the configuration to ensure all required fields are set.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return errors.New("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("listen address: %v", err)
	}
	if strings.TrimSpace(c.Socket.Path) == "" {
		return errors.New("socket path cannot be empty")
	}
	if c.Resolver.Forward != "" {
		if _, _, err := net.SplitHostPort(withDefaultPort(c.Resolver.Forward)); err != nil {
			return fmt.Errorf("forward address: %v", err)
		}
	}
	if c.Resolver.MaxRestarts < 1 {
		return errors.New("max restarts must be at least 1")
	}
	if c.Resolver.MaxDepth < 1 {
		return errors.New("max depth must be at least 1")
	}
	if c.Resolver.UpstreamTimeout < 100*time.Millisecond {
		return errors.New("upstream timeout must be at least 100ms")
	}
	if c.Resolver.QueryDeadline < c.Resolver.UpstreamTimeout {
		return errors.New("query deadline must be at least the upstream timeout")
	}
	return nil
}

// applyDefaults fills in zero values left out of the config file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if c.Socket.Path == "" {
		c.Socket.Path = def.Socket.Path
	}
	if c.Resolver.MaxRestarts == 0 {
		c.Resolver.MaxRestarts = def.Resolver.MaxRestarts
	}
	if c.Resolver.MaxReferrals == 0 {
		c.Resolver.MaxReferrals = def.Resolver.MaxReferrals
	}
	if c.Resolver.MaxDepth == 0 {
		c.Resolver.MaxDepth = def.Resolver.MaxDepth
	}
	if c.Resolver.TargetFetch == 0 {
		c.Resolver.TargetFetch = def.Resolver.TargetFetch
	}
	if c.Resolver.UpstreamTimeout == 0 {
		c.Resolver.UpstreamTimeout = def.Resolver.UpstreamTimeout
	}
	if c.Resolver.QueryDeadline == 0 {
		c.Resolver.QueryDeadline = def.Resolver.QueryDeadline
	}
	if c.Cache.Messages == 0 {
		c.Cache.Messages = def.Cache.Messages
	}
	if c.Cache.Delegations == 0 {
		c.Cache.Delegations = def.Cache.Delegations
	}
}

func (p *FSProvider) ensureConfigDir() error {
	dir := filepath.Dir(p.path)
	if _, err := p.fs.Stat(dir); os.IsNotExist(err) {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return nil
}

func (p *FSProvider) loadAndParse() (*Config, error) {
	f, err := p.fs.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	return &cfg, nil
}

// withDefaultPort appends ":53" when addr carries no port.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}
