// Package config provides YAML-based configuration loading for rdsping.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rdsping/pkg/transport"
)

// Config is the root application configuration. The protocol fields are
// shared by both roles; each role reads the ones it needs.
type Config struct {
	// Mode: reliable or multicast
	Mode string `mapstructure:"mode" yaml:"mode"`

	// LocalBind overrides the address the role binds. Empty picks a
	// role default (see BindFor).
	LocalBind string `mapstructure:"local_bind" yaml:"local_bind"`
	// PeerEndpoint is the responder's unicast address.
	PeerEndpoint string `mapstructure:"peer_endpoint" yaml:"peer_endpoint"`
	// MulticastGroup is the group address and port requests go to in multicast mode.
	MulticastGroup string `mapstructure:"multicast_group" yaml:"multicast_group"`
	// TTL for multicast requests; 0 uses the channel default.
	TTL int `mapstructure:"ttl" yaml:"ttl"`

	StreamCount int `mapstructure:"stream_count" yaml:"stream_count"`
	// Durations are dumped by Dump in string form.
	ResponseTimeout    time.Duration `mapstructure:"response_timeout" yaml:"-"`
	InterExchangeDelay time.Duration `mapstructure:"inter_exchange_delay" yaml:"-"`
	// MaxExchanges stops the initiator after that many matched exchanges; 0 is unbounded.
	MaxExchanges int `mapstructure:"max_exchanges" yaml:"max_exchanges"`

	Multicast MulticastConfig `mapstructure:"multicast" yaml:"multicast"`
	Reliable  ReliableConfig  `mapstructure:"reliable" yaml:"reliable"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	mode  transport.Mode
	peer  transport.Endpoint
	group transport.Endpoint
}

// MulticastConfig tunes the best-effort channel.
type MulticastConfig struct {
	// Interface name for joins and outgoing multicast; empty lets the kernel pick.
	Interface       string `mapstructure:"interface" yaml:"interface"`
	Loopback        bool   `mapstructure:"loopback" yaml:"loopback"`
	JoinOnInitiator bool   `mapstructure:"join_on_initiator" yaml:"join_on_initiator"`
	// BindGroup binds the responder to the group address rather than the wildcard.
	BindGroup bool `mapstructure:"bind_group" yaml:"bind_group"`
}

// ReliableConfig picks the reliable channel implementation.
type ReliableConfig struct {
	// Backend: rds or quic
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Fallback: none or quic; used when the backend is unavailable on this host
	Fallback string `mapstructure:"fallback" yaml:"fallback"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// JournalConfig controls the encoded status event journal.
type JournalConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Path   string `mapstructure:"path" yaml:"path"`
	// Format: json, cbor or proto
	Format     string `mapstructure:"format" yaml:"format"`
	Rotate     bool   `mapstructure:"rotate" yaml:"rotate"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Mode:               "reliable",
		PeerEndpoint:       "127.0.0.1:5001",
		MulticastGroup:     "224.0.0.251:5001",
		TTL:                2,
		StreamCount:        5,
		ResponseTimeout:    5 * time.Second,
		InterExchangeDelay: time.Second,
		Multicast: MulticastConfig{
			Loopback:  true,
			BindGroup: true,
		},
		Reliable: ReliableConfig{Backend: "rds", Fallback: "none"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Filename:   "logs/rdsping.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Journal: JournalConfig{
			Path:       "logs/rdsping-events.jsonl",
			Format:     "json",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9464"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix RDSPING and `.`/`-` are replaced with `_`.
// Example: RDSPING_RESPONSE_TIMEOUT=2s
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RDSPING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv("RDSPING_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rdsping")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rdsping"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed defaults for viper so env-only configs work
func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("local_bind", cfg.LocalBind)
	v.SetDefault("peer_endpoint", cfg.PeerEndpoint)
	v.SetDefault("multicast_group", cfg.MulticastGroup)
	v.SetDefault("ttl", cfg.TTL)
	v.SetDefault("stream_count", cfg.StreamCount)
	v.SetDefault("response_timeout", cfg.ResponseTimeout)
	v.SetDefault("inter_exchange_delay", cfg.InterExchangeDelay)
	v.SetDefault("max_exchanges", cfg.MaxExchanges)

	v.SetDefault("multicast.interface", cfg.Multicast.Interface)
	v.SetDefault("multicast.loopback", cfg.Multicast.Loopback)
	v.SetDefault("multicast.join_on_initiator", cfg.Multicast.JoinOnInitiator)
	v.SetDefault("multicast.bind_group", cfg.Multicast.BindGroup)
	v.SetDefault("reliable.backend", cfg.Reliable.Backend)
	v.SetDefault("reliable.fallback", cfg.Reliable.Fallback)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("journal.enable", cfg.Journal.Enable)
	v.SetDefault("journal.path", cfg.Journal.Path)
	v.SetDefault("journal.format", cfg.Journal.Format)
	v.SetDefault("journal.rotate", cfg.Journal.Rotate)
	v.SetDefault("journal.max_size_mb", cfg.Journal.MaxSizeMB)
	v.SetDefault("journal.max_backups", cfg.Journal.MaxBackups)

	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
}

// Validate normalises c and rejects values no role can run with. It must
// be called after any manual change before the accessors are used.
func (c *Config) Validate() error {
	mode, err := transport.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	c.mode = mode
	c.Mode = mode.String()

	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("invalid ttl: %d (want 0..255)", c.TTL)
	}
	if c.StreamCount < 1 {
		return fmt.Errorf("invalid stream_count: %d (want >= 1)", c.StreamCount)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("invalid response_timeout: %s (want > 0)", c.ResponseTimeout)
	}
	if c.InterExchangeDelay < 0 {
		return fmt.Errorf("invalid inter_exchange_delay: %s", c.InterExchangeDelay)
	}
	if c.MaxExchanges < 0 {
		return fmt.Errorf("invalid max_exchanges: %d", c.MaxExchanges)
	}

	if c.peer, err = transport.ResolveEndpoint(c.PeerEndpoint); err != nil {
		return fmt.Errorf("invalid peer_endpoint: %w", err)
	}
	if c.group, err = transport.ResolveEndpoint(c.MulticastGroup); err != nil {
		return fmt.Errorf("invalid multicast_group: %w", err)
	}
	if !c.group.Addr().Is4() || !c.group.Addr().IsMulticast() {
		return fmt.Errorf("invalid multicast_group: %s is not an IPv4 multicast address", c.group.Addr())
	}
	var local transport.Endpoint
	if c.LocalBind != "" {
		if local, err = transport.ResolveEndpoint(c.LocalBind); err != nil {
			return fmt.Errorf("invalid local_bind: %w", err)
		}
	}

	c.Reliable.Backend = strings.ToLower(strings.TrimSpace(c.Reliable.Backend))
	switch c.Reliable.Backend {
	case "":
		c.Reliable.Backend = "rds"
	case "rds", "quic":
	default:
		return fmt.Errorf("invalid reliable.backend: %q", c.Reliable.Backend)
	}
	if c.mode == transport.ModeReliable && c.Reliable.Backend == "rds" {
		// RDS sockets are AF_RDS over IPv4 only.
		if !c.peer.Addr().Is4() {
			return fmt.Errorf("invalid peer_endpoint: rds needs an IPv4 address, got %s", c.peer.Addr())
		}
		if local.IsValid() && !local.Addr().Is4() {
			return fmt.Errorf("invalid local_bind: rds needs an IPv4 address, got %s", local.Addr())
		}
	}
	c.Reliable.Fallback = strings.ToLower(strings.TrimSpace(c.Reliable.Fallback))
	switch c.Reliable.Fallback {
	case "":
		c.Reliable.Fallback = "none"
	case "none", "quic":
	default:
		return fmt.Errorf("invalid reliable.fallback: %q", c.Reliable.Fallback)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Journal.Format = strings.ToLower(strings.TrimSpace(c.Journal.Format))
	if c.Journal.Format == "" {
		c.Journal.Format = "json"
	}
	if c.Journal.Enable && strings.TrimSpace(c.Journal.Path) == "" {
		return errors.New("journal.enable requires journal.path")
	}
	if c.Metrics.Enable && strings.TrimSpace(c.Metrics.Listen) == "" {
		return errors.New("metrics.enable requires metrics.listen")
	}
	return nil
}

// ModeValue is the parsed Mode.
func (c *Config) ModeValue() transport.Mode { return c.mode }

// Peer is the resolved PeerEndpoint.
func (c *Config) Peer() transport.Endpoint { return c.peer }

// Group is the resolved MulticastGroup.
func (c *Config) Group() transport.Endpoint { return c.group }

// BindFor returns the address role binds. Without LocalBind the reliable
// responder binds the peer endpoint and the reliable initiator an ephemeral
// port on the same host; in multicast mode the initiator binds an ephemeral
// wildcard port (the responder's bind is derived from the group).
func (c *Config) BindFor(role transport.Role) (transport.Endpoint, error) {
	if c.LocalBind != "" {
		return transport.ResolveEndpoint(c.LocalBind)
	}
	if c.mode == transport.ModeMulticast {
		if role == transport.RoleResponder {
			return c.group, nil
		}
		return transport.MustEndpoint("0.0.0.0:0"), nil
	}
	if role == transport.RoleResponder {
		return c.peer, nil
	}
	return c.peer.WithPort(0), nil
}

// Dump writes the effective configuration as YAML. Durations are written
// in their string form so the output loads back unchanged.
func (c *Config) Dump(w io.Writer) error {
	type view struct {
		Config             `yaml:",inline"`
		ResponseTimeout    string `yaml:"response_timeout"`
		InterExchangeDelay string `yaml:"inter_exchange_delay"`
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view{
		Config:             *c,
		ResponseTimeout:    c.ResponseTimeout.String(),
		InterExchangeDelay: c.InterExchangeDelay.String(),
	}); err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	return enc.Close()
}
