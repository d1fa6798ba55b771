package cli

import (
	"encoding/json"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dashsync/internal/cachebridge"
	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/localapi"
	"github.com/ChuLiYu/dashsync/internal/logbuffer"
	"github.com/ChuLiYu/dashsync/internal/orchestrator"
	"github.com/ChuLiYu/dashsync/internal/scheduler"
	"github.com/ChuLiYu/dashsync/internal/snapshot"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

// Config represents the complete configuration file.
// Maps config file fields through YAML tags.
type Config struct {
	Backend struct {
		BaseURL       string `yaml:"base_url"`
		StreamURL     string `yaml:"stream_url"`
		ProbeGRPCAddr string `yaml:"probe_grpc_addr"`
		ProbeService  string `yaml:"probe_service"`
	} `yaml:"backend"`

	Transport struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		BackoffBase    time.Duration `yaml:"backoff_base"`
		BackoffMax     time.Duration `yaml:"backoff_max"`
		BackoffJitter  float64       `yaml:"backoff_jitter"`
		MaxRetries     int           `yaml:"max_retries"`
		ProbeInterval  time.Duration `yaml:"probe_interval"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		QueueLimit     int           `yaml:"queue_limit"`
		Channels       []string      `yaml:"channels"`
	} `yaml:"transport"`

	Logs struct {
		MinLevel     string        `yaml:"min_level"`
		BatchSize    int           `yaml:"batch_size"`
		MaxAge       time.Duration `yaml:"max_age"`
		MaxRetries   int           `yaml:"max_retries"`
		BackoffBase  time.Duration `yaml:"backoff_base"`
		BackoffMax   time.Duration `yaml:"backoff_max"`
		FlushTimeout time.Duration `yaml:"flush_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
		NodeID       string        `yaml:"node_id"`
		SessionID    string        `yaml:"session_id"`
		DeadLetter   string        `yaml:"dead_letter"`
	} `yaml:"logs"`

	Scheduler struct {
		Interval time.Duration `yaml:"interval"`
		Alerts   []AlertConfig `yaml:"alerts"`
	} `yaml:"scheduler"`

	Cache struct {
		Enabled      bool          `yaml:"enabled"`
		Origin       string        `yaml:"origin"`
		Generation   string        `yaml:"generation"`
		DBPath       string        `yaml:"db_path"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
		Revalidate   bool          `yaml:"revalidate"`
		Manifest     []string      `yaml:"manifest"`
	} `yaml:"cache"`

	Orchestrator struct {
		PollInterval     time.Duration  `yaml:"poll_interval"`
		SnapshotPath     string         `yaml:"snapshot_path"`
		SnapshotInterval time.Duration  `yaml:"snapshot_interval"`
		SnapshotBackups  int            `yaml:"snapshot_backups"`
		LogWindow        int            `yaml:"log_window"`
		Fallback         map[string]any `yaml:"fallback"`
	} `yaml:"orchestrator"`

	API struct {
		Enabled        bool     `yaml:"enabled"`
		ListenAddress  string   `yaml:"listen_address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"api"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	channels []types.Domain
	minLevel types.Level
	fallback map[types.Domain]json.RawMessage
	alerts   []orchestrator.Alert
}

// AlertConfig is one configured time-based alert.
type AlertConfig struct {
	Name    string    `yaml:"name"`
	At      time.Time `yaml:"at"`
	Message string    `yaml:"message"`
	Level   string    `yaml:"level"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

// Validate fills defaults and rejects values no component could run with.
func (c *Config) Validate() error {
	base, err := absoluteURL(c.Backend.BaseURL, "http", "https")
	if err != nil {
		return errors.Wrap(err, "backend.base_url")
	}
	c.Backend.BaseURL = strings.TrimRight(base.String(), "/")

	if c.Backend.StreamURL == "" {
		stream := *base
		stream.Scheme = map[string]string{"http": "ws", "https": "wss"}[base.Scheme]
		stream.Path = strings.TrimRight(base.Path, "/") + "/ws"
		c.Backend.StreamURL = stream.String()
	}
	if _, err := absoluteURL(c.Backend.StreamURL, "ws", "wss"); err != nil {
		return errors.Wrap(err, "backend.stream_url")
	}

	if c.Transport.BackoffJitter < 0 || c.Transport.BackoffJitter > 1 {
		return errors.Errorf("transport.backoff_jitter %v must be within [0,1]", c.Transport.BackoffJitter)
	}
	if c.Transport.QueueLimit < 0 {
		return errors.New("transport.queue_limit must not be negative")
	}
	c.channels = c.channels[:0]
	if len(c.Transport.Channels) == 0 {
		c.channels = append(c.channels, types.AllDomains...)
	}
	for _, name := range c.Transport.Channels {
		d, err := types.ParseDomain(name)
		if err != nil {
			return errors.Wrap(err, "transport.channels")
		}
		c.channels = append(c.channels, d)
	}

	if c.minLevel, err = types.ParseLevel(c.Logs.MinLevel); err != nil {
		return errors.Wrap(err, "logs.min_level")
	}
	if c.Logs.BatchSize < 0 {
		return errors.New("logs.batch_size must not be negative")
	}
	if c.Logs.DeadLetter == "" {
		c.Logs.DeadLetter = "data/deadletter.wal"
	}

	c.alerts = c.alerts[:0]
	for i, a := range c.Scheduler.Alerts {
		if strings.TrimSpace(a.Name) == "" {
			return errors.Errorf("scheduler.alerts[%d]: name is required", i)
		}
		if a.At.IsZero() {
			return errors.Errorf("scheduler.alerts[%d]: at is required", i)
		}
		level, err := types.ParseLevel(a.Level)
		if err != nil {
			return errors.Wrapf(err, "scheduler.alerts[%d]", i)
		}
		c.alerts = append(c.alerts, orchestrator.Alert{Name: a.Name, At: a.At, Message: a.Message, Level: level})
	}

	if c.Cache.Origin == "" {
		c.Cache.Origin = c.Backend.BaseURL
	}
	if _, err := absoluteURL(c.Cache.Origin, "http", "https"); err != nil {
		return errors.Wrap(err, "cache.origin")
	}
	if c.Cache.Generation == "" {
		c.Cache.Generation = "v1"
	}
	if c.Cache.DBPath == "" {
		c.Cache.DBPath = "data/cache.db"
	}
	for _, p := range c.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return errors.Errorf("cache.manifest path %q must start with /", p)
		}
	}

	if c.Orchestrator.SnapshotPath == "" {
		c.Orchestrator.SnapshotPath = "data/snapshot.json"
	}
	if c.Orchestrator.SnapshotBackups < 0 {
		return errors.Errorf("orchestrator.snapshot_backups must be >= 0, got %d", c.Orchestrator.SnapshotBackups)
	}
	c.fallback = make(map[types.Domain]json.RawMessage, len(c.Orchestrator.Fallback))
	for name, value := range c.Orchestrator.Fallback {
		d, err := types.ParseDomain(name)
		if err != nil {
			return errors.Wrap(err, "orchestrator.fallback")
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "orchestrator.fallback.%s", name)
		}
		if err := orchestrator.Validate(d, payload); err != nil {
			return errors.Wrapf(err, "orchestrator.fallback.%s", name)
		}
		c.fallback[d] = payload
	}

	if c.API.ListenAddress == "" {
		c.API.ListenAddress = "127.0.0.1:8787"
	}
	for i, o := range c.API.AllowedOrigins {
		if _, err := absoluteURL(o, "http", "https"); err != nil {
			return errors.Wrapf(err, "api.allowed_origins[%d]", i)
		}
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}

	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "json"
	case "json", "console":
	default:
		return errors.Errorf("log.format %q must be json or console", c.Log.Format)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

func absoluteURL(raw string, schemes ...string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return u, nil
		}
	}
	return nil, errors.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}

// ============================================================================
// Component settings
// ============================================================================

func (c *Config) envOptions() env.Options {
	return env.Options{Level: c.Log.Level, Format: c.Log.Format}
}

func (c *Config) transportConfig() transport.Config {
	return transport.Config{
		BaseURL:        c.Backend.BaseURL,
		StreamURL:      c.Backend.StreamURL,
		ConnectTimeout: c.Transport.ConnectTimeout,
		RequestTimeout: c.Transport.RequestTimeout,
		Backoff: transport.Backoff{
			Base:   c.Transport.BackoffBase,
			Max:    c.Transport.BackoffMax,
			Jitter: c.Transport.BackoffJitter,
		},
		MaxRetries:    c.Transport.MaxRetries,
		ProbeInterval: c.Transport.ProbeInterval,
		PingInterval:  c.Transport.PingInterval,
		QueueLimit:    c.Transport.QueueLimit,
		Channels:      append([]types.Domain(nil), c.channels...),
	}
}

func (c *Config) prober() transport.Prober {
	if c.Backend.ProbeGRPCAddr != "" {
		return transport.GRPCHealthProber{
			Addr:    c.Backend.ProbeGRPCAddr,
			Service: c.Backend.ProbeService,
			Timeout: c.Transport.ConnectTimeout,
		}
	}
	return transport.HTTPProber{URL: c.Backend.BaseURL + "/healthz"}
}

func (c *Config) logBufferConfig() logbuffer.Config {
	return logbuffer.Config{
		MinLevel:     c.minLevel,
		BatchSize:    c.Logs.BatchSize,
		MaxAge:       c.Logs.MaxAge,
		MaxRetries:   c.Logs.MaxRetries,
		Backoff:      transport.Backoff{Base: c.Logs.BackoffBase, Max: c.Logs.BackoffMax},
		FlushTimeout: c.Logs.FlushTimeout,
		IdleTimeout:  c.Logs.IdleTimeout,
		NodeID:       c.Logs.NodeID,
		SessionID:    c.Logs.SessionID,
	}
}

func (c *Config) snapshotManager(clk clock.Clock) *snapshot.Manager {
	return snapshot.NewManager(c.Orchestrator.SnapshotPath, clk, snapshot.WithBackups(c.Orchestrator.SnapshotBackups))
}

func (c *Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{Interval: c.Scheduler.Interval}
}

func (c *Config) cacheConfig() cachebridge.Config {
	return cachebridge.Config{
		Origin:       c.Cache.Origin,
		Generation:   c.Cache.Generation,
		FetchTimeout: c.Cache.FetchTimeout,
		Revalidate:   c.Cache.Revalidate,
	}
}

func (c *Config) manifest() cachebridge.Manifest {
	return cachebridge.Manifest{
		Generation: c.Cache.Generation,
		Paths:      append([]string(nil), c.Cache.Manifest...),
	}
}

func (c *Config) orchestratorConfig() orchestrator.Config {
	fallback := make(map[types.Domain]json.RawMessage, len(c.fallback))
	for d, p := range c.fallback {
		fallback[d] = append(json.RawMessage(nil), p...)
	}
	return orchestrator.Config{
		PollInterval:     c.Orchestrator.PollInterval,
		SnapshotInterval: c.Orchestrator.SnapshotInterval,
		LogWindow:        c.Orchestrator.LogWindow,
		Fallback:         fallback,
		Alerts:           append([]orchestrator.Alert(nil), c.alerts...),
	}
}

func (c *Config) apiConfig() localapi.Config {
	return localapi.Config{
		ListenAddress:  c.API.ListenAddress,
		AllowedOrigins: append([]string(nil), c.API.AllowedOrigins...),
	}
}
