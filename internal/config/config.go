package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Bitbucket BitbucketConfig
	Retry     RetryConfig
	Fetch     FetchConfig
	Cache     CacheConfig
	Jobs      JobsConfig
	Sync      SyncConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// BitbucketConfig configures upstream API interactions.
type BitbucketConfig struct {
	APIBaseURL        string
	Workspaces        []string
	Username          string
	AppPassword       string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// RetryConfig configures retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// FetchConfig bounds how much upstream data a refresh pulls per
// repository.
type FetchConfig struct {
	PRPageCap     int
	CommitPageCap int
	ExpandCap     int
	RecentWindow  time.Duration
}

// CacheConfig configures the activity cache.
type CacheConfig struct {
	Backend        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string
	ListingTTL     time.Duration
}

// JobsConfig configures refresh job lifecycle and persistence.
type JobsConfig struct {
	PollInterval    time.Duration
	StallThreshold  time.Duration
	MaxPersistedAge time.Duration
	PersistBackend  string
	StateFilePath   string
}

// SyncConfig configures the refresh pipeline.
type SyncConfig struct {
	Concurrency int
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if len(c.Bitbucket.Workspaces) == 0 {
		errs = append(errs, "bitbucket.workspaces must contain at least one workspace")
	}
	seenWorkspaces := make(map[string]struct{}, len(c.Bitbucket.Workspaces))
	for _, workspace := range c.Bitbucket.Workspaces {
		if workspace == "" {
			errs = append(errs, "bitbucket.workspaces must not contain empty entries")
			continue
		}
		if _, ok := seenWorkspaces[workspace]; ok {
			errs = append(errs, "bitbucket.workspaces contains duplicate workspace: "+workspace)
		}
		seenWorkspaces[workspace] = struct{}{}
	}
	if c.Bitbucket.Username == "" {
		errs = append(errs, "bitbucket.username is required")
	}
	if c.Bitbucket.AppPassword == "" {
		errs = append(errs, "bitbucket.app_password is required")
	}
	if c.Bitbucket.RequestsPerSecond < 0 {
		errs = append(errs, "bitbucket.requests_per_second must be >= 0")
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}

	if c.Fetch.PRPageCap <= 0 {
		errs = append(errs, "fetch.pr_page_cap must be > 0")
	}
	if c.Fetch.CommitPageCap <= 0 {
		errs = append(errs, "fetch.commit_page_cap must be > 0")
	}
	if c.Fetch.ExpandCap <= 0 {
		errs = append(errs, "fetch.expand_cap must be > 0")
	}
	if c.Fetch.RecentWindow <= 0 {
		errs = append(errs, "fetch.recent_window must be > 0")
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		errs = append(errs, "cache.backend must be memory or redis")
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		errs = append(errs, "cache.redis_addr is required when cache.backend=redis")
	}

	if c.Jobs.PersistBackend != "file" && c.Jobs.PersistBackend != "redis" {
		errs = append(errs, "jobs.persist_backend must be file or redis")
	}
	if c.Jobs.PersistBackend == "file" && c.Jobs.StateFilePath == "" {
		errs = append(errs, "jobs.state_file_path is required when jobs.persist_backend=file")
	}
	if c.Jobs.PersistBackend == "redis" && c.Cache.RedisAddr == "" {
		errs = append(errs, "cache.redis_addr is required when jobs.persist_backend=redis")
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, "jobs.poll_interval must be > 0")
	}
	if c.Jobs.StallThreshold <= 0 {
		errs = append(errs, "jobs.stall_threshold must be > 0")
	}
	if c.Jobs.MaxPersistedAge <= 0 {
		errs = append(errs, "jobs.max_persisted_age must be > 0")
	}

	if c.Sync.Concurrency <= 0 {
		errs = append(errs, "sync.concurrency must be > 0")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Bitbucket.APIBaseURL == "" {
		cfg.Bitbucket.APIBaseURL = "https://api.bitbucket.org/2.0/"
	}
	if cfg.Bitbucket.RequestTimeout == 0 {
		cfg.Bitbucket.RequestTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Fetch.PRPageCap == 0 {
		cfg.Fetch.PRPageCap = 3
	}
	if cfg.Fetch.CommitPageCap == 0 {
		cfg.Fetch.CommitPageCap = 2
	}
	if cfg.Fetch.ExpandCap == 0 {
		cfg.Fetch.ExpandCap = 20
	}
	if cfg.Fetch.RecentWindow == 0 {
		cfg.Fetch.RecentWindow = 72 * time.Hour
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.RedisNamespace == "" {
		cfg.Cache.RedisNamespace = "activity-engine"
	}
	if cfg.Cache.ListingTTL == 0 {
		cfg.Cache.ListingTTL = time.Hour
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 3 * time.Second
	}
	if cfg.Jobs.StallThreshold == 0 {
		cfg.Jobs.StallThreshold = 15 * time.Minute
	}
	if cfg.Jobs.MaxPersistedAge == 0 {
		cfg.Jobs.MaxPersistedAge = 30 * time.Minute
	}
	if cfg.Jobs.PersistBackend == "" {
		cfg.Jobs.PersistBackend = "file"
	}
	if cfg.Jobs.PersistBackend == "file" && cfg.Jobs.StateFilePath == "" {
		cfg.Jobs.StateFilePath = "/var/lib/activity-engine/job-state.json"
	}
	if cfg.Sync.Concurrency == 0 {
		cfg.Sync.Concurrency = 1
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig  `yaml:"server"`
	Bitbucket rawBitbucket  `yaml:"bitbucket"`
	Retry     rawRetry      `yaml:"retry"`
	Fetch     rawFetch      `yaml:"fetch"`
	Cache     rawCache      `yaml:"cache"`
	Jobs      rawJobs       `yaml:"jobs"`
	Sync      SyncConfig    `yaml:"sync"`
	Telemetry rawTelemetry  `yaml:"telemetry"`
}

type rawBitbucket struct {
	APIBaseURL        string   `yaml:"api_base_url"`
	Workspaces        []string `yaml:"workspaces"`
	Username          string   `yaml:"username"`
	AppPassword       string   `yaml:"app_password"`
	RequestTimeout    duration `yaml:"request_timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawFetch struct {
	PRPageCap     int      `yaml:"pr_page_cap"`
	CommitPageCap int      `yaml:"commit_page_cap"`
	ExpandCap     int      `yaml:"expand_cap"`
	RecentWindow  duration `yaml:"recent_window"`
}

type rawCache struct {
	Backend        string   `yaml:"backend"`
	RedisAddr      string   `yaml:"redis_addr"`
	RedisPassword  string   `yaml:"redis_password"`
	RedisDB        int      `yaml:"redis_db"`
	RedisNamespace string   `yaml:"redis_namespace"`
	ListingTTL     duration `yaml:"listing_ttl"`
}

type rawJobs struct {
	PollInterval    duration `yaml:"poll_interval"`
	StallThreshold  duration `yaml:"stall_threshold"`
	MaxPersistedAge duration `yaml:"max_persisted_age"`
	PersistBackend  string   `yaml:"persist_backend"`
	StateFilePath   string   `yaml:"state_file_path"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: r.Server,
		Bitbucket: BitbucketConfig{
			APIBaseURL:        r.Bitbucket.APIBaseURL,
			Workspaces:        r.Bitbucket.Workspaces,
			Username:          r.Bitbucket.Username,
			AppPassword:       r.Bitbucket.AppPassword,
			RequestTimeout:    r.Bitbucket.RequestTimeout.Duration,
			RequestsPerSecond: r.Bitbucket.RequestsPerSecond,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Fetch: FetchConfig{
			PRPageCap:     r.Fetch.PRPageCap,
			CommitPageCap: r.Fetch.CommitPageCap,
			ExpandCap:     r.Fetch.ExpandCap,
			RecentWindow:  r.Fetch.RecentWindow.Duration,
		},
		Cache: CacheConfig{
			Backend:        r.Cache.Backend,
			RedisAddr:      r.Cache.RedisAddr,
			RedisPassword:  r.Cache.RedisPassword,
			RedisDB:        r.Cache.RedisDB,
			RedisNamespace: r.Cache.RedisNamespace,
			ListingTTL:     r.Cache.ListingTTL.Duration,
		},
		Jobs: JobsConfig{
			PollInterval:    r.Jobs.PollInterval.Duration,
			StallThreshold:  r.Jobs.StallThreshold.Duration,
			MaxPersistedAge: r.Jobs.MaxPersistedAge.Duration,
			PersistBackend:  r.Jobs.PersistBackend,
			StateFilePath:   r.Jobs.StateFilePath,
		},
		Sync: r.Sync,
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
