// Package config loads and validates drey.yml, the single configuration
// file the CLI and daemon share. Validation is strict and applies defaults
// in place, so a loaded config is always complete.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is parsed.
const (
	EnvRedisURL = "REDIS_URL"
	EnvBotKey   = "DREY_BOT_KEY"
	EnvHTTPAddr = "DREY_HTTP_ADDR"
)

// Defaults applied by Validate.
const (
	DefaultTenant             = "default"
	DefaultRedisURL           = "redis://localhost:6379/0"
	DefaultHTTPAddr           = ":8440"
	DefaultClaimTTL           = 5 * time.Minute
	DefaultSloNowAge          = 30 * time.Minute
	DefaultSweepInterval      = 2 * time.Minute
	DefaultDeferThreshold     = 2
	DefaultEmergencyThreshold = 5
	DefaultShedExtension      = 24 * time.Hour
	DefaultJobTimeout         = 10 * time.Minute
	DefaultJobMaxAttempts     = 3
	DefaultJobConcurrency     = 4
	DefaultReplayBatchSize    = 100
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the top-level drey.yml configuration.
type Config struct {
	Version   string           `yaml:"version"`
	Tenant    string           `yaml:"tenant,omitempty"` // Tenant served by this deployment
	Redis     RedisConfig      `yaml:"redis,omitempty"`
	HTTP      HTTPConfig       `yaml:"http,omitempty"`
	Decisions DecisionsConfig  `yaml:"decisions,omitempty"`
	Sweeper   SweeperConfig    `yaml:"sweeper,omitempty"`
	Jobs      JobsConfig       `yaml:"jobs,omitempty"`
	Replay    ReplayConfig     `yaml:"replay,omitempty"`
	Retention *RetentionConfig `yaml:"retention,omitempty"`
	Blob      BlobConfig       `yaml:"blob,omitempty"`
}

// RedisConfig points at the backing store.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// HTTPConfig configures the daemon's bot-facing listener.
type HTTPConfig struct {
	Addr string            `yaml:"addr,omitempty"`
	Bots map[string]string `yaml:"bots,omitempty"` // bot name → bearer key
}

// DecisionsConfig tunes the decision lifecycle.
type DecisionsConfig struct {
	ClaimTTL  Duration `yaml:"claim_ttl,omitempty"`   // Advisory claim lease length
	SloNowAge Duration `yaml:"slo_now_age,omitempty"` // Response target for now-urgency decisions
}

// SweeperConfig tunes the maintenance pass.
type SweeperConfig struct {
	Interval           Duration `yaml:"interval,omitempty"`
	DeferThreshold     int      `yaml:"defer_threshold,omitempty"`
	EmergencyThreshold int      `yaml:"emergency_threshold,omitempty"`
	ShedExtension      Duration `yaml:"shed_extension,omitempty"` // Deadline push for shed decisions
}

// JobsConfig configures the in-process job queue.
type JobsConfig struct {
	DefaultTimeout Duration              `yaml:"default_timeout,omitempty"`
	Pools          map[string]PoolConfig `yaml:"pools,omitempty"`
}

// PoolConfig configures one named job pool.
type PoolConfig struct {
	Concurrency int64    `yaml:"concurrency,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
}

// ReplayConfig tunes the rebuild engine.
type ReplayConfig struct {
	BatchSize int `yaml:"batch_size,omitempty"`
}

// RetentionConfig governs what happens to events older than the window.
// The section is optional; without it nothing is ever pruned. With it, the
// mode must be explicit: losing replayability by deleting without an
// archive is a choice the operator has to write down.
type RetentionConfig struct {
	Mode       string   `yaml:"mode"`                  // "archive" or "delete"
	Window     Duration `yaml:"window"`                // Events older than this are pruned
	ArchiveDir string   `yaml:"archive_dir,omitempty"` // Required when mode=archive
}

// Retention modes.
const (
	RetentionArchive = "archive"
	RetentionDelete  = "delete"
)

// BlobConfig selects where artifact bytes live. "convex-files" is accepted
// for configs ported from hosted deployments and maps to the redis driver;
// "r2" routes to the s3 driver through a custom endpoint.
type BlobConfig struct {
	Provider string    `yaml:"provider,omitempty"` // "redis", "convex-files", "s3", or "r2"
	S3       *S3Config `yaml:"s3,omitempty"`
}

// S3Config configures the s3 blob driver, shared by the s3 and r2 providers.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"` // Custom endpoint, required for r2
}

// Validate performs strict validation and applies defaults in place.
func (c *Config) Validate() error {
	if c.Version != "1" {
		return fmt.Errorf("unsupported version: %q (expected: \"1\")", c.Version)
	}

	if c.Tenant == "" {
		c.Tenant = DefaultTenant
	}
	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	for name, key := range c.HTTP.Bots {
		if name == "" {
			return fmt.Errorf("http.bots: bot name cannot be empty")
		}
		if key == "" {
			return fmt.Errorf("http.bots: bot %q has an empty key", name)
		}
	}

	if c.Decisions.ClaimTTL <= 0 {
		c.Decisions.ClaimTTL = Duration(DefaultClaimTTL)
	}
	if c.Decisions.SloNowAge <= 0 {
		c.Decisions.SloNowAge = Duration(DefaultSloNowAge)
	}

	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = Duration(DefaultSweepInterval)
	}
	if c.Sweeper.DeferThreshold == 0 {
		c.Sweeper.DeferThreshold = DefaultDeferThreshold
	}
	if c.Sweeper.DeferThreshold < 0 {
		return fmt.Errorf("sweeper.defer_threshold must be >= 0, got %d", c.Sweeper.DeferThreshold)
	}
	if c.Sweeper.EmergencyThreshold == 0 {
		c.Sweeper.EmergencyThreshold = DefaultEmergencyThreshold
	}
	if c.Sweeper.EmergencyThreshold < c.Sweeper.DeferThreshold {
		return fmt.Errorf("sweeper.emergency_threshold (%d) must be >= defer_threshold (%d)",
			c.Sweeper.EmergencyThreshold, c.Sweeper.DeferThreshold)
	}
	if c.Sweeper.ShedExtension <= 0 {
		c.Sweeper.ShedExtension = Duration(DefaultShedExtension)
	}

	if c.Jobs.DefaultTimeout <= 0 {
		c.Jobs.DefaultTimeout = Duration(DefaultJobTimeout)
	}
	for name, pool := range c.Jobs.Pools {
		if name == "" {
			return fmt.Errorf("jobs.pools: pool name cannot be empty")
		}
		if pool.Concurrency == 0 {
			pool.Concurrency = DefaultJobConcurrency
		}
		if pool.Concurrency < 1 {
			return fmt.Errorf("jobs.pools.%s: concurrency must be >= 1, got %d", name, pool.Concurrency)
		}
		if pool.MaxAttempts == 0 {
			pool.MaxAttempts = DefaultJobMaxAttempts
		}
		if pool.MaxAttempts < 1 {
			return fmt.Errorf("jobs.pools.%s: max_attempts must be >= 1, got %d", name, pool.MaxAttempts)
		}
		if pool.Timeout <= 0 {
			pool.Timeout = c.Jobs.DefaultTimeout
		}
		c.Jobs.Pools[name] = pool
	}

	if c.Replay.BatchSize == 0 {
		c.Replay.BatchSize = DefaultReplayBatchSize
	}
	if c.Replay.BatchSize < 1 {
		return fmt.Errorf("replay.batch_size must be >= 1, got %d", c.Replay.BatchSize)
	}

	if c.Retention != nil {
		switch c.Retention.Mode {
		case RetentionArchive:
			if c.Retention.ArchiveDir == "" {
				return fmt.Errorf("retention.archive_dir is required when retention.mode is %q", RetentionArchive)
			}
		case RetentionDelete:
			// Explicitly chosen data loss outside the window; nothing more to check.
		case "":
			return fmt.Errorf("retention.mode is required: %q or %q", RetentionArchive, RetentionDelete)
		default:
			return fmt.Errorf("invalid retention.mode: %q (must be %q or %q)",
				c.Retention.Mode, RetentionArchive, RetentionDelete)
		}
		if c.Retention.Window <= 0 {
			return fmt.Errorf("retention.window must be a positive duration")
		}
	}

	switch c.Blob.Provider {
	case "":
		c.Blob.Provider = "redis"
	case "redis", "convex-files":
	case "s3":
		if c.Blob.S3 == nil || c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required when blob.provider is \"s3\"")
		}
	case "r2":
		if c.Blob.S3 == nil || c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required when blob.provider is \"r2\"")
		}
		if c.Blob.S3.Endpoint == "" {
			return fmt.Errorf("blob.s3.endpoint is required when blob.provider is \"r2\"")
		}
	default:
		return fmt.Errorf("invalid blob.provider: %q (must be \"redis\", \"convex-files\", \"s3\", or \"r2\")", c.Blob.Provider)
	}

	return nil
}

// applyEnv layers environment overrides over the parsed file.
func (c *Config) applyEnv() {
	if url := os.Getenv(EnvRedisURL); url != "" {
		c.Redis.URL = url
	}
	if addr := os.Getenv(EnvHTTPAddr); addr != "" {
		c.HTTP.Addr = addr
	}
	if key := os.Getenv(EnvBotKey); key != "" {
		if c.HTTP.Bots == nil {
			c.HTTP.Bots = map[string]string{}
		}
		c.HTTP.Bots["default"] = key
	}
}

// Load reads, overlays env vars on, and validates drey.yml from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a fully defaulted config, the one `drey init` writes.
func Default() *Config {
	c := &Config{Version: "1"}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		panic(err) // Defaults must always validate.
	}
	return c
}
