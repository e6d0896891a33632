package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. It is read from an optional YAML file,
// then overridden by TELEMETRYD_* environment variables and command-line flags.
type Config struct {
	Scope            string         `yaml:"scope"`
	Targets          []Target       `yaml:"targets"`
	DataDir          string         `yaml:"data_dir"`
	InMemory         bool           `yaml:"in_memory"`
	MaxMemoryMB      int64          `yaml:"max_memory_mb"`
	BadgerGCInterval time.Duration  `yaml:"badger_gc_interval"`
	HTTPAddr         string         `yaml:"http_addr"`
	Reducer          ReducerConfig  `yaml:"reducer"`
	Timeline         TimelineConfig `yaml:"timeline"`
	Logging          LoggingConfig  `yaml:"logging"`
}

// Target lists the telemetry packets of one target that get reduced.
type Target struct {
	Name    string   `yaml:"target"`
	Packets []string `yaml:"packets"`
}

type ReducerConfig struct {
	MinuteCron    string        `yaml:"minute_cron"`
	HourCron      string        `yaml:"hour_cron"`
	DayCron       string        `yaml:"day_cron"`
	RunOnStart    *bool         `yaml:"run_on_start"`
	Parallelism   int           `yaml:"parallelism"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	ReadLimit     int           `yaml:"read_limit"`
}

type TimelineConfig struct {
	Names            []string      `yaml:"names"`
	WorkerCount      int           `yaml:"worker_count"`
	ExpireInterval   int           `yaml:"expire_interval"`
	Tick             time.Duration `yaml:"tick"`
	DispatchMode     string        `yaml:"dispatch_mode"`
	CatchupWindow    time.Duration `yaml:"catchup_window"`
	Lookahead        time.Duration `yaml:"lookahead"`
	Retention        time.Duration `yaml:"retention"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	ActivityTimeout  time.Duration `yaml:"activity_timeout"`
	QueueSize        int           `yaml:"queue_size"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	CommandURL       string        `yaml:"command_url"`
	ScriptURL        string        `yaml:"script_url"`
	SchedulePatchMin time.Duration `yaml:"schedule_patch_min"`
	SchedulePatchMax time.Duration `yaml:"schedule_patch_max"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path (if non-empty), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// RunsOnStart reports whether every reducer tier should run once at startup.
func (r ReducerConfig) RunsOnStart() bool {
	return r.RunOnStart == nil || *r.RunOnStart
}

func (c *Config) applyDefaults() {
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.MaxMemoryMB == 0 {
		c.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.BadgerGCInterval == 0 {
		c.BadgerGCInterval = BadgerGCInterval
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}

	r := &c.Reducer
	if r.MinuteCron == "" {
		r.MinuteCron = DefaultMinuteCron
	}
	if r.HourCron == "" {
		r.HourCron = DefaultHourCron
	}
	if r.DayCron == "" {
		r.DayCron = DefaultDayCron
	}
	if r.Parallelism == 0 {
		r.Parallelism = DefaultReducerParallel
	}
	if r.ShutdownGrace == 0 {
		r.ShutdownGrace = DefaultReducerGrace
	}

	t := &c.Timeline
	if len(t.Names) == 0 {
		t.Names = []string{"default"}
	}
	if t.WorkerCount == 0 {
		t.WorkerCount = DefaultWorkerCount
	}
	if t.ExpireInterval == 0 {
		t.ExpireInterval = DefaultExpireInterval
	}
	if t.Tick == 0 {
		t.Tick = DefaultTick
	}
	if t.DispatchMode == "" {
		t.DispatchMode = DefaultDispatchMode
	}
	if t.CatchupWindow == 0 {
		t.CatchupWindow = DefaultCatchupWindow
	}
	if t.Lookahead == 0 {
		t.Lookahead = DefaultLookahead
	}
	if t.Retention == 0 {
		t.Retention = DefaultRetention
	}
	if t.RefreshInterval == 0 {
		t.RefreshInterval = DefaultRefreshInterval
	}
	if t.ActivityTimeout == 0 {
		t.ActivityTimeout = DefaultActivityTimeout
	}
	if t.QueueSize == 0 {
		t.QueueSize = DefaultQueueSize
	}
	if t.DrainTimeout == 0 {
		t.DrainTimeout = DefaultPoolDrainTimeout
	}
	if t.SchedulePatchMin == 0 {
		t.SchedulePatchMin = DefaultSchedulePatchMin
	}
	if t.SchedulePatchMax == 0 {
		t.SchedulePatchMax = DefaultSchedulePatchMax
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) applyEnv() {
	c.Scope = getEnvString("TELEMETRYD_SCOPE", c.Scope)
	c.DataDir = getEnvString("TELEMETRYD_DATA_DIR", c.DataDir)
	c.HTTPAddr = getEnvString("TELEMETRYD_HTTP_ADDR", c.HTTPAddr)
	c.MaxMemoryMB = getEnvInt64("TELEMETRYD_MAX_MEMORY_MB", c.MaxMemoryMB)
	c.Timeline.WorkerCount = int(getEnvInt64("TELEMETRYD_WORKER_COUNT", int64(c.Timeline.WorkerCount)))
	c.Timeline.ExpireInterval = int(getEnvInt64("TELEMETRYD_EXPIRE_INTERVAL", int64(c.Timeline.ExpireInterval)))
	c.Timeline.DispatchMode = getEnvString("TELEMETRYD_DISPATCH_MODE", c.Timeline.DispatchMode)
	c.Timeline.CommandURL = getEnvString("TELEMETRYD_COMMAND_URL", c.Timeline.CommandURL)
	c.Timeline.ScriptURL = getEnvString("TELEMETRYD_SCRIPT_URL", c.Timeline.ScriptURL)
	c.Logging.Level = getEnvString("TELEMETRYD_LOG_LEVEL", c.Logging.Level)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Scope == "" {
		return errors.New("scope is required")
	}
	if strings.Contains(c.Scope, "__") {
		return errors.Newf("scope %q must not contain the topic separator", c.Scope)
	}
	if !c.InMemory && c.DataDir == "" {
		return errors.New("data_dir is required unless in_memory is set")
	}
	for _, t := range c.Targets {
		if t.Name == "" {
			return errors.New("targets: target name is required")
		}
		if len(t.Packets) == 0 {
			return errors.Newf("targets: %s has no packets", t.Name)
		}
	}
	if c.Reducer.Parallelism < 1 {
		return errors.Newf("reducer.parallelism must be >= 1, got %d", c.Reducer.Parallelism)
	}
	if c.Reducer.ReadLimit < 0 {
		return errors.Newf("reducer.read_limit must be >= 0, got %d", c.Reducer.ReadLimit)
	}

	t := c.Timeline
	if t.WorkerCount < 1 {
		return errors.Newf("timeline.worker_count must be >= 1, got %d", t.WorkerCount)
	}
	if t.ExpireInterval < 1 {
		return errors.Newf("timeline.expire_interval must be >= 1, got %d", t.ExpireInterval)
	}
	switch t.DispatchMode {
	case "exact", "catchup":
	default:
		return errors.Newf("timeline.dispatch_mode must be exact or catchup, got %q", t.DispatchMode)
	}
	// The dispatcher must observe every second an activity can fire in.
	if t.Tick <= 0 {
		return errors.Newf("timeline.tick must be positive, got %s", t.Tick)
	}
	if t.DispatchMode == "exact" && t.Tick > time.Second {
		return errors.Newf("timeline.tick must be <= 1s in exact mode, got %s", t.Tick)
	}
	if t.DispatchMode == "catchup" && t.Tick > t.CatchupWindow {
		return errors.Newf("timeline.tick (%s) must not exceed catchup_window (%s)", t.Tick, t.CatchupWindow)
	}
	if t.SchedulePatchMin > t.SchedulePatchMax {
		return errors.New("timeline.schedule_patch_min must not exceed schedule_patch_max")
	}
	if t.QueueSize < t.WorkerCount {
		return errors.Newf("timeline.queue_size must be >= worker_count (%d)", t.WorkerCount)
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.Newf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, errors.Wrapf(err, "invalid log level %q", name)
	}
	return level, nil
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		slog.Warn("invalid environment value, using default", "key", key, "value", val, "default", defaultValue)
	}
	return defaultValue
}

func getEnvString(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
