package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Database  DatabaseConfig  `yaml:"database"`
	Poller    PollerConfig    `yaml:"poller"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig holds the control-plane server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// UpstreamConfig holds the terminal API connection configuration.
type UpstreamConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	PageSize           int           `yaml:"page_size"`
	FetchTimeoutSecs   int           `yaml:"fetch_timeout_seconds"`
	AuthTimeoutSecs    int           `yaml:"auth_timeout_seconds"`
	FetchTimeout       time.Duration `yaml:"-"`
	AuthTimeout        time.Duration `yaml:"-"`
	Timezone           string        `yaml:"timezone"`
	AccessTerminalTags []string      `yaml:"access_terminal_tags"`
}

// PollerConfig holds the intervals and limits for the background pollers.
type PollerConfig struct {
	Enabled                bool          `yaml:"enabled"`
	RegularIntervalSecs    int           `yaml:"regular_interval_seconds"`
	AutoStitchIntervalSecs int           `yaml:"auto_stitch_interval_seconds"`
	RegularInterval        time.Duration `yaml:"-"`
	AutoStitchInterval     time.Duration `yaml:"-"`
	NewEventCapPerTick     int           `yaml:"new_event_cap_per_tick"`
	BackfillDayDelaySecs   int           `yaml:"backfill_day_delay_seconds"`
	BackfillDayDelay       time.Duration `yaml:"-"`
	GapWindowDays          int           `yaml:"gap_window_days"`
	GapMinRecordsPerDay    int           `yaml:"gap_min_records_per_day"`
	DuplicateWindowDays    int           `yaml:"duplicate_window_days"`
	JobMaxAttempts         int           `yaml:"job_max_attempts"`
}

// WatchdogConfig holds per-poller supervision settings.
type WatchdogConfig struct {
	RegularCheckSecs        int           `yaml:"regular_check_seconds"`
	RegularStaleSecs        int           `yaml:"regular_stale_seconds"`
	AutoStitchCheckSecs     int           `yaml:"auto_stitch_check_seconds"`
	AutoStitchStaleSecs     int           `yaml:"auto_stitch_stale_seconds"`
	RestartBackoffSecs      int           `yaml:"restart_backoff_seconds"`
	RegularCheckInterval    time.Duration `yaml:"-"`
	RegularStaleAfter       time.Duration `yaml:"-"`
	AutoStitchCheckInterval time.Duration `yaml:"-"`
	AutoStitchStaleAfter    time.Duration `yaml:"-"`
	RestartBackoff          time.Duration `yaml:"-"`
}

// ReconcileConfig holds the punch-matching settings.
type ReconcileConfig struct {
	MaxSessionHours int            `yaml:"max_session_hours"`
	MaxSession      time.Duration  `yaml:"-"`
	PunchStates     map[int]string `yaml:"punch_states"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// defaultPunchStates is the conventional terminal state coding. It can be
// overridden entirely from the config file; unmapped codes are treated as
// unknown by the reconciler.
func defaultPunchStates() map[int]string {
	return map[int]string{
		0: "check_in",
		1: "check_out",
		2: "break_out",
		3: "break_in",
		4: "overtime_in",
		5: "overtime_out",
	}
}

// Load reads the configuration from the given path and applies defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields and derives the duration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 60
	}

	if cfg.Upstream.PageSize <= 0 {
		cfg.Upstream.PageSize = 200
	}
	if cfg.Upstream.FetchTimeoutSecs <= 0 {
		cfg.Upstream.FetchTimeoutSecs = 120
	}
	if cfg.Upstream.AuthTimeoutSecs <= 0 {
		cfg.Upstream.AuthTimeoutSecs = 15
	}
	if cfg.Upstream.Timezone == "" {
		cfg.Upstream.Timezone = "UTC"
	}
	if len(cfg.Upstream.AccessTerminalTags) == 0 {
		cfg.Upstream.AccessTerminalTags = []string{"lock", "door", "access"}
	}
	cfg.Upstream.FetchTimeout = time.Duration(cfg.Upstream.FetchTimeoutSecs) * time.Second
	cfg.Upstream.AuthTimeout = time.Duration(cfg.Upstream.AuthTimeoutSecs) * time.Second

	if cfg.Poller.RegularIntervalSecs <= 0 {
		cfg.Poller.RegularIntervalSecs = 180
	}
	if cfg.Poller.AutoStitchIntervalSecs <= 0 {
		cfg.Poller.AutoStitchIntervalSecs = 120
	}
	if cfg.Poller.NewEventCapPerTick <= 0 {
		cfg.Poller.NewEventCapPerTick = 500
	}
	if cfg.Poller.BackfillDayDelaySecs <= 0 {
		cfg.Poller.BackfillDayDelaySecs = 2
	}
	if cfg.Poller.GapWindowDays <= 0 {
		cfg.Poller.GapWindowDays = 30
	}
	if cfg.Poller.GapMinRecordsPerDay <= 0 {
		cfg.Poller.GapMinRecordsPerDay = 20
	}
	if cfg.Poller.DuplicateWindowDays <= 0 {
		cfg.Poller.DuplicateWindowDays = 7
	}
	if cfg.Poller.JobMaxAttempts <= 0 {
		cfg.Poller.JobMaxAttempts = 3
	}
	cfg.Poller.RegularInterval = time.Duration(cfg.Poller.RegularIntervalSecs) * time.Second
	cfg.Poller.AutoStitchInterval = time.Duration(cfg.Poller.AutoStitchIntervalSecs) * time.Second
	cfg.Poller.BackfillDayDelay = time.Duration(cfg.Poller.BackfillDayDelaySecs) * time.Second

	if cfg.Watchdog.RegularCheckSecs <= 0 {
		cfg.Watchdog.RegularCheckSecs = 30
	}
	if cfg.Watchdog.RegularStaleSecs <= 0 {
		cfg.Watchdog.RegularStaleSecs = 420
	}
	if cfg.Watchdog.AutoStitchCheckSecs <= 0 {
		cfg.Watchdog.AutoStitchCheckSecs = 60
	}
	if cfg.Watchdog.AutoStitchStaleSecs <= 0 {
		cfg.Watchdog.AutoStitchStaleSecs = 1200
	}
	if cfg.Watchdog.RestartBackoffSecs <= 0 {
		cfg.Watchdog.RestartBackoffSecs = 30
	}
	cfg.Watchdog.RegularCheckInterval = time.Duration(cfg.Watchdog.RegularCheckSecs) * time.Second
	cfg.Watchdog.RegularStaleAfter = time.Duration(cfg.Watchdog.RegularStaleSecs) * time.Second
	cfg.Watchdog.AutoStitchCheckInterval = time.Duration(cfg.Watchdog.AutoStitchCheckSecs) * time.Second
	cfg.Watchdog.AutoStitchStaleAfter = time.Duration(cfg.Watchdog.AutoStitchStaleSecs) * time.Second
	cfg.Watchdog.RestartBackoff = time.Duration(cfg.Watchdog.RestartBackoffSecs) * time.Second

	if cfg.Reconcile.MaxSessionHours <= 0 {
		cfg.Reconcile.MaxSessionHours = 12
	}
	cfg.Reconcile.MaxSession = time.Duration(cfg.Reconcile.MaxSessionHours) * time.Hour
	if len(cfg.Reconcile.PunchStates) == 0 {
		log.Printf("reconcile.punch_states is not set; using the conventional 0-5 mapping")
		cfg.Reconcile.PunchStates = defaultPunchStates()
	}
}
