// Package config loads the application configuration from config files,
// AMEDAS_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"amedas-climate/internal/acquisition"
	"amedas-climate/internal/jma"
	"amedas-climate/internal/models"
	"amedas-climate/internal/parser"
	"amedas-climate/pkg/database"
)

const (
	// ApplicationName is used for configuration paths and environment
	// variables.
	ApplicationName = "amedas"

	// ConfigName is the configuration file's name without extension.
	ConfigName = "config"
)

// ConfigPaths specifies where to look for configuration files.
var ConfigPaths = []string{".", "/etc/" + ApplicationName}

// Config holds all application configuration
type Config struct {
	Preset      string            `mapstructure:"preset" yaml:"preset" validate:"required"`
	PresetsFile string            `mapstructure:"presets_file" yaml:"presets_file,omitempty"`
	Timezone    string            `mapstructure:"timezone" yaml:"timezone" validate:"required"`
	Paths       PathsConfig       `mapstructure:"paths" yaml:"paths"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition" yaml:"acquisition"`
	JMA         JMAConfig         `mapstructure:"jma" yaml:"jma"`
	Parser      ParserConfig      `mapstructure:"parser" yaml:"parser"`
	Climate     ClimateConfig     `mapstructure:"climate" yaml:"climate"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Schedule    ScheduleConfig    `mapstructure:"schedule" yaml:"schedule"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// PathsConfig locates the on-disk stores
type PathsConfig struct {
	Archive     string `mapstructure:"archive" yaml:"archive" validate:"required"`
	Climatology string `mapstructure:"climatology" yaml:"climatology" validate:"required"`
	Results     string `mapstructure:"results" yaml:"results" validate:"required"`
	Stations    string `mapstructure:"stations" yaml:"stations" validate:"required"`
}

// AcquisitionConfig holds the acquisition run policies
type AcquisitionConfig struct {
	Mode            string        `mapstructure:"mode" yaml:"mode" validate:"oneof=recent backfill"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window" yaml:"freshness_window"`
	NeverStale      bool          `mapstructure:"never_stale" yaml:"never_stale"`
	Budget          time.Duration `mapstructure:"budget" yaml:"budget"`
	CutoffDay       int           `mapstructure:"cutoff_day" yaml:"cutoff_day" validate:"min=1,max=32"`
	FromYear        int           `mapstructure:"from_year" yaml:"from_year"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1,max=20"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	StationDelay    time.Duration `mapstructure:"station_delay" yaml:"station_delay"`
	RequestDelay    time.Duration `mapstructure:"request_delay" yaml:"request_delay"`
	Stations        []string      `mapstructure:"stations" yaml:"stations,omitempty"`
}

// JMAConfig holds the download service settings
type JMAConfig struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// ParserConfig holds the observation parser settings
type ParserConfig struct {
	QualityThreshold int `mapstructure:"quality_threshold" yaml:"quality_threshold" validate:"min=0,max=8"`
	ExpectedFields   int `mapstructure:"expected_fields" yaml:"expected_fields" validate:"min=0"`
}

// ClimateConfig holds the baseline and anomaly settings
type ClimateConfig struct {
	BaselineStartYear int      `mapstructure:"baseline_start_year" yaml:"baseline_start_year" validate:"min=2000"`
	BaselineEndYear   int      `mapstructure:"baseline_end_year" yaml:"baseline_end_year" validate:"gtefield=BaselineStartYear"`
	Variables         []string `mapstructure:"variables" yaml:"variables" validate:"min=1"`
	RecentCutoffDay   int      `mapstructure:"recent_cutoff_day" yaml:"recent_cutoff_day" validate:"min=1,max=32"`
	RebuildFromYear   int      `mapstructure:"rebuild_from_year" yaml:"rebuild_from_year" validate:"min=2000"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// DatabaseConfig holds database configuration. An empty driver disables the
// database mirror.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=postgres mysql"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// RedisConfig holds the event stream settings. An empty address disables
// event publishing.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"min=0"`
	Stream   string `mapstructure:"stream" yaml:"stream"`
	MaxLen   int64  `mapstructure:"max_len" yaml:"max_len" validate:"min=0"`
}

// ScheduleConfig controls the periodic cycle of `serve`
type ScheduleConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Cron     string        `mapstructure:"cron" yaml:"cron"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"preset":           "preset",
	"presets-file":     "presets_file",
	"data-dir":         "paths.archive",
	"climatology-dir":  "paths.climatology",
	"result-dir":       "paths.results",
	"stations-file":    "paths.stations",
	"stations":         "acquisition.stations",
	"mode":             "acquisition.mode",
	"budget":           "acquisition.budget",
	"freshness-window": "acquisition.freshness_window",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
	"port":             "server.port",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("preset", PresetRecent)
	v.SetDefault("presets_file", "")
	v.SetDefault("timezone", "Asia/Tokyo")

	v.SetDefault("paths.archive", "weather_data")
	v.SetDefault("paths.climatology", "anomaly/climatology")
	v.SetDefault("paths.results", "anomaly/result")
	v.SetDefault("paths.stations", "station_list.csv")

	v.SetDefault("acquisition.mode", acquisition.ModeRecent)
	v.SetDefault("acquisition.freshness_window", 24*time.Hour)
	v.SetDefault("acquisition.never_stale", false)
	v.SetDefault("acquisition.budget", 5*time.Hour+40*time.Minute)
	v.SetDefault("acquisition.cutoff_day", 12)
	v.SetDefault("acquisition.from_year", models.FirstArchiveYear)
	v.SetDefault("acquisition.max_attempts", 3)
	v.SetDefault("acquisition.retry_delay", 10*time.Second)
	v.SetDefault("acquisition.station_delay", 2*time.Second)
	v.SetDefault("acquisition.request_delay", 2*time.Second)
	v.SetDefault("acquisition.stations", []string{})

	v.SetDefault("jma.base_url", "https://www.data.jma.go.jp")
	v.SetDefault("jma.timeout", 60*time.Second)
	v.SetDefault("jma.user_agent", "amedas-climate/1.0")
	v.SetDefault("jma.breaker_failures", 5)
	v.SetDefault("jma.breaker_timeout", 2*time.Minute)

	v.SetDefault("parser.quality_threshold", parser.DefaultQualityThreshold)
	v.SetDefault("parser.expected_fields", parser.DefaultExpectedFields)

	v.SetDefault("climate.baseline_start_year", models.BaselineStartYear)
	v.SetDefault("climate.baseline_end_year", models.BaselineEndYear)
	v.SetDefault("climate.variables", []string{"temperature", "humidity", "precipitation"})
	v.SetDefault("climate.recent_cutoff_day", 6)
	v.SetDefault("climate.rebuild_from_year", 2010)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "amedas")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "amedas")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "amedas:events")
	v.SetDefault("redis.max_len", 10000)

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval", 24*time.Hour)
	v.SetDefault("schedule.cron", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration. path selects an explicit config file; when it
// is empty config.yaml is searched in ConfigPaths and may be absent. A .env
// file in the working directory is loaded first when present. Flags in
// flags that appear in FlagKeys override every other source.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(ApplicationName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(ConfigName)
		for _, p := range ConfigPaths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	presets := Builtin()
	if file := v.GetString("presets_file"); file != "" {
		extra, err := LoadPresets(file)
		if err != nil {
			return nil, err
		}
		for name, p := range extra {
			presets[name] = p
		}
	}

	name := v.GetString("preset")
	preset, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", name)
	}
	preset.apply(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	for name, d := range map[string]time.Duration{
		"acquisition.freshness_window": c.Acquisition.FreshnessWindow,
		"acquisition.budget":           c.Acquisition.Budget,
		"acquisition.retry_delay":      c.Acquisition.RetryDelay,
		"acquisition.station_delay":    c.Acquisition.StationDelay,
		"acquisition.request_delay":    c.Acquisition.RequestDelay,
		"jma.timeout":                  c.JMA.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("invalid configuration: %s must not be negative", name)
		}
	}

	if c.Acquisition.Mode == acquisition.ModeBackfill && c.Acquisition.FromYear < models.FirstArchiveYear {
		return fmt.Errorf("invalid configuration: acquisition.from_year must be %d or later", models.FirstArchiveYear)
	}

	for _, v := range c.Climate.Variables {
		if !models.KnownVariable(models.Variable(v)) {
			return fmt.Errorf("invalid configuration: unknown variable %q", v)
		}
	}

	if c.Database.Driver != "" && c.Database.Host == "" {
		return fmt.Errorf("invalid configuration: database.host is required when database.driver is set")
	}

	if c.Schedule.Enabled && c.Schedule.Cron == "" && c.Schedule.Interval <= 0 {
		return fmt.Errorf("invalid configuration: schedule needs an interval or a cron expression")
	}

	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Variables returns the tracked variables in configured order.
func (c *Config) Variables() []models.Variable {
	vars := make([]models.Variable, len(c.Climate.Variables))
	for i, v := range c.Climate.Variables {
		vars[i] = models.Variable(v)
	}
	return vars
}

// AcquisitionPolicies builds the scheduler configuration.
func (c *Config) AcquisitionPolicies() acquisition.Config {
	window := c.Acquisition.FreshnessWindow
	if c.Acquisition.NeverStale {
		window = acquisition.NeverStale
	}
	return acquisition.Config{
		Budget:       c.Acquisition.Budget,
		StationDelay: c.Acquisition.StationDelay,
		RequestDelay: c.Acquisition.RequestDelay,
		Location:     c.Location(),
		Staleness:    acquisition.StalenessPolicy{Window: window},
		Targets: acquisition.TargetPolicy{
			Mode:      c.Acquisition.Mode,
			CutoffDay: c.Acquisition.CutoffDay,
			FromYear:  c.Acquisition.FromYear,
		},
		Retry: acquisition.RetryPolicy{
			MaxAttempts: c.Acquisition.MaxAttempts,
			Delay:       c.Acquisition.RetryDelay,
		},
	}
}

// ClientConfig builds the JMA client configuration.
func (c *Config) ClientConfig() jma.Config {
	return jma.Config{
		BaseURL:         c.JMA.BaseURL,
		Timeout:         c.JMA.Timeout,
		UserAgent:       c.JMA.UserAgent,
		BreakerFailures: c.JMA.BreakerFailures,
		BreakerTimeout:  c.JMA.BreakerTimeout,
	}
}

// ParserSettings builds the parser configuration.
func (c *Config) ParserSettings() parser.Config {
	return parser.Config{
		Location:         c.Location(),
		QualityThreshold: c.Parser.QualityThreshold,
		ExpectedFields:   c.Parser.ExpectedFields,
	}
}

// DatabaseEnabled reports whether the SQL mirror is configured.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Driver != ""
}

// DBConfig builds the database configuration.
func (c *Config) DBConfig() *database.Config {
	return &database.Config{
		Driver:          c.Database.Driver,
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = "********"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "********"
	}
	return &out
}
