// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Services  ServicesConfig  `mapstructure:"services"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the operator HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// GitHubConfig configures the upstream scrape client.
type GitHubConfig struct {
	APIURL            string        `mapstructure:"api_url"`
	Token             string        `mapstructure:"token"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	PerPage           int           `mapstructure:"per_page"`
}

// FrontierConfig holds crawl policy shared by the dispatchers.
type FrontierConfig struct {
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	SeedDepth         int           `mapstructure:"seed_depth"`
	FanOut            int           `mapstructure:"fan_out"`
	ProfileMaxPages   int           `mapstructure:"profile_max_pages"`
	RepoMaxPages      int           `mapstructure:"repo_max_pages"`
	QueryPageDelay    time.Duration `mapstructure:"query_page_delay"`
	EnqueueOwnedRepos bool          `mapstructure:"enqueue_owned_repos"`
}

// ServicesConfig configures each polling service.
type ServicesConfig struct {
	ProfileRefresh ServiceConfig `mapstructure:"profile_refresh"`
	RepoFollowers  ServiceConfig `mapstructure:"repo_followers"`
	RepoQuery      ServiceConfig `mapstructure:"repo_query"`
	UserQuery      ServiceConfig `mapstructure:"user_query"`
}

// ServiceConfig is the worker pool shape of one service.
type ServiceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Workers     int           `mapstructure:"workers"`
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// PublisherConfig controls crawl event notifications.
type PublisherConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig controls raw payload archival.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.token", "")
	v.SetDefault("github.user_agent", "gh-frontier/0.1")
	v.SetDefault("github.timeout", "15s")
	v.SetDefault("github.requests_per_second", 1.0)
	v.SetDefault("github.burst", 5)
	v.SetDefault("github.per_page", 100)
	v.SetDefault("frontier.stale_after", "168h")
	v.SetDefault("frontier.seed_depth", 99)
	v.SetDefault("frontier.fan_out", 8)
	v.SetDefault("frontier.profile_max_pages", 5)
	v.SetDefault("frontier.repo_max_pages", 10)
	v.SetDefault("frontier.query_page_delay", "5s")
	v.SetDefault("frontier.enqueue_owned_repos", false)
	v.SetDefault("services.profile_refresh.enabled", true)
	v.SetDefault("services.profile_refresh.interval", "2s")
	v.SetDefault("services.profile_refresh.workers", 2)
	v.SetDefault("services.profile_refresh.tick_timeout", "2m")
	v.SetDefault("services.repo_followers.enabled", true)
	v.SetDefault("services.repo_followers.interval", "2s")
	v.SetDefault("services.repo_followers.workers", 1)
	v.SetDefault("services.repo_followers.tick_timeout", "5m")
	v.SetDefault("services.repo_query.enabled", false)
	v.SetDefault("services.repo_query.interval", "2s")
	v.SetDefault("services.repo_query.workers", 1)
	v.SetDefault("services.repo_query.tick_timeout", "10m")
	v.SetDefault("services.user_query.enabled", false)
	v.SetDefault("services.user_query.interval", "2s")
	v.SetDefault("services.user_query.workers", 1)
	v.SetDefault("services.user_query.tick_timeout", "10m")
	v.SetDefault("publisher.driver", "none")
	v.SetDefault("publisher.topic", "profile-scraped")
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.prefix", "payloads")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "gh-frontier")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// QueryTickBudget is the least tick_timeout that lets one query entry walk
// every allowed page, counting the pauses between pages and a full GitHub
// timeout per request.
func (c Config) QueryTickBudget() time.Duration {
	pages := time.Duration(crawler.MaxQueryPages)
	return (pages-1)*c.Frontier.QueryPageDelay + pages*c.GitHub.Timeout
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.GitHub.APIURL == "" {
		return fmt.Errorf("github.api_url must be set")
	}
	if c.GitHub.Timeout <= 0 {
		return fmt.Errorf("github.timeout must be > 0")
	}
	if c.Frontier.StaleAfter <= 0 {
		return fmt.Errorf("frontier.stale_after must be > 0")
	}
	if c.Frontier.SeedDepth < 0 {
		return fmt.Errorf("frontier.seed_depth must be >= 0")
	}
	if c.Frontier.FanOut <= 0 {
		return fmt.Errorf("frontier.fan_out must be > 0")
	}
	if c.Frontier.QueryPageDelay < 0 {
		return fmt.Errorf("frontier.query_page_delay must be >= 0")
	}
	services := map[string]ServiceConfig{
		"profile_refresh": c.Services.ProfileRefresh,
		"repo_followers":  c.Services.RepoFollowers,
		"repo_query":      c.Services.RepoQuery,
		"user_query":      c.Services.UserQuery,
	}
	for name, svc := range services {
		if !svc.Enabled {
			continue
		}
		if svc.Interval <= 0 {
			return fmt.Errorf("services.%s.interval must be > 0", name)
		}
		if svc.Workers <= 0 {
			return fmt.Errorf("services.%s.workers must be > 0", name)
		}
	}
	for name, svc := range map[string]ServiceConfig{
		"repo_query": c.Services.RepoQuery,
		"user_query": c.Services.UserQuery,
	} {
		if !svc.Enabled || svc.TickTimeout <= 0 {
			continue
		}
		if budget := c.QueryTickBudget(); svc.TickTimeout < budget {
			return fmt.Errorf("services.%s.tick_timeout must be >= %s to cover %d query pages",
				name, budget, crawler.MaxQueryPages)
		}
	}
	switch c.Publisher.Driver {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher.driver %q", c.Publisher.Driver)
	}
	switch c.Archive.Driver {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.driver %q", c.Archive.Driver)
	}
	if c.Telemetry.TracingEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name must be set when tracing is enabled")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
		}
	}
	return nil
}
