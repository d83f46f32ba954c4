package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store by default, got %q", cfg.Store.Driver)
	}
	if cfg.Frontier.SeedDepth != 99 {
		t.Fatalf("expected seed depth 99, got %d", cfg.Frontier.SeedDepth)
	}
	if cfg.Frontier.QueryPageDelay != 5*time.Second {
		t.Fatalf("expected 5s page delay, got %v", cfg.Frontier.QueryPageDelay)
	}
	if cfg.Frontier.RepoMaxPages != 10 {
		t.Fatalf("expected repo max pages 10, got %d", cfg.Frontier.RepoMaxPages)
	}
	if !cfg.Services.ProfileRefresh.Enabled || cfg.Services.ProfileRefresh.Workers != 2 {
		t.Fatalf("unexpected profile refresh defaults: %+v", cfg.Services.ProfileRefresh)
	}
	if cfg.Services.RepoQuery.Enabled || cfg.Services.UserQuery.Enabled {
		t.Fatal("expected query services to be disabled by default")
	}
	if cfg.Telemetry.TracingEnabled || cfg.Telemetry.ServiceName != "gh-frontier" {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: debug
store:
  driver: postgres
  postgres:
    dsn: postgres://frontier@localhost/frontier
    max_conns: 8
github:
  token: ghp_test
  timeout: 30s
  requests_per_second: 2.5
frontier:
  stale_after: 24h
  seed_depth: 3
  fan_out: 4
  query_page_delay: 250ms
  enqueue_owned_repos: true
services:
  profile_refresh:
    workers: 5
    interval: 500ms
  repo_query:
    enabled: true
    interval: 1s
    workers: 1
publisher:
  driver: memory
archive:
  driver: local
  base_dir: /tmp/frontier
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server/auth overrides, got %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.Postgres.MaxConns != 8 {
		t.Fatalf("expected postgres store, got %+v", cfg.Store)
	}
	if cfg.GitHub.Timeout != 30*time.Second || cfg.GitHub.RequestsPerSecond != 2.5 {
		t.Fatalf("expected github overrides, got %+v", cfg.GitHub)
	}
	if cfg.Frontier.StaleAfter != 24*time.Hour || cfg.Frontier.SeedDepth != 3 {
		t.Fatalf("expected frontier overrides, got %+v", cfg.Frontier)
	}
	if cfg.Frontier.QueryPageDelay != 250*time.Millisecond || !cfg.Frontier.EnqueueOwnedRepos {
		t.Fatalf("expected frontier overrides, got %+v", cfg.Frontier)
	}
	if cfg.Services.ProfileRefresh.Workers != 5 ||
		cfg.Services.ProfileRefresh.Interval != 500*time.Millisecond {
		t.Fatalf("expected profile refresh overrides, got %+v", cfg.Services.ProfileRefresh)
	}
	if !cfg.Services.RepoQuery.Enabled {
		t.Fatal("expected repo query service to be enabled")
	}
	if cfg.Publisher.Driver != "memory" || cfg.Archive.BaseDir != "/tmp/frontier" {
		t.Fatalf("expected publisher/archive overrides, got %+v %+v", cfg.Publisher, cfg.Archive)
	}
}

func TestQueryTickBudget(t *testing.T) {
	t.Parallel()

	cfg := Config{
		GitHub:   GitHubConfig{Timeout: time.Second},
		Frontier: FrontierConfig{QueryPageDelay: 500 * time.Millisecond},
	}
	if got, want := cfg.QueryTickBudget(), 9*500*time.Millisecond+10*time.Second; got != want {
		t.Fatalf("QueryTickBudget() = %s, want %s", got, want)
	}

	cfg.Store = StoreConfig{Driver: "memory"}
	cfg.GitHub.APIURL = "https://api.github.com"
	cfg.Frontier.StaleAfter = time.Hour
	cfg.Frontier.FanOut = 1
	cfg.Publisher.Driver = "none"
	cfg.Archive.Driver = "none"
	cfg.Services.RepoQuery = ServiceConfig{
		Enabled:     true,
		Interval:    time.Second,
		Workers:     1,
		TickTimeout: cfg.QueryTickBudget(),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected tick timeout equal to the budget to validate, got %v", err)
	}

	cfg.Services.RepoQuery.TickTimeout = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected unbounded tick to validate, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Store:  StoreConfig{Driver: "memory"},
		GitHub: GitHubConfig{APIURL: "https://api.github.com", Timeout: time.Second},
		Frontier: FrontierConfig{
			StaleAfter: time.Hour,
			SeedDepth:  99,
			FanOut:     4,
		},
		Services: ServicesConfig{
			ProfileRefresh: ServiceConfig{Enabled: true, Interval: time.Second, Workers: 1},
		},
		Publisher: PublisherConfig{Driver: "none"},
		Archive:   ArchiveConfig{Driver: "none"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name string
		cfg  func(Config) Config
		want string
	}{
		{
			name: "negative port",
			cfg:  func(c Config) Config { c.Server.Port = -1; return c },
			want: "server.port",
		},
		{
			name: "auth missing api key",
			cfg:  func(c Config) Config { c.Auth.Enabled = true; return c },
			want: "auth.api_key",
		},
		{
			name: "postgres without dsn",
			cfg:  func(c Config) Config { c.Store.Driver = "postgres"; return c },
			want: "store.postgres.dsn",
		},
		{
			name: "unknown store",
			cfg:  func(c Config) Config { c.Store.Driver = "mongo"; return c },
			want: "store.driver",
		},
		{
			name: "zero staleness",
			cfg:  func(c Config) Config { c.Frontier.StaleAfter = 0; return c },
			want: "frontier.stale_after",
		},
		{
			name: "zero fan out",
			cfg:  func(c Config) Config { c.Frontier.FanOut = 0; return c },
			want: "frontier.fan_out",
		},
		{
			name: "enabled service without workers",
			cfg: func(c Config) Config {
				c.Services.ProfileRefresh.Workers = 0
				return c
			},
			want: "services.profile_refresh.workers",
		},
		{
			name: "pubsub without topic",
			cfg: func(c Config) Config {
				c.Publisher = PublisherConfig{Driver: "pubsub", ProjectID: "p"}
				return c
			},
			want: "publisher.project_id",
		},
		{
			name: "gcs archive without bucket",
			cfg:  func(c Config) Config { c.Archive.Driver = "gcs"; return c },
			want: "archive.bucket",
		},
		{
			name: "query tick timeout shorter than page walk",
			cfg: func(c Config) Config {
				c.Frontier.QueryPageDelay = 40 * time.Millisecond
				c.Services.UserQuery = ServiceConfig{
					Enabled:     true,
					Interval:    time.Second,
					Workers:     1,
					TickTimeout: 100 * time.Millisecond,
				}
				return c
			},
			want: "services.user_query.tick_timeout",
		},
		{
			name: "tracing sample ratio",
			cfg: func(c Config) Config {
				c.Telemetry = TelemetryConfig{TracingEnabled: true, ServiceName: "x", SampleRatio: 1.5}
				return c
			},
			want: "telemetry.sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg(base).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
