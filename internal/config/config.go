package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultOutputPath is where records go when no sink is configured.
const DefaultOutputPath = "output/listings.jsonl"

// Config captures the full configuration required to initialise the crawler engine.
type Config struct {
	Search    SearchConfig    `yaml:"search"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Output    OutputConfig    `yaml:"output"`
	Worker    WorkerConfig    `yaml:"worker"`
	Session   SessionConfig   `yaml:"session"`
	Rendering RenderingConfig `yaml:"rendering"`
	Backend   BackendConfig   `yaml:"backend"`
	Frontier  FrontierConfig  `yaml:"frontier"`
	KV        KVConfig        `yaml:"kv"`
	Sink      SinkConfig      `yaml:"sink"`
	Logging   LoggingConfig   `yaml:"logging"`
	API       APIConfig       `yaml:"api"`
}

// SearchConfig lists what to crawl. At least one of the inputs must be set.
type SearchConfig struct {
	Terms     []string `yaml:"terms"`
	StartURLs []string `yaml:"start_urls"`
	Zpids     []string `yaml:"zpids"`
	Zipcodes  []string `yaml:"zipcodes"`
	// Type is one of all, sale, fsbo, rent, sold.
	Type string `yaml:"type"`
}

// CrawlConfig bounds the crawl and controls region splitting.
type CrawlConfig struct {
	MaxItems       int      `yaml:"max_items"`
	MaxLevel       int      `yaml:"max_level"`
	SplitThreshold int      `yaml:"split_threshold"`
	MaxZoom        int      `yaml:"max_zoom"`
	MaxPages       int      `yaml:"max_pages"`
	IncludeRelaxed bool     `yaml:"include_relaxed"`
	HandleTimeout  Duration `yaml:"handle_timeout"`
	// MaxCredentialFailures stops the crawl after this many detail queries in a row are refused
	// with the current credential. Zero disables the check.
	MaxCredentialFailures int `yaml:"max_credential_failures"`
	// APIRateLimit throttles backend API calls across all workers.
	APIRateLimit RateLimitConfig `yaml:"api_rate_limit"`
}

// RateLimitConfig applies a token bucket.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// OutputConfig shapes and filters records before they reach the sink.
type OutputConfig struct {
	Simple  bool   `yaml:"simple"`
	MinDate string `yaml:"min_date"`
	MaxDate string `yaml:"max_date"`
}

// WorkerConfig controls concurrency and retry behaviour.
type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	QueueSize    int      `yaml:"queue_size"`
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// SessionConfig sizes the session pool.
type SessionConfig struct {
	MaxSessions   int      `yaml:"max_sessions"`
	MaxErrorScore float64  `yaml:"max_error_score"`
	ProxyURLs     []string `yaml:"proxy_urls"`
}

// RenderingConfig controls the headless browser.
type RenderingConfig struct {
	Timeout            Duration `yaml:"timeout"`
	CredentialTimeout  Duration `yaml:"credential_timeout"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
	ExecPath           string   `yaml:"exec_path"`
	UserAgent          string   `yaml:"user_agent"`
	BlockedURLPatterns []string `yaml:"blocked_url_patterns"`
}

// BackendConfig selects how backend API requests are sent.
type BackendConfig struct {
	// Transport is "page" to fetch from inside the browser page or "http" for a direct client.
	Transport      string            `yaml:"transport"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	Headers        map[string]string `yaml:"headers"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
}

// FrontierConfig selects the work queue implementation.
type FrontierConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// KVConfig selects the store used for the ledger snapshot and the credential.
type KVConfig struct {
	Backend   string      `yaml:"backend"`
	Namespace string      `yaml:"namespace"`
	Redis     RedisConfig `yaml:"redis"`
	SQL       SQLConfig   `yaml:"sql"`
}

// RedisConfig describes a Redis connection. An empty Addr falls back to REDIS_* variables.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Timeout  Duration `yaml:"timeout"`
}

// SQLConfig describes a relational database connection used for persistence.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// SinkConfig enables record destinations. With none set records go to DefaultOutputPath.
type SinkConfig struct {
	JSONLPath string             `yaml:"jsonl_path"`
	Postgres  PostgresSinkConfig `yaml:"postgres"`
}

// PostgresSinkConfig configures the batched listings table writer.
type PostgresSinkConfig struct {
	DSN         string `yaml:"dsn"`
	Schema      string `yaml:"schema"`
	MaxConns    int    `yaml:"max_conns"`
	BatchSize   int    `yaml:"batch_size"`
	ViaBouncer  bool   `yaml:"via_bouncer"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level         string   `yaml:"level"`
	Structured    bool     `yaml:"structured"`
	StatsInterval Duration `yaml:"stats_interval"`
}

// APIConfig enables the status server when Listen is set.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Search: SearchConfig{
			Type: "all",
		},
		Crawl: CrawlConfig{
			MaxLevel:              1,
			SplitThreshold:        500,
			MaxZoom:               0,
			MaxPages:              20,
			IncludeRelaxed:        true,
			HandleTimeout:         DurationFrom(time.Hour),
			MaxCredentialFailures: 10,
			APIRateLimit: RateLimitConfig{
				Requests: 5,
				Window:   DurationFrom(time.Second),
			},
		},
		Worker: WorkerConfig{
			Concurrency:  10,
			QueueSize:    64,
			MaxRetries:   20,
			RetryBackoff: DurationFrom(2 * time.Second),
		},
		Session: SessionConfig{
			MaxSessions:   20,
			MaxErrorScore: 3,
		},
		Rendering: RenderingConfig{
			Timeout:            DurationFrom(60 * time.Second),
			CredentialTimeout:  DurationFrom(60 * time.Second),
			ConcurrentSessions: 4,
			BlockedURLPatterns: []string{
				"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.woff", "*.woff2", "*.ttf",
				"*doubleclick*", "*google-analytics*", "*googletagmanager*",
			},
		},
		Backend: BackendConfig{
			Transport:      "page",
			RequestTimeout: DurationFrom(30 * time.Second),
			Headers:        map[string]string{},
			MaxBodyBytes:   16 * 1024 * 1024,
		},
		Frontier: FrontierConfig{
			Backend: "memory",
		},
		KV: KVConfig{
			Backend:   "memory",
			Namespace: "homecrawler",
			SQL: SQLConfig{
				Driver:      "postgres",
				AutoMigrate: true,
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Structured:    true,
			StatsInterval: DurationFrom(10 * time.Second),
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// HasInput reports whether any search input is configured.
func (s SearchConfig) HasInput() bool {
	return len(s.Terms) > 0 || len(s.StartURLs) > 0 || len(s.Zpids) > 0 || len(s.Zipcodes) > 0
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if !c.Search.HasInput() {
		return errors.New("search: set at least one of terms, start_urls, zpids or zipcodes")
	}
	switch c.Search.Type {
	case "all", "sale", "fsbo", "rent", "sold":
	default:
		return fmt.Errorf("search.type %q is not one of all, sale, fsbo, rent, sold", c.Search.Type)
	}
	if c.Crawl.MaxItems < 0 {
		return fmt.Errorf("crawl.max_items must be >= 0 (got %d)", c.Crawl.MaxItems)
	}
	if c.Crawl.MaxLevel < 0 {
		return fmt.Errorf("crawl.max_level must be >= 0 (got %d)", c.Crawl.MaxLevel)
	}
	if c.Crawl.SplitThreshold <= 0 {
		return fmt.Errorf("crawl.split_threshold must be > 0 (got %d)", c.Crawl.SplitThreshold)
	}
	if c.Crawl.MaxPages < 1 {
		return fmt.Errorf("crawl.max_pages must be >= 1 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxCredentialFailures < 0 {
		return fmt.Errorf("crawl.max_credential_failures must be >= 0 (got %d)", c.Crawl.MaxCredentialFailures)
	}
	if rl := c.Crawl.APIRateLimit; rl.Requests < 0 {
		return fmt.Errorf("crawl.api_rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0 (got %d)", c.Worker.MaxRetries)
	}
	switch c.Backend.Transport {
	case "page", "http":
	default:
		return fmt.Errorf("backend.transport %q must be page or http", c.Backend.Transport)
	}
	switch c.Frontier.Backend {
	case "memory":
	case "sqlite":
		if c.Frontier.Path == "" {
			return errors.New("frontier.path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("frontier.backend %q must be memory or sqlite", c.Frontier.Backend)
	}
	switch c.KV.Backend {
	case "memory", "redis":
	case "postgres", "sql":
		if c.KV.SQL.DSN == "" {
			return errors.New("kv.sql.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("kv.backend %q must be memory, redis or postgres", c.KV.Backend)
	}
	return nil
}

func (c *Config) normalise() {
	c.Search.Terms = trimAll(c.Search.Terms)
	c.Search.StartURLs = trimAll(c.Search.StartURLs)
	c.Search.Zpids = trimAll(c.Search.Zpids)
	c.Search.Zipcodes = trimAll(c.Search.Zipcodes)
	c.Search.Type = strings.ToLower(strings.TrimSpace(c.Search.Type))
	if c.Search.Type == "" {
		c.Search.Type = "all"
	}

	c.Output.MinDate = strings.TrimSpace(c.Output.MinDate)
	c.Output.MaxDate = strings.TrimSpace(c.Output.MaxDate)

	c.Session.ProxyURLs = trimAll(c.Session.ProxyURLs)
	c.Backend.Transport = strings.ToLower(strings.TrimSpace(c.Backend.Transport))
	if c.Backend.Headers == nil {
		c.Backend.Headers = make(map[string]string)
	}
	c.Frontier.Backend = strings.ToLower(strings.TrimSpace(c.Frontier.Backend))
	c.Frontier.Path = strings.TrimSpace(c.Frontier.Path)
	c.KV.Backend = strings.ToLower(strings.TrimSpace(c.KV.Backend))
	c.Sink.JSONLPath = strings.TrimSpace(c.Sink.JSONLPath)
	c.API.Listen = strings.TrimSpace(c.API.Listen)
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return values
	}
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return cleaned
}

// Enabled reports whether the API throttle is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
