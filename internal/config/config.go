// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	State      string           `mapstructure:"state"`
	Terms      []string         `mapstructure:"terms"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Results    ResultsConfig    `mapstructure:"results"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BatchConfig governs the batch orchestrator.
type BatchConfig struct {
	Workers        int    `mapstructure:"workers"`
	MaxSites       int    `mapstructure:"max_sites"`
	Resume         bool   `mapstructure:"resume"`
	CheckpointPath string `mapstructure:"checkpoint_path"`
}

// CrawlConfig governs per-site crawl behavior.
type CrawlConfig struct {
	MaxDepth              int      `mapstructure:"max_depth"`
	MaxPages              int      `mapstructure:"max_pages"`
	TimeoutSeconds        int      `mapstructure:"timeout_seconds"`
	DelaySeconds          float64  `mapstructure:"delay_seconds"`
	MinDelaySeconds       float64  `mapstructure:"min_delay_seconds"`
	MaxDelaySeconds       float64  `mapstructure:"max_delay_seconds"`
	UserAgent             string   `mapstructure:"user_agent"`
	VerifyTLS             bool     `mapstructure:"verify_tls"`
	TLSFallbackUnverified bool     `mapstructure:"tls_fallback_unverified"`
	TLSRetryUnverified    bool     `mapstructure:"tls_retry_unverified"`
	MinContentLength      int      `mapstructure:"min_content_length"`
	ContextSnippetLength  int      `mapstructure:"context_snippet_length"`
	QuickContentCheck     bool     `mapstructure:"quick_content_check"`
	RequireRelevant       bool     `mapstructure:"require_relevant_content"`
	SkipURLPatterns       []string `mapstructure:"skip_url_patterns"`
}

// BrowserConfig configures the browser-mimicking fetch client.
type BrowserConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// DirectoryConfig points at the site directory dataset.
type DirectoryConfig struct {
	Path string `mapstructure:"path"`
}

// ResultsConfig selects and configures the result store backend.
// When DSN is set, results are written to Postgres; otherwise to CSVPath.
type ResultsConfig struct {
	CSVPath string `mapstructure:"csv_path"`
	DSN     string `mapstructure:"dsn"`
}

// SummarizerConfig configures the optional text-generation API client.
type SummarizerConfig struct {
	APIKey         string `mapstructure:"api_key"`
	APIURL         string `mapstructure:"api_url"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// LoggingConfig controls zap logger construction.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

// DefaultTerms is the vocabulary searched when no override is given.
var DefaultTerms = []string{
	"restorative justice",
	"race equity",
	"restorative practices",
	"restorative discipline",
	"alternatives to suspension",
	"non-punitive discipline",
	"student-centered discipline",
	"discipline equity",
	"equitable discipline",
	"closing discipline gaps",
	"discipline disparities",
	"disproportionate discipline",
}

// DefaultSkipPatterns lists URL patterns excluded from content search. Matched
// pages are still fetched for link discovery unless they are the crawl seed.
var DefaultSkipPatterns = []string{
	`facebook\.com`,
	`twitter\.com|x\.com`,
	`instagram\.com`,
	`youtube\.com`,
	`linkedin\.com`,
	`pinterest\.com`,
	`tiktok\.com`,
	`\.pdf$`,
	`\.docx?$`,
	`\.xlsx?$`,
	`\.mp4$|\.avi$|\.mov$|\.webm$`,
	`\.mp3$|\.wav$|\.ogg$`,
	`\.zip$|\.rar$|\.7z$|\.tar$|\.gz$`,
	`\.jpg$|\.jpeg$|\.png$|\.gif$|\.svg$|\.webp$|\.ico$`,
	`\.js$`,
	`\.css$`,
	`\.json$`,
	`\.xml$`,
	`/wp-content/uploads/`,
	`/userfiles/`,
	`/images/`,
	`/files/`,
	`/documents/`,
	`/uploads/`,
	`/assets/`,
	`/static/`,
	`/media/`,
	`/api/`,
	`/ajax/`,
	`/rest/`,
	`/cdn-cgi/`,
	`/gateway/login`,
	`/login`,
	`/logout`,
	`/signup`,
	`/register`,
	`/wp-admin`,
	`/admin`,
	`/calendar.*view=day`,
	`sessionid=`,
	`sessionId=`,
	`returnurl=`,
	`action=sendemailtous`,
	`utm_source=|utm_medium=|utm_campaign=`,
	`/print`,
	`/search\?`,
	`/sitemap`,
	`/privacy`,
	`/terms`,
	`/accessibility`,
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHOOLSCAN")
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
	v.SetDefault("state", "NC")
	v.SetDefault("terms", DefaultTerms)
	v.SetDefault("batch.workers", 5)
	v.SetDefault("batch.max_sites", 0)
	v.SetDefault("batch.resume", true)
	v.SetDefault("batch.checkpoint_path", "output/progress.json")
	v.SetDefault("crawl.max_depth", 10)
	v.SetDefault("crawl.max_pages", 1500)
	v.SetDefault("crawl.timeout_seconds", 30)
	v.SetDefault("crawl.delay_seconds", 0.5)
	v.SetDefault("crawl.min_delay_seconds", 0.3)
	v.SetDefault("crawl.max_delay_seconds", 2.0)
	v.SetDefault("crawl.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("crawl.verify_tls", true)
	v.SetDefault("crawl.tls_fallback_unverified", true)
	v.SetDefault("crawl.tls_retry_unverified", true)
	v.SetDefault("crawl.min_content_length", 200)
	v.SetDefault("crawl.context_snippet_length", 200)
	v.SetDefault("crawl.quick_content_check", true)
	v.SetDefault("crawl.require_relevant_content", false)
	v.SetDefault("crawl.skip_url_patterns", DefaultSkipPatterns)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.nav_timeout_seconds", 25)
	v.SetDefault("directory.path", "sites.csv")
	v.SetDefault("results.csv_path", "output/results.csv")
	v.SetDefault("summarizer.api_url", "https://api.perplexity.ai")
	v.SetDefault("summarizer.model", "sonar")
	v.SetDefault("summarizer.timeout_seconds", 60)
	v.SetDefault("summarizer.max_retries", 3)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.State == "" {
		return fmt.Errorf("state must be set")
	}
	if len(c.Terms) == 0 {
		return fmt.Errorf("terms must include at least one search term")
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be > 0")
	}
	if c.Batch.CheckpointPath == "" {
		return fmt.Errorf("batch.checkpoint_path must be set")
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	if c.Crawl.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.timeout_seconds must be > 0")
	}
	if c.Crawl.MinDelaySeconds <= 0 || c.Crawl.MaxDelaySeconds < c.Crawl.MinDelaySeconds {
		return fmt.Errorf("crawl delay bounds must satisfy 0 < min <= max")
	}
	if c.Crawl.DelaySeconds < c.Crawl.MinDelaySeconds || c.Crawl.DelaySeconds > c.Crawl.MaxDelaySeconds {
		return fmt.Errorf("crawl.delay_seconds must lie within [min, max]")
	}
	if c.Crawl.ContextSnippetLength <= 0 {
		return fmt.Errorf("crawl.context_snippet_length must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when browser is enabled")
	}
	if c.Results.CSVPath == "" && c.Results.DSN == "" {
		return fmt.Errorf("results.csv_path or results.dsn must be set")
	}
	return nil
}

// Timeout converts the crawl timeout into a duration.
func (c CrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Delay converts the base delay into a duration.
func (c CrawlConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

// MinDelay converts the minimum delay into a duration.
func (c CrawlConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelaySeconds * float64(time.Second))
}

// MaxDelay converts the maximum delay into a duration.
func (c CrawlConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds * float64(time.Second))
}
