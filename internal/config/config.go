package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	EnvFastKey  = "DOCFETCH_FAST_KEY"
	EnvRedisURL = "DOCFETCH_REDIS_URL"

	DefaultFastDownloadAPIURL = "https://annas-archive.org/dyn/api/fast_download.json"
	DefaultCatalogBaseURL     = "https://annas-archive.org"

	defaultListen         = ":8080"
	defaultRetryCount     = 3
	defaultResumeAttempts = 3
	defaultDelay          = 2 * time.Second
	defaultDownloadDir    = "./downloads"
	defaultIncompleteDir  = "incomplete"
	defaultCacheSize      = 256
	defaultCacheTTL       = time.Hour
)

var defaultAllowedExtensions = []string{".epub", ".mobi", ".azw3"}

// Seconds is a duration written either as a number of seconds (2, 0.5) or
// as a duration string ("500ms").
type Seconds time.Duration

func (s *Seconds) UnmarshalYAML(unmarshal func(any) error) error {
	var n float64
	if err := unmarshal(&n); err == nil {
		*s = Seconds(n * float64(time.Second))

		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}

	d, err := time.ParseDuration(strings.TrimSpace(str))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*s = Seconds(d)

	return nil
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

type DownloadsConfig struct {
	RetryCount        int           `yaml:"retry_count"`
	ResumeAttempts    int           `yaml:"resume_attempts"`
	Delay             Seconds       `yaml:"delay"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
}

type FastDownloadConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Key         string `yaml:"key"`
	APIURL      string `yaml:"api_url"`
	PathIndex   int    `yaml:"path_index"`
	DomainIndex int    `yaml:"domain_index"`
}

// Configured reports whether fast downloads may be attempted at all.
func (c FastDownloadConfig) Configured() bool {
	return c.Enabled && c.Key != ""
}

type PathsConfig struct {
	Download   string `yaml:"download"`
	Incomplete string `yaml:"incomplete"`
}

type CatalogConfig struct {
	BaseURL   string        `yaml:"base_url"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type Config struct {
	Listen       string             `yaml:"listen"`
	RedisURL     string             `yaml:"redis_url"`
	LogLevel     string             `yaml:"log_level"`
	Downloads    DownloadsConfig    `yaml:"downloads"`
	FastDownload FastDownloadConfig `yaml:"fast_download"`
	Paths        PathsConfig        `yaml:"paths"`
	Catalog      CatalogConfig      `yaml:"catalog"`
}

// SetDefaults fills unset values and clamps out of range ones.
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo
	}

	if c.Downloads.RetryCount < 1 {
		c.Downloads.RetryCount = defaultRetryCount
	}

	if c.Downloads.ResumeAttempts < 1 {
		c.Downloads.ResumeAttempts = defaultResumeAttempts
	}

	if c.Downloads.Delay <= 0 {
		c.Downloads.Delay = Seconds(defaultDelay)
	}

	if len(c.Downloads.AllowedExtensions) == 0 {
		c.Downloads.AllowedExtensions = append([]string(nil), defaultAllowedExtensions...)
	}
	c.Downloads.AllowedExtensions = normalizeExtensions(c.Downloads.AllowedExtensions)

	if c.FastDownload.APIURL == "" {
		c.FastDownload.APIURL = DefaultFastDownloadAPIURL
	}

	if c.FastDownload.PathIndex < 0 {
		c.FastDownload.PathIndex = 0
	}

	if c.FastDownload.DomainIndex < 0 {
		c.FastDownload.DomainIndex = 0
	}

	if c.Paths.Download == "" {
		c.Paths.Download = defaultDownloadDir
	}

	if c.Paths.Incomplete == "" {
		c.Paths.Incomplete = filepath.Join(c.Paths.Download, defaultIncompleteDir)
	}

	c.Catalog.BaseURL = strings.TrimRight(c.Catalog.BaseURL, "/")
	if c.Catalog.BaseURL == "" {
		c.Catalog.BaseURL = DefaultCatalogBaseURL
	}

	if c.Catalog.CacheSize < 1 {
		c.Catalog.CacheSize = defaultCacheSize
	}

	if c.Catalog.CacheTTL <= 0 {
		c.Catalog.CacheTTL = defaultCacheTTL
	}
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		out = append(out, ext)
	}

	return out
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvFastKey); v != "" {
		c.FastDownload.Key = v
	}

	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
}

// Load reads .env from the working directory when present and then the
// YAML config file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}

	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS reads the config file from fsys. A missing file yields defaults.
func LoadFS(fsys afero.Fs, path string) (*Config, error) {
	cfg := &Config{}

	data, err := afero.ReadFile(fsys, path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	return nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// SetOutputDir moves downloads to dir. An incomplete dir derived from the
// previous output dir follows it.
func (c *Config) SetOutputDir(dir string) {
	if dir == "" {
		return
	}

	if c.Paths.Incomplete == filepath.Join(c.Paths.Download, defaultIncompleteDir) {
		c.Paths.Incomplete = filepath.Join(dir, defaultIncompleteDir)
	}

	c.Paths.Download = dir
}

// SetFastKey enables fast downloads with key.
func (c *Config) SetFastKey(key string) {
	if key == "" {
		return
	}

	c.FastDownload.Key = key
	c.FastDownload.Enabled = true
}
