package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Mirror        MirrorConfig       `yaml:"mirror"`
	Repositories  []string           `yaml:"repositories"`
	PersonalRepos []PersonalRepo     `yaml:"personal_repos"`
	PackageTable  PackageTableConfig `yaml:"package_table"`
	Server        ServerConfig       `yaml:"server"`
}

// MirrorConfig holds mirror status, filter and rating settings
type MirrorConfig struct {
	StatusURL         string   `yaml:"status_url"`
	ConnectionTimeout int      `yaml:"connection_timeout"` // seconds
	CacheTimeout      int      `yaml:"cache_timeout"`      // seconds, 0 disables the cache
	MinCompletionPct  float64  `yaml:"min_completion_pct"` // 0.0 - 1.0
	RaterThreadCount  int      `yaml:"rater_thread_count"`
	Countries         []string `yaml:"countries"`
	Protocols         []string `yaml:"protocols"`
	AgeHours          float64  `yaml:"age_hours"` // 0 keeps mirrors of any sync age
	Arch              string   `yaml:"arch"`      // substituted into database paths
}

// PersonalRepo is a repository served from an explicit database URL
type PersonalRepo struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// PackageTableConfig selects where the package table lives
type PackageTableConfig struct {
	Backend  string `yaml:"backend"` // "sqlite" or "redis"
	DBPath   string `yaml:"db_path"`
	RedisURL string `yaml:"redis_url"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var repoNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mirror: MirrorConfig{
			StatusURL:         "https://archlinux.org/mirrors/status/json/",
			ConnectionTimeout: 5,
			CacheTimeout:      300,
			MinCompletionPct:  1.0,
			RaterThreadCount:  5,
			Protocols:         []string{"https"},
			AgeHours:          12,
			Arch:              "x86_64",
		},
		Repositories: []string{"core", "extra", "community"},
		PackageTable: PackageTableConfig{
			Backend: BackendSQLite,
			DBPath:  "reposync.db",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"reposync.yaml",
		"/etc/reposync/reposync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "reposync", "reposync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// ApplyEnv overrides settings from REPOSYNC_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REPOSYNC_STATUS_URL"); ok {
		c.Mirror.StatusURL = v
	}
	if v, ok := lookup("REPOSYNC_COUNTRIES"); ok {
		c.Mirror.Countries = splitList(v)
	}
	if v, ok := lookup("REPOSYNC_PROTOCOLS"); ok {
		c.Mirror.Protocols = splitList(v)
	}
	if v, ok := lookup("REPOSYNC_REPOSITORIES"); ok {
		c.Repositories = splitList(v)
	}
	if v, ok := lookup("REPOSYNC_ARCH"); ok {
		c.Mirror.Arch = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"REPOSYNC_CONNECTION_TIMEOUT", &c.Mirror.ConnectionTimeout},
		{"REPOSYNC_CACHE_TIMEOUT", &c.Mirror.CacheTimeout},
		{"REPOSYNC_RATER_THREADS", &c.Mirror.RaterThreadCount},
	}
	for _, iv := range ints {
		v, ok := lookup(iv.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", iv.name, err)
		}
		*iv.dst = n
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"REPOSYNC_AGE_HOURS", &c.Mirror.AgeHours},
		{"REPOSYNC_MIN_COMPLETION_PCT", &c.Mirror.MinCompletionPct},
	}
	for _, fv := range floats {
		v, ok := lookup(fv.name)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", fv.name, err)
		}
		*fv.dst = f
	}

	// REPOSYNC_PERSONAL_REPO is a comma-separated list of name=url pairs. A
	// bare URL is named "personal".
	if v, ok := lookup("REPOSYNC_PERSONAL_REPO"); ok {
		c.PersonalRepos = nil
		for _, item := range splitList(v) {
			name, url, found := strings.Cut(item, "=")
			if !found {
				name, url = "personal", item
			}
			c.PersonalRepos = append(c.PersonalRepos, PersonalRepo{Name: name, URL: url})
		}
	}

	if v, ok := lookup("REPOSYNC_PACKAGE_TABLE"); ok {
		c.PackageTable.Backend = v
	}
	if v, ok := lookup("REPOSYNC_DB_PATH"); ok {
		c.PackageTable.DBPath = v
	}
	if v, ok := lookup("REPOSYNC_REDIS_URL"); ok {
		c.PackageTable.RedisURL = v
	}
	if v, ok := lookup("REPOSYNC_LISTEN"); ok {
		c.Server.Listen = v
	}

	return nil
}

// Validate checks the config for values no component can work with
func (c *Config) Validate() error {
	m := c.Mirror
	if m.ConnectionTimeout <= 0 {
		return fmt.Errorf("mirror.connection_timeout must be positive, got %d", m.ConnectionTimeout)
	}
	if m.CacheTimeout < 0 {
		return fmt.Errorf("mirror.cache_timeout must not be negative, got %d", m.CacheTimeout)
	}
	if m.MinCompletionPct < 0 || m.MinCompletionPct > 1 {
		return fmt.Errorf("mirror.min_completion_pct must be between 0 and 1, got %g", m.MinCompletionPct)
	}
	if m.RaterThreadCount <= 0 {
		return fmt.Errorf("mirror.rater_thread_count must be positive, got %d", m.RaterThreadCount)
	}
	if !repoNameRe.MatchString(m.Arch) {
		return fmt.Errorf("mirror.arch: invalid architecture %q", m.Arch)
	}
	if m.AgeHours < 0 {
		return fmt.Errorf("mirror.age_hours must not be negative, got %g", m.AgeHours)
	}
	for _, p := range m.Protocols {
		switch p {
		case "http", "https", "rsync", "ftp":
		default:
			return fmt.Errorf("mirror.protocols: unknown protocol %q", p)
		}
	}

	seen := make(map[string]bool)
	for _, r := range c.Repositories {
		if !repoNameRe.MatchString(r) {
			return fmt.Errorf("repositories: invalid name %q", r)
		}
		seen[r] = true
	}
	for _, pr := range c.PersonalRepos {
		if !repoNameRe.MatchString(pr.Name) {
			return fmt.Errorf("personal_repos: invalid name %q", pr.Name)
		}
		if seen[pr.Name] {
			return fmt.Errorf("personal_repos: %q is already an upstream repository", pr.Name)
		}
		if !strings.HasPrefix(pr.URL, "http://") && !strings.HasPrefix(pr.URL, "https://") {
			return fmt.Errorf("personal_repos: %s: url must be http(s), got %q", pr.Name, pr.URL)
		}
		seen[pr.Name] = true
	}

	switch c.PackageTable.Backend {
	case BackendSQLite:
		if c.PackageTable.DBPath == "" {
			return fmt.Errorf("package_table.db_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.PackageTable.RedisURL == "" {
			return fmt.Errorf("package_table.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("package_table.backend: unknown backend %q", c.PackageTable.Backend)
	}

	return nil
}

// ConnectionTimeoutDuration returns the per-connection timeout
func (m MirrorConfig) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(m.ConnectionTimeout) * time.Second
}

// CacheTimeoutDuration returns the maximum status cache age
func (m MirrorConfig) CacheTimeoutDuration() time.Duration {
	return time.Duration(m.CacheTimeout) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
