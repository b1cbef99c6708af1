package salonsync

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Path  string `yaml:"path"`
		Queue struct {
			Driver string `yaml:"driver"`
			DSN    string `yaml:"dsn"`
			Redis  struct {
				Addr   string `yaml:"addr"`
				Prefix string `yaml:"prefix"`
				DB     int    `yaml:"db"`
			} `yaml:"redis"`
		} `yaml:"queue"`
	} `yaml:"storage"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Name             string     `yaml:"name"`
		OfflinePage      string     `yaml:"offlinePage"`
		Precache         []string   `yaml:"precache"`
		PrecacheManifest string     `yaml:"precacheManifest"`
		PrecacheSitemaps []string   `yaml:"precacheSitemaps"`
		Fallbacks        []Fallback `yaml:"fallbacks"`
	} `yaml:"cache"`

	Rules []Rule `yaml:"rules"`

	Sync struct {
		API         string `yaml:"api"`
		Bookings    string `yaml:"bookings"`
		Profile     string `yaml:"profile"`
		Concurrency int    `yaml:"concurrency"`
		RetryEvery  string `yaml:"retryEvery"`
		Probe       struct {
			Path    string `yaml:"path"`
			Every   string `yaml:"every"`
			Timeout string `yaml:"timeout"`
		} `yaml:"probe"`

		retryEveryDur   time.Duration
		probeEveryDur   time.Duration
		probeTimeoutDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// Policy is the fetch strategy applied to a GET request.
type Policy string

const (
	PolicyCacheFirst   Policy = "cache-first"
	PolicyNetworkFirst Policy = "network-first"
	PolicyBypass       Policy = "bypass"
)

type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	Policy   Policy `yaml:"policy"`

	// compiled
	matchers []pathMatcher
}

// Fallback maps request file extensions to a cached placeholder URL.
type Fallback struct {
	Extensions []string `yaml:"extensions"`
	URL        string   `yaml:"url"`
}

type pathMatcher struct {
	Prefix   string
	Contains string
}

func (m pathMatcher) Match(path string) bool {
	if m.Prefix != "" {
		return strings.HasPrefix(path, m.Prefix)
	}
	return strings.Contains(path, m.Contains)
}

// DefaultRules routes the login, bookings and profile endpoints network-first.
func DefaultRules() []Rule {
	return []Rule{{
		Match:  "Contains(/api/auth/login)|Contains(/api/bookings)|Contains(/api/users/me)",
		Policy: PolicyNetworkFirst,
	}}
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if _, err := url.Parse(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}

	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if _, err := parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	switch cfg.Storage.Queue.Driver {
	case "":
		cfg.Storage.Queue.Driver = "leveldb"
	case "leveldb", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("storage.queue.driver: unknown driver %q", cfg.Storage.Queue.Driver)
	}
	if cfg.Storage.Queue.Driver == "redis" && cfg.Storage.Queue.Redis.Addr == "" {
		return fmt.Errorf("storage.queue.redis.addr is required for the redis driver")
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "salonsync-cache-v1"
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = "/offline.html"
	}
	for i, fb := range cfg.Cache.Fallbacks {
		if fb.URL == "" || len(fb.Extensions) == 0 {
			return fmt.Errorf("cache.fallbacks[%d]: url and extensions are required", i)
		}
		for j, ext := range fb.Extensions {
			cfg.Cache.Fallbacks[i].Extensions[j] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		}
	}

	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		switch r.Policy {
		case PolicyCacheFirst, PolicyNetworkFirst, PolicyBypass:
		case "":
			r.Policy = PolicyNetworkFirst
		default:
			return fmt.Errorf("rules[%d].policy: unknown policy %q", i, r.Policy)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	if cfg.Sync.API == "" {
		cfg.Sync.API = cfg.Server.Origin
	}
	cfg.Sync.API = strings.TrimRight(cfg.Sync.API, "/")
	if cfg.Sync.Bookings == "" {
		cfg.Sync.Bookings = "/api/bookings"
	}
	if cfg.Sync.Profile == "" {
		cfg.Sync.Profile = "/api/users/me"
	}
	if cfg.Sync.Concurrency <= 0 {
		cfg.Sync.Concurrency = 4
	}
	if cfg.Sync.Probe.Path == "" {
		cfg.Sync.Probe.Path = "/"
	}
	var err error
	if cfg.Sync.retryEveryDur, err = parseDurationDefault(cfg.Sync.RetryEvery, time.Minute); err != nil {
		return fmt.Errorf("sync.retryEvery: %w", err)
	}
	if cfg.Sync.probeEveryDur, err = parseDurationDefault(cfg.Sync.Probe.Every, 15*time.Second); err != nil {
		return fmt.Errorf("sync.probe.every: %w", err)
	}
	if cfg.Sync.probeTimeoutDur, err = parseDurationDefault(cfg.Sync.Probe.Timeout, 5*time.Second); err != nil {
		return fmt.Errorf("sync.probe.timeout: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseMatch(expr string) ([]pathMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var fn string
		switch {
		case strings.HasPrefix(p, "PathPrefix("):
			fn = "PathPrefix"
		case strings.HasPrefix(p, "Contains("):
			fn = "Contains"
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and Contains(...) supported, got %q", p)
		}
		if !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("unterminated %s in %q", fn, p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, fn+"("), ")"))
		if inside == "" {
			return nil, fmt.Errorf("empty argument in %q", p)
		}
		if fn == "PathPrefix" {
			if !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, pathMatcher{Prefix: inside})
			continue
		}
		out = append(out, pathMatcher{Contains: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
