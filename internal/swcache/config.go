package swcache

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
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// AllowOrigins lists extra origins an absolute-form request may
		// target. server.origin and the origins of precache.media are
		// always allowed.
		AllowOrigins []string `yaml:"allowOrigins"`
	} `yaml:"server"`

	Cache struct {
		// Name is the version tag of the current generation. Bumping it is
		// the only way to invalidate previously cached content.
		Name string `yaml:"name"`
	} `yaml:"cache"`

	Storage struct {
		Backend  string `yaml:"backend"`
		Path     string `yaml:"path"`
		MaxEntry string `yaml:"maxEntry"`
	} `yaml:"storage"`

	Precache struct {
		Static           []string `yaml:"static"`
		Media            []string `yaml:"media"`
		MediaConcurrency int      `yaml:"mediaConcurrency"`
	} `yaml:"precache"`

	Routes []Route `yaml:"routes"`

	Fetch struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"fetch"`

	Lifecycle struct {
		SkipWaitingOnInstall *bool `yaml:"skipWaitingOnInstall"`
	} `yaml:"lifecycle"`

	Control struct {
		Path          string `yaml:"path"`
		ActivateToken string `yaml:"activateToken"`
	} `yaml:"control"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	// compiled
	originURL      *url.URL
	allowedOrigins map[string]struct{}
	maxEntryBytes  int64
	fetchTimeout   time.Duration
}

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

type Strategy string

const (
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyMedia        Strategy = "media"
)

type Route struct {
	Match    string   `yaml:"match"`
	Priority int      `yaml:"priority"`
	Strategy Strategy `yaml:"strategy"`

	// compiled
	matchers []containsMatcher
}

type containsMatcher struct{ Fragment string }

func (m containsMatcher) Match(rawURL string) bool { return strings.Contains(rawURL, m.Fragment) }

func defaultRoutes() []Route {
	return []Route{
		{Match: "Contains(.mp4)", Priority: 10, Strategy: StrategyMedia},
		{Match: "Contains(/api/)|Contains(firebase)", Priority: 20, Strategy: StrategyNetworkFirst},
	}
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
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return Config{}, fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("server.origin: %q is not an absolute URL", cfg.Server.Origin)
	}
	cfg.originURL = u

	cfg.Cache.Name = strings.TrimSpace(cfg.Cache.Name)
	if cfg.Cache.Name == "" {
		return Config{}, fmt.Errorf("cache.name is required")
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = BackendMemory
	case BackendMemory, BackendLevelDB:
	default:
		return Config{}, fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == BackendLevelDB && cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.MaxEntry != "" {
		n, err := parseBytes(cfg.Storage.MaxEntry)
		if err != nil {
			return Config{}, fmt.Errorf("storage.maxEntry: %w", err)
		}
		cfg.maxEntryBytes = n
	}

	for i, p := range cfg.Precache.Static {
		p = strings.TrimSpace(p)
		if p == "" {
			return Config{}, fmt.Errorf("precache.static[%d]: empty path", i)
		}
		cfg.Precache.Static[i] = p
	}
	for i, m := range cfg.Precache.Media {
		m = strings.TrimSpace(m)
		if m == "" {
			return Config{}, fmt.Errorf("precache.media[%d]: empty url", i)
		}
		cfg.Precache.Media[i] = m
	}
	cfg.allowedOrigins = map[string]struct{}{originOf(u): {}}
	for _, m := range cfg.Precache.Media {
		if mu, err := url.Parse(m); err == nil && mu.IsAbs() && mu.Host != "" {
			cfg.allowedOrigins[originOf(mu)] = struct{}{}
		}
	}
	for i, o := range cfg.Server.AllowOrigins {
		ou, err := url.Parse(strings.TrimSpace(o))
		if err != nil || !ou.IsAbs() || ou.Host == "" {
			return Config{}, fmt.Errorf("server.allowOrigins[%d]: %q is not an absolute URL", i, o)
		}
		cfg.allowedOrigins[originOf(ou)] = struct{}{}
	}
	if cfg.Precache.MediaConcurrency <= 0 {
		cfg.Precache.MediaConcurrency = 4
	}

	if len(cfg.Routes) == 0 {
		cfg.Routes = defaultRoutes()
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return Config{}, fmt.Errorf("routes[%d].match: %w", i, err)
		}
		r.matchers = ms
		switch r.Strategy {
		case StrategyCacheFirst, StrategyNetworkFirst, StrategyMedia:
		default:
			return Config{}, fmt.Errorf("routes[%d].strategy: unknown strategy %q", i, r.Strategy)
		}
	}
	sort.SliceStable(cfg.Routes, func(i, j int) bool {
		return cfg.Routes[i].Priority < cfg.Routes[j].Priority
	})

	cfg.fetchTimeout = 30 * time.Second
	if cfg.Fetch.Timeout != "" {
		d, err := time.ParseDuration(cfg.Fetch.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("fetch.timeout: %w", err)
		}
		cfg.fetchTimeout = d
	}

	if cfg.Lifecycle.SkipWaitingOnInstall == nil {
		on := true
		cfg.Lifecycle.SkipWaitingOnInstall = &on
	}

	if cfg.Control.Path == "" {
		cfg.Control.Path = "/__swcache"
	}
	if !strings.HasPrefix(cfg.Control.Path, "/") {
		return Config{}, fmt.Errorf("control.path: %q must start with /", cfg.Control.Path)
	}
	cfg.Control.Path = strings.TrimRight(cfg.Control.Path, "/")
	if cfg.Control.ActivateToken == "" {
		cfg.Control.ActivateToken = "SKIP_WAITING"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	return cfg, nil
}

func parseMatch(expr string) ([]containsMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]containsMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "Contains(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only Contains(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "Contains("), ")"))
		if inside == "" {
			return nil, fmt.Errorf("empty fragment in %q", p)
		}
		out = append(out, containsMatcher{Fragment: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Route) Matches(rawURL string) bool {
	for _, m := range r.matchers {
		if m.Match(rawURL) {
			return true
		}
	}
	return false
}

// Classify returns the strategy of the first matching route, cache-first
// when none matches.
func (c *Config) Classify(rawURL string) Strategy {
	for i := range c.Routes {
		if c.Routes[i].Matches(rawURL) {
			return c.Routes[i].Strategy
		}
	}
	return StrategyCacheFirst
}

func (c *Config) SkipWaitingOnInstall() bool {
	return c.Lifecycle.SkipWaitingOnInstall == nil || *c.Lifecycle.SkipWaitingOnInstall
}

// resolve turns a precache path into an absolute URL on the origin.
func (c *Config) resolve(p string) string {
	ref, err := url.Parse(p)
	if err != nil || c.originURL == nil {
		return c.Server.Origin + p
	}
	return c.originURL.ResolveReference(ref).String()
}

func (c *Config) sameOrigin(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || c.originURL == nil {
		return false
	}
	return originOf(u) == originOf(c.originURL)
}

// allowsTarget reports whether an absolute-form request for rawURL may be
// forwarded.
func (c *Config) allowsTarget(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	_, ok := c.allowedOrigins[originOf(u)]
	return ok
}

func originOf(u *url.URL) string {
	n, err := url.Parse(normalizeURL(u.Scheme + "://" + u.Host))
	if err != nil {
		return strings.ToLower(u.Scheme + "://" + u.Host)
	}
	return n.Scheme + "://" + n.Host
}
