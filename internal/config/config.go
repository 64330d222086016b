// Package config loads the gradelock configuration.
//
// A YAML file is decoded, environment overrides replace its values, and the
// result is unified with an embedded CUE schema that supplies defaults and
// rejects unknown keys.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override the file.
const (
	EnvDB          = "GRADELOCK_DB"
	EnvLogLevel    = "GRADELOCK_LOG_LEVEL"
	EnvLogFile     = "GRADELOCK_LOG_FILE"
	EnvRedisAddr   = "GRADELOCK_REDIS_ADDR"
	EnvMetricsAddr = "GRADELOCK_METRICS_ADDR"
)

// envPaths maps each override to its schema path.
var envPaths = []struct {
	env  string
	path string
}{
	{EnvDB, "db"},
	{EnvLogLevel, "log.level"},
	{EnvLogFile, "log.file"},
	{EnvRedisAddr, "lock.redis_addr"},
	{EnvMetricsAddr, "metrics.addr"},
}

// Config is the decoded configuration.
type Config struct {
	DB        string          `json:"db"`
	Log       LogConfig       `json:"log"`
	Lock      LockConfig      `json:"lock"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `json:"level"` // debug | info | warn | error
	File  string `json:"file"`  // JSON log file; empty logs to stderr only
}

// LockConfig selects the reconciliation lease backend.
type LockConfig struct {
	Backend     string `json:"backend"` // store | redis
	RedisAddr   string `json:"redis_addr"`
	RedisPrefix string `json:"redis_prefix"`
	LeaseTTL    string `json:"lease_ttl"`
}

// ReconcileConfig tunes the reconciliation pass.
type ReconcileConfig struct {
	Interval string `json:"interval"`
	Margin   string `json:"margin"`
	MaxDepth int    `json:"max_depth"`
}

// MetricsConfig controls the Prometheus endpoint of serve.
type MetricsConfig struct {
	Addr string `json:"addr"` // empty disables the endpoint
}

// Default returns the configuration of an empty file with no overrides.
func Default() (*Config, error) {
	return load("", nil, noEnv)
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return load(path, data, os.LookupEnv)
}

// Parse decodes YAML bytes with environment overrides. name is used in
// error positions only.
func Parse(name string, data []byte) (*Config, error) {
	return load(name, data, os.LookupEnv)
}

func noEnv(string) (string, bool) { return "", false }

func load(name string, data []byte, lookup func(string) (string, bool)) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	doc := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if name == "" {
			name = "config.yaml"
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", name, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	// Overrides replace file values before unification.
	for _, o := range envPaths {
		if val, ok := lookup(o.env); ok && val != "" {
			setPath(doc, strings.Split(o.path, "."), val)
		}
	}

	filled := ctx.Encode(doc)
	if err := filled.Err(); err != nil {
		return nil, fmt.Errorf("build config %s: %w", name, err)
	}
	v = v.Unify(filled)

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Lock.Backend == "redis" && cfg.Lock.RedisAddr == "" {
		return nil, fmt.Errorf("invalid config: lock.backend is redis but lock.redis_addr is empty")
	}
	return &cfg, nil
}

// setPath stores val at path in doc, creating intermediate maps. A
// non-map value on the way is left alone for the schema to reject.
func setPath(doc map[string]any, path []string, val string) {
	for _, key := range path[:len(path)-1] {
		next, ok := doc[key]
		if !ok || next == nil {
			m := map[string]any{}
			doc[key] = m
			doc = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return
		}
		doc = m
	}
	doc[path[len(path)-1]] = val
}

// LeaseTTL returns the parsed lock.lease_ttl.
func (c *Config) LeaseTTL() time.Duration {
	return mustDuration(c.Lock.LeaseTTL)
}

// Interval returns the parsed reconcile.interval.
func (c *Config) Interval() time.Duration {
	return mustDuration(c.Reconcile.Interval)
}

// Margin returns the parsed reconcile.margin.
func (c *Config) Margin() time.Duration {
	return mustDuration(c.Reconcile.Margin)
}

// mustDuration parses a value the schema already constrained. A value that
// still fails to parse yields 0, which every consumer treats as its default.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
