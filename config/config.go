// Package config loads turnflow.yaml: engine timeouts, the pipeline
// definition, tenants to provision, the LLM provider, the memory backend,
// the event store and the product catalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/turnflow/graph"
	"github.com/petal-labs/turnflow/llmprovider"
	"github.com/petal-labs/turnflow/stages"
)

const (
	projectConfigName = "turnflow.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".turnflow"
)

// Memory backends.
const (
	MemoryBackendMemory = "memory"
	MemoryBackendSQLite = "sqlite"
	MemoryBackendRedis  = "redis"
)

// Config is the turnflow.yaml file shape.
type Config struct {
	Engine   EngineConfig         `yaml:"engine"`
	Pipeline *graph.Definition    `yaml:"pipeline,omitempty"`
	Tenants  []string             `yaml:"tenants,omitempty"`
	LLM      LLMConfig            `yaml:"llm"`
	Memory   MemoryConfig         `yaml:"memory"`
	Events   EventsConfig         `yaml:"events"`
	Server   ServerConfig         `yaml:"server"`
	Catalog  []stages.CatalogItem `yaml:"catalog,omitempty"`
}

// EngineConfig bounds stage and turn execution.
type EngineConfig struct {
	StageTimeout time.Duration `yaml:"stage_timeout,omitempty"`
	TurnTimeout  time.Duration `yaml:"turn_timeout,omitempty"`
}

// LLMConfig selects the provider behind the sales agent.
type LLMConfig struct {
	llmprovider.Config `yaml:",inline"`
	System             string   `yaml:"system,omitempty"`
	Temperature        *float64 `yaml:"temperature,omitempty"`
	MaxTokens          int      `yaml:"max_tokens,omitempty"`
	HistoryLimit       int      `yaml:"history_limit,omitempty"`
}

// MemoryConfig selects the conversation memory backend.
type MemoryConfig struct {
	Backend        string        `yaml:"backend,omitempty"`
	DSN            string        `yaml:"dsn,omitempty"`
	Addr           string        `yaml:"addr,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	DB             int           `yaml:"db,omitempty"`
	TTL            time.Duration `yaml:"ttl,omitempty"`
	MaxPerCustomer int           `yaml:"max_per_customer,omitempty"`
	// Retention prunes records older than this on every sweep (0 keeps all).
	Retention time.Duration `yaml:"retention,omitempty"`
}

// EventsConfig configures the turn event store. An empty DSN keeps events
// in memory.
type EventsConfig struct {
	DSN            string        `yaml:"dsn,omitempty"`
	RetentionAge   time.Duration `yaml:"retention_age,omitempty"`
	RetentionCount int           `yaml:"retention_count,omitempty"`
	PruneSchedule  string        `yaml:"prune_schedule,omitempty"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr         string `yaml:"addr,omitempty"`
	CORSOrigin   string `yaml:"cors_origin,omitempty"`
	MaxBody      int64  `yaml:"max_body,omitempty"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			StageTimeout: 5 * time.Second,
			TurnTimeout:  30 * time.Second,
		},
		LLM: LLMConfig{
			Config: llmprovider.Config{Provider: llmprovider.ScriptedProvider},
		},
		Memory: MemoryConfig{Backend: MemoryBackendMemory, MaxPerCustomer: 50},
		Events: EventsConfig{PruneSchedule: "0 * * * *"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Discover resolves the config location with first-match semantics:
// explicit path, ./turnflow.yaml, ~/.turnflow/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the configuration. Without a file it returns
// Default().
func Load(explicitPath string) (Config, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	if !found {
		return Default(), "", nil
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads one config file over Default(). ${VAR} references are
// expanded from the environment before parsing.
func LoadFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default() and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.StageTimeout < 0 || c.Engine.TurnTimeout < 0 {
		errs = append(errs, errors.New("engine timeouts must not be negative"))
	}
	switch c.Memory.Backend {
	case "", MemoryBackendMemory:
	case MemoryBackendSQLite:
		if c.Memory.DSN == "" {
			errs = append(errs, errors.New("memory.dsn is required for the sqlite backend"))
		}
	case MemoryBackendRedis:
		if c.Memory.Addr == "" {
			errs = append(errs, errors.New("memory.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend %q is not one of memory, sqlite, redis", c.Memory.Backend))
	}
	if c.Events.RetentionCount < 0 {
		errs = append(errs, errors.New("events.retention_count must not be negative"))
	}
	if strings.TrimSpace(c.LLM.Provider) == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	}
	for i, t := range c.Tenants {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Errorf("tenants[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// BuildPipeline returns the configured pipeline, or the default one when
// the file has no pipeline section.
func (c Config) BuildPipeline() (*graph.Pipeline, error) {
	if c.Pipeline == nil {
		return graph.DefaultPipeline(), nil
	}
	return c.Pipeline.Build(graph.BuiltinRules())
}
