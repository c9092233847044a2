package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/convsync/internal/progression"
	"github.com/MegaGrindStone/convsync/internal/pubsub"
	"github.com/MegaGrindStone/convsync/internal/services"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type storageConfig interface {
	open() (services.Store, func() error, error)
	driver() string
}

// BaseStorageConfig contains the common fields for all storage configurations.
type BaseStorageConfig struct {
	Driver string `yaml:"driver"`
}

type config struct {
	Port      string `yaml:"port" env:"CONVSYNC_PORT"`
	LogLevel  string `yaml:"logLevel" env:"CONVSYNC_LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"CONVSYNC_LOG_FORMAT"`

	Storage storageConfig `yaml:"storage"`
	Breaker breakerConfig `yaml:"breaker"`
	Push    pushConfig    `yaml:"push"`
	Demo    demoConfig    `yaml:"demo"`
	Reset   resetConfig   `yaml:"reset"`
}

type boltConfig struct {
	BaseStorageConfig `yaml:",inline"`
	Path              string `yaml:"path"`
}

type memoryConfig struct {
	BaseStorageConfig `yaml:",inline"`
}

type breakerConfig struct {
	MaxFailures uint32        `yaml:"maxFailures" env:"CONVSYNC_BREAKER_MAX_FAILURES"`
	OpenTimeout time.Duration `yaml:"openTimeout" env:"CONVSYNC_BREAKER_OPEN_TIMEOUT"`
}

type pushConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat" env:"CONVSYNC_PUSH_HEARTBEAT"`
	Buffer    int           `yaml:"buffer" env:"CONVSYNC_PUSH_BUFFER"`
}

type demoConfig struct {
	Script           string        `yaml:"script" env:"CONVSYNC_DEMO_SCRIPT"`
	ThinkingDelay    time.Duration `yaml:"thinkingDelay" env:"CONVSYNC_DEMO_THINKING_DELAY"`
	AgentSwitchDelay time.Duration `yaml:"agentSwitchDelay" env:"CONVSYNC_DEMO_AGENT_SWITCH_DELAY"`
	EchoWindow       time.Duration `yaml:"echoWindow" env:"CONVSYNC_DEMO_ECHO_WINDOW"`
}

type resetConfig struct {
	Schedule string   `yaml:"schedule" env:"CONVSYNC_RESET_SCHEDULE"`
	Users    []string `yaml:"users" env:"CONVSYNC_RESET_USERS" envSeparator:","`
}

func defaultConfig(dataDir string) config {
	return config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "text",
		Storage: &boltConfig{
			BaseStorageConfig: BaseStorageConfig{Driver: "bolt"},
			Path:              filepath.Join(dataDir, "store.db"),
		},
		Breaker: breakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Push: pushConfig{
			Heartbeat: 15 * time.Second,
			Buffer:    pubsub.DefaultBuffer,
		},
		Demo: demoConfig{
			Script:           "scripts/demo.yaml",
			ThinkingDelay:    progression.DefaultThinkingDelay,
			AgentSwitchDelay: progression.DefaultAgentSwitchDelay,
			EchoWindow:       100 * time.Millisecond,
		},
	}
}

// loadConfig reads the config file at path over the defaults, then applies the environment. A
// missing config file is not an error. Variables from a .env file in the working directory are
// loaded first and never override the real environment.
func loadConfig(path, dataDir string) (config, error) {
	cfg := defaultConfig(dataDir)

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("error loading .env file: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port      string         `yaml:"port"`
		LogLevel  string         `yaml:"logLevel"`
		LogFormat string         `yaml:"logFormat"`
		Storage   map[string]any `yaml:"storage"`
		Breaker   breakerConfig  `yaml:"breaker"`
		Push      pushConfig     `yaml:"push"`
		Demo      demoConfig     `yaml:"demo"`
		Reset     resetConfig    `yaml:"reset"`
	}
	rawConfig.Port = c.Port
	rawConfig.LogLevel = c.LogLevel
	rawConfig.LogFormat = c.LogFormat
	rawConfig.Breaker = c.Breaker
	rawConfig.Push = c.Push
	rawConfig.Demo = c.Demo
	rawConfig.Reset = c.Reset

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat
	c.Breaker = rawConfig.Breaker
	c.Push = rawConfig.Push
	c.Demo = rawConfig.Demo
	c.Reset = rawConfig.Reset

	if rawConfig.Storage == nil {
		return nil
	}

	storageDriver, ok := rawConfig.Storage["driver"].(string)
	if !ok {
		return fmt.Errorf("storage driver is required")
	}

	storageRawYAML, err := yaml.Marshal(rawConfig.Storage)
	if err != nil {
		return err
	}

	var storage storageConfig
	switch storageDriver {
	case "bolt":
		storage = &boltConfig{}
	case "memory":
		storage = &memoryConfig{}
	default:
		return fmt.Errorf("unknown storage driver: %s", storageDriver)
	}

	if err := yaml.Unmarshal(storageRawYAML, storage); err != nil {
		return err
	}
	c.Storage = storage

	return nil
}

func (c config) validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.LogFormat)
	}
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.Reset.Schedule != "" && len(c.Reset.Users) == 0 {
		return fmt.Errorf("reset schedule needs at least one user")
	}
	return nil
}

func (c config) breakerSettings() services.BreakerSettings {
	return services.BreakerSettings{
		MaxFailures: c.Breaker.MaxFailures,
		OpenTimeout: c.Breaker.OpenTimeout,
	}
}

func (c config) logAttrs() []any {
	return []any{
		slog.String("port", c.Port),
		slog.String("storage", c.Storage.driver()),
		slog.Duration("heartbeat", c.Push.Heartbeat),
	}
}

func (b boltConfig) open() (services.Store, func() error, error) {
	if b.Path == "" {
		return nil, nil, fmt.Errorf("bolt storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0755); err != nil {
		return nil, nil, fmt.Errorf("error creating storage directory: %w", err)
	}
	db, err := services.NewBoltDB(b.Path)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func (b boltConfig) driver() string {
	return b.Driver
}

func (memoryConfig) open() (services.Store, func() error, error) {
	return services.NewMemory(), func() error { return nil }, nil
}

func (m memoryConfig) driver() string {
	return m.Driver
}
