package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram  TelegramConfig             `yaml:"telegram"`
	NATS      NATSConfig                 `yaml:"nats"`
	Store     StoreConfig                `yaml:"store"`
	Web       WebConfig                  `yaml:"web"`
	Dispatch  DispatchConfig             `yaml:"dispatch"`
	Discovery DiscoveryConfig            `yaml:"discovery"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Tools     ToolsConfig                `yaml:"tools"`
	Vault     VaultConfig                `yaml:"vault"`
	Agents    map[string]AgentDefinition `yaml:"agents"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// DispatchConfig holds the knobs for remote task dispatch: the default
// session deadline, the transient-failure retry policy, and the per-agent
// circuit breaker.
type DispatchConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffFactor   int           `yaml:"backoff_factor"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type DiscoveryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CardTimeout  time.Duration `yaml:"card_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ToolsConfig struct {
	PokeAPIBaseURL string        `yaml:"pokeapi_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// AgentDefinition declares an agent hosted by this gateway. Skills are opaque
// routing tags; the router matches them but never interprets them.
type AgentDefinition struct {
	DisplayName string            `yaml:"display_name"`
	Description string            `yaml:"description"`
	Skills      []string          `yaml:"skills"`
	Endpoint    string            `yaml:"endpoint"`
	Version     string            `yaml:"version"`
	Env         map[string]string `yaml:"env"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/pokemesh.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Dispatch: DispatchConfig{
			DefaultDeadline: 30 * time.Second,
			MaxRetries:      2,
			BackoffBase:     100 * time.Millisecond,
			BackoffFactor:   2,
			BreakerFailures: 3,
			BreakerCooldown: 30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			PollInterval: 30 * time.Second,
			CardTimeout:  2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Tools: ToolsConfig{
			PokeAPIBaseURL: "https://pokeapi.co/api/v2",
			RequestTimeout: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("POKEMESH_CONFIG")
	if path == "" {
		path = "config/pokemesh.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("POKEMESH_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("POKEMESH_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("POKEMESH_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("POKEMESH_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("POKEMESH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("POKEMESH_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("POKEMESH_POKEAPI_URL"); v != "" {
		cfg.Tools.PokeAPIBaseURL = v
	}
}
