package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Platform     PlatformConfig `toml:"platform"`
	Orchestrator LLMConfig      `toml:"orchestrator"`
	Worker       LLMConfig      `toml:"worker"`
	Engine       EngineConfig   `toml:"engine"`
	Session      SessionConfig  `toml:"session"`
	Login        LoginConfig    `toml:"login"`
	Observer     ObserverConfig `toml:"observer"`
}

type PlatformConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type EngineConfig struct {
	MaxRounds       int     `toml:"max_rounds"`
	MaxIterations   int     `toml:"max_iterations"`
	UseAgentPlanner bool    `toml:"use_agent_planner"`
	Temperature     float64 `toml:"temperature"`
}

type SessionConfig struct {
	TTLHours     int    `toml:"ttl_hours"`
	SweepMinutes int    `toml:"sweep_minutes"`
	DBPath       string `toml:"db_path"`
	PostgresURL  string `toml:"postgres_url"`
	ArtifactDir  string `toml:"artifact_dir"`
}

type LoginConfig struct {
	LogoutAfterMinutes int `toml:"logout_after_minutes"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Platform: PlatformConfig{URL: "http://localhost:8000"},
		Orchestrator: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
		},
		Engine: EngineConfig{
			MaxRounds:     3,
			MaxIterations: 3,
			Temperature:   0,
		},
		Session: SessionConfig{
			TTLHours:     24,
			SweepMinutes: 10,
			DBPath:       "dirigent.db",
		},
		Login: LoginConfig{LogoutAfterMinutes: 10},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "dirigent.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("DIRIGENT_PLATFORM_URL"); v != "" {
		cfg.Platform.URL = v
	}
	if v := os.Getenv("DIRIGENT_PLATFORM_USERNAME"); v != "" {
		cfg.Platform.Username = v
	}
	if v := os.Getenv("DIRIGENT_PLATFORM_PASSWORD"); v != "" {
		cfg.Platform.Password = v
	}
	if v := os.Getenv("DIRIGENT_ORCHESTRATOR_API_KEY"); v != "" {
		cfg.Orchestrator.APIKey = v
	}
	if v := os.Getenv("DIRIGENT_WORKER_API_KEY"); v != "" {
		cfg.Worker.APIKey = v
	}
	if v := os.Getenv("DIRIGENT_POSTGRES_URL"); v != "" {
		cfg.Session.PostgresURL = v
	}
	if os.Getenv("DIRIGENT_OBSERVER_ENABLED") == "true" || os.Getenv("DIRIGENT_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks: the worker model inherits the orchestrator endpoint
	// unless configured separately.
	if cfg.Worker.BaseURL == "" {
		cfg.Worker.BaseURL = cfg.Orchestrator.BaseURL
	}
	if cfg.Worker.Model == "" {
		cfg.Worker.Model = cfg.Orchestrator.Model
	}
	if cfg.Worker.APIKey == "" {
		cfg.Worker.APIKey = cfg.Orchestrator.APIKey
	}

	return cfg
}
