package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	API     APIConfig
	Session SessionConfig
	Upload  UploadConfig
	Storage StorageConfig
	Server  ServerConfig
	Log     LogConfig
	UI      UIConfig
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SessionConfig struct {
	RefreshInterval time.Duration
}

type UploadConfig struct {
	MaxSizeMB int
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type UIConfig struct {
	DarkMode bool
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 60 * time.Second,
		},
		Session: SessionConfig{
			RefreshInterval: 30 * time.Second,
		},
		Upload: UploadConfig{
			MaxSizeMB: 50,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DotEnvFiles are loaded before environment overrides are applied. Missing
// files are skipped and variables already set in the environment win.
var DotEnvFiles = []string{".env"}

// Load reads configuration from the platform-native backend, .env files and
// environment variables, in that order of increasing precedence.
//
// On macOS the backend is UserDefaults (domain: com.xlcopilot.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/xlcopilot/config.json.
//
// Environment variables (XLCOPILOT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), DotEnvFiles...)
}

func loadWith(b ConfigBackend, envFiles ...string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	loadDotEnv(envFiles...)
	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(files ...string) {
	for _, f := range files {
		// godotenv.Load never overrides variables that are already set.
		_ = godotenv.Load(f)
	}
}

func validate(cfg Config) error {
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid config: api.base_url %q must be an absolute URL", cfg.API.BaseURL)
	}
	if cfg.API.Timeout <= 0 {
		return fmt.Errorf("invalid config: api.timeout must be positive, got %s", cfg.API.Timeout)
	}
	if cfg.Session.RefreshInterval <= 0 {
		return fmt.Errorf("invalid config: session.refresh_interval must be positive, got %s", cfg.Session.RefreshInterval)
	}
	if cfg.Upload.MaxSizeMB <= 0 {
		return fmt.Errorf("invalid config: upload.max_size_mb must be positive, got %d", cfg.Upload.MaxSizeMB)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	return nil
}
