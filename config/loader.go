package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "agent.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/agentcore"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/agentcore/config.yaml)
// 3. Project config (agent.yaml in current or parent directories)
// 4. Environment variables (including a .env file in the working directory)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays environment variables. A .env file in the working
// directory is loaded first without overriding real environment variables.
func (l *Loader) applyEnv(config *Config) {
	if err := godotenv.Load(); err == nil {
		l.logger.Debug("Loaded .env file")
	}

	if v := os.Getenv("AGENT_NATS_URL"); v != "" {
		config.Agent.NATSURL = v
	}
	if v, ok := envInt("AGENT_PORT"); ok {
		config.Agent.Port = v
	}
	if v := os.Getenv("STORE_HOST"); v != "" {
		config.Store.Host = v
	}
	if v, ok := envInt("STORE_PORT"); ok {
		config.Store.Port = v
	}
	if v := os.Getenv("STORE_CA_FILE"); v != "" {
		config.Store.CAFile = v
	}
	if v := os.Getenv("SYNC_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			config.Sync.Enabled = enabled
		} else {
			l.logger.Warn("Ignoring invalid SYNC_ENABLED", slog.String("value", v))
		}
	}
	if v, ok := envInt("POOL_WORKERS"); ok {
		config.Pool.Workers = v
	}
	if v := os.Getenv("APPROVAL_EXPIRY_HOURS"); v != "" {
		if hours, err := strconv.ParseFloat(v, 64); err == nil {
			config.Approval.ExpiryHours = hours
		} else {
			l.logger.Warn("Ignoring invalid APPROVAL_EXPIRY_HOURS", slog.String("value", v))
		}
	}
	if v := os.Getenv("TICKER_INTERVAL"); v != "" {
		if interval, err := time.ParseDuration(v); err == nil {
			config.Ticker.Interval = interval
		} else {
			l.logger.Warn("Ignoring invalid TICKER_INTERVAL", slog.String("value", v))
		}
	}
	if v := os.Getenv("RISK_PROFILE"); v != "" {
		config.Risk.Profile = v
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		config.Metrics.Listen = v
	}
	if v := os.Getenv("POLICY_FILE"); v != "" {
		config.Policy.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logs.Level = v
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for agent.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
