package main

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.hearth/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Metrics  ConfigMetrics  `toml:"metrics"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	WSURL    string `toml:"ws_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigRealtime overrides the realtime defaults. Durations use
// time.ParseDuration syntax ("15s").
type ConfigRealtime struct {
	HandshakeTimeout     string `toml:"handshake_timeout"`
	JoinTimeout          string `toml:"join_timeout"`
	SendTimeout          string `toml:"send_timeout"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// ConfigMetrics configures the Prometheus endpoint of long-running commands.
type ConfigMetrics struct {
	Listen string `toml:"listen"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.hearth, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".hearth")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// credentialsPath returns the token file shared with FileCredentials.
func credentialsPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "Hearth messaging CLI",
	Long:  "Command-line interface for Hearth messaging.\nLog in, browse conversations, and send or follow messages in real time.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevelFlag, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
}

// newLogger builds the stderr logger. The flag wins over default.log_level.
func newLogger(cfg *Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	level := valueOrDefault(logLevelFlag, valueOrDefault(cfg.Default.LogLevel, "warn"))
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		logger.Warn().Err(err).Str("level", level).Msg("invalid log level, using warn")
		lvl = zerolog.WarnLevel
	}
	return logger.Level(lvl)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
