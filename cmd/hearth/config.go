package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	hearth "github.com/hearthsocial/hearth-go"
)

var configShowFile bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "Print the stored file instead of the effective settings")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Hearth configuration",
	Long:  "View or modify ~/.hearth/config.toml. Realtime durations use Go syntax (\"15s\", \"500ms\").",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the settings every command runs with: values from config.toml\nwith unset keys filled from the client defaults. Stored values that\ndo not parse are reported as errors.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowFile {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'hearth config set <key> <value>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eff, err := effectiveConfig(cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		data, err := toml.Marshal(eff)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Printf("# effective settings (file: %s)\n", path)
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation. The value is validated\nbefore it is written.\nExample: hearth config set realtime.send_timeout 20s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// effectiveConfig fills every unset key with the value the client would
// actually use.
func effectiveConfig(cfg *Config) (*Config, error) {
	rc, err := realtimeFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	rc = rc.Resolved()

	level := valueOrDefault(cfg.Default.LogLevel, "warn")
	if _, err := zerolog.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("default.log_level: %w", err)
	}

	return &Config{
		Default: ConfigDefault{
			BaseURL:  valueOrDefault(cfg.Default.BaseURL, hearth.DefaultBaseURL),
			WSURL:    rc.URL,
			LogLevel: level,
		},
		Realtime: ConfigRealtime{
			HandshakeTimeout:     rc.HandshakeTimeout.String(),
			JoinTimeout:          rc.JoinTimeout.String(),
			SendTimeout:          rc.SendTimeout.String(),
			HeartbeatInterval:    rc.HeartbeatInterval.String(),
			MaxReconnectAttempts: rc.MaxReconnectAttempts,
		},
		Metrics: cfg.Metrics,
	}, nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "log_level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q: %w", value, err)
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		if field == "max_reconnect_attempts" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_reconnect_attempts must be an integer: %w", err)
			}
			cfg.Realtime.MaxReconnectAttempts = n
			return nil
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		switch field {
		case "handshake_timeout":
			cfg.Realtime.HandshakeTimeout = value
		case "join_timeout":
			cfg.Realtime.JoinTimeout = value
		case "send_timeout":
			cfg.Realtime.SendTimeout = value
		case "heartbeat_interval":
			cfg.Realtime.HeartbeatInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "metrics":
		switch field {
		case "listen":
			cfg.Metrics.Listen = value
		default:
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, metrics)", section)
	}
	return nil
}
