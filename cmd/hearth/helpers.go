package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	hearth "github.com/hearthsocial/hearth-go"
)

// session bundles what every command needs.
type session struct {
	cfg    *Config
	creds  *hearth.FileCredentials
	client *hearth.Client
	logger zerolog.Logger
}

// newSession loads the config and credential file. It exits when no token
// is stored.
func newSession(requireToken bool) *session {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	path, err := credentialsPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate credentials: %v\n", err)
		os.Exit(1)
	}
	creds := hearth.NewFileCredentials(path)

	if requireToken {
		token, err := creds.Token(context.Background())
		if err != nil || token == "" {
			fmt.Fprintln(os.Stderr, "No token. Run 'hearth login <token>' first.")
			os.Exit(1)
		}
	}

	var opts []hearth.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, hearth.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, hearth.WithUserAgent("hearth-cli"))

	logger := newLogger(cfg)
	creds.SetLogger(&logger)

	return &session{
		cfg:    cfg,
		creds:  creds,
		client: hearth.NewClient(creds, opts...),
		logger: logger,
	}
}

// realtimeConfig maps [default] and [realtime] onto the library config.
func (s *session) realtimeConfig(reg prometheus.Registerer) (hearth.RealtimeConfig, error) {
	rc, err := realtimeFromConfig(s.cfg)
	if err != nil {
		return rc, err
	}
	rc.Logger = &s.logger
	if reg != nil {
		rc.Metrics = hearth.NewMetrics(reg)
	}
	return rc, nil
}

// realtimeFromConfig parses the file values. Unset fields stay zero so the
// library defaults apply.
func realtimeFromConfig(cfg *Config) (hearth.RealtimeConfig, error) {
	rc := hearth.RealtimeConfig{
		URL:                  cfg.Default.WSURL,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
	}
	durations := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"handshake_timeout", cfg.Realtime.HandshakeTimeout, &rc.HandshakeTimeout},
		{"join_timeout", cfg.Realtime.JoinTimeout, &rc.JoinTimeout},
		{"send_timeout", cfg.Realtime.SendTimeout, &rc.SendTimeout},
		{"heartbeat_interval", cfg.Realtime.HeartbeatInterval, &rc.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return rc, fmt.Errorf("realtime.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return rc, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
