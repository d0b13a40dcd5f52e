package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	hearth "github.com/hearthsocial/hearth-go"
)

var statusConnect bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusConnect, "connect", false, "Also open a realtime connection to verify the token")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored token and the unread count.\nWith --connect, also authenticate a realtime connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(false)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(s.cfg.Default.BaseURL, hearth.DefaultBaseURL))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(s.cfg.Default.WSURL, hearth.DefaultRealtimeURL))
		fmt.Printf("  Log level:    %s\n", valueOrDefault(s.cfg.Default.LogLevel, "(not set)"))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		token, err := s.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if token == "" {
			fmt.Println("  Token:        (not logged in)")
			return nil
		}
		fmt.Printf("  Token:        %s\n", maskKey(token))

		fmt.Println()
		fmt.Println("Live status:")
		unread, err := s.client.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
		} else {
			fmt.Printf("  Unread:       %d\n", unread)
		}

		if !statusConnect {
			return nil
		}

		rc, err := s.realtimeConfig(nil)
		if err != nil {
			return err
		}
		rc.MaxReconnectAttempts = -1
		dm := s.client.Realtime(rc)
		defer dm.Close()

		if err := dm.Connect(ctx); err != nil {
			fmt.Printf("  Realtime:     %v\n", err)
			return nil
		}
		snap := dm.Snapshot()
		fmt.Printf("  Realtime:     %s (user %s)\n", snap.State, snap.UserID)
		return nil
	},
}
