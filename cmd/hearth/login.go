package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store the access token in ~/.hearth/credentials.toml",
	Long:  "Store the access token used by every REST and realtime command.\nRunning 'hearth listen' sessions pick up the new token and reconnect.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(false)
		if err := s.creds.Set(args[0]); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		fmt.Printf("Token saved to %s\n", s.creds.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(false)
		if err := s.creds.Clear(); err != nil {
			return fmt.Errorf("failed to remove token: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
