package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	hearth "github.com/hearthsocial/hearth-go"
)

var (
	listenMetricsAddr  string
	listenPollInterval time.Duration

	typingDuration time.Duration
)

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id>...",
	Short: "Follow live messages and typing indicators",
	Long:  "Open a realtime connection, join the given conversations and print\nevents until interrupted. Token changes made with 'hearth login' or\n'hearth logout' are picked up while running.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(true)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		rc, err := s.realtimeConfig(reg)
		if err != nil {
			return err
		}
		dm := s.client.Realtime(rc)
		defer dm.Close()

		if addr := valueOrDefault(listenMetricsAddr, s.cfg.Metrics.Listen); addr != "" {
			srv := &http.Server{Addr: addr, Handler: hearth.MetricsHandler(reg)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			s.logger.Info().Str("addr", addr).Msg("serving metrics")
		}

		go s.creds.Poll(ctx, listenPollInterval)

		dm.OnStatusChange(func(ev hearth.StatusEvent) {
			line := fmt.Sprintf("* connection %s", ev.State)
			if ev.Err != nil {
				line += ": " + ev.Err.Error()
			}
			if ev.Terminal {
				line += " (giving up, run 'hearth login' to retry)"
			}
			fmt.Println(line)
		})
		dm.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("* reconnecting in %s (attempt %d)\n", delay, attempt)
		})
		dm.OnServerError(func(err *hearth.ServerError) {
			fmt.Printf("* %v\n", err)
		})

		for _, id := range args {
			id := id
			dm.SubscribeToMessages(id, func(m hearth.Message) {
				fmt.Printf("%s ", id)
				printMessage(m)
			})
			dm.SubscribeToTyping(id, func(ev hearth.TypingEvent) {
				verb := "stopped typing"
				if ev.Typing {
					verb = "is typing"
				}
				fmt.Printf("%s * %s %s\n", id, ev.UserID, verb)
			})
		}

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = dm.Connect(connectCtx)
		cancel()
		if err != nil {
			if errors.Is(err, hearth.ErrAuthentication) {
				return err
			}
			s.logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
		}

		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message over the realtime connection",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dm, s, err := connectOnce()
		if err != nil {
			return err
		}
		defer dm.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := dm.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		s.logger.Debug().Str("message_id", msg.ID).Msg("sent")
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, formatTime(msg.CreatedAt))
		return nil
	},
}

// ============================================================================
// typing
// ============================================================================

var typingCmd = &cobra.Command{
	Use:   "typing <conversation-id>",
	Short: "Show a typing indicator for a while",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dm, _, err := connectOnce()
		if err != nil {
			return err
		}
		defer dm.Close()

		ctx := context.Background()
		if err := dm.StartTyping(ctx, args[0]); err != nil {
			return err
		}
		time.Sleep(typingDuration)
		return dm.StopTyping(ctx, args[0])
	},
}

// connectOnce opens a connection without automatic retries.
func connectOnce() (*hearth.DeliveryManager, *session, error) {
	s := newSession(true)
	rc, err := s.realtimeConfig(nil)
	if err != nil {
		return nil, nil, err
	}
	rc.MaxReconnectAttempts = -1
	dm := s.client.Realtime(rc)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dm.Connect(ctx); err != nil {
		dm.Close()
		return nil, nil, fmt.Errorf("connect failed: %w", err)
	}
	return dm, s, nil
}

func init() {
	rootCmd.AddCommand(listenCmd, sendCmd, typingCmd)

	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().DurationVar(&listenPollInterval, "poll", 2*time.Second, "How often to check the credential file for changes")

	sendCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")

	typingCmd.Flags().DurationVar(&typingDuration, "for", 3*time.Second, "How long to show the indicator")
}
