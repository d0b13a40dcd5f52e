package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	hearth "github.com/hearthsocial/hearth-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// messages
	messagesLimit  int
	messagesBefore string

	// new
	newTitle string

	// search
	searchConversation string
	searchLimit        int
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := s.client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			title := valueOrDefault(c.Title, strings.Join(c.ParticipantIDs, ", "))
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%s  %s%s  %s\n", c.ID, title, unread, formatTime(c.UpdatedAt))
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		opts := &hearth.PageOptions{Limit: messagesLimit}
		if messagesBefore != "" {
			before, err := time.Parse(time.RFC3339, messagesBefore)
			if err != nil {
				return fmt.Errorf("--before must be RFC 3339: %w", err)
			}
			opts.Before = before
		}

		msgs, err := s.client.GetMessages(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m hearth.Message) {
	fmt.Printf("[%s] %s: %s\n", formatTime(m.CreatedAt), m.SenderID, m.Content)
}

// ============================================================================
// new
// ============================================================================

var newCmd = &cobra.Command{
	Use:   "new <user-id>...",
	Short: "Create a conversation with one or more users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := s.client.CreateConversation(ctx, &hearth.CreateConversationOptions{
			ParticipantIDs: args,
			Title:          newTitle,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(conv)
		}
		fmt.Printf("Conversation created: %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// mark-read / unread
// ============================================================================

var markReadCmd = &cobra.Command{
	Use:   "mark-read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.client.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked as read.")
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		n, err := s.client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(n)
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := s.client.SearchMessages(ctx, strings.Join(args, " "), &hearth.SearchOptions{
			ConversationID: searchConversation,
			Limit:          searchLimit,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("%s ", m.ConversationID)
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	for _, c := range []*cobra.Command{conversationsCmd, messagesCmd, newCmd, searchCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(markReadCmd, unreadCmd)

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Maximum number of messages to return")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Only messages created before this RFC 3339 time")

	newCmd.Flags().StringVar(&newTitle, "title", "", "Conversation title")

	searchCmd.Flags().StringVarP(&searchConversation, "conversation", "c", "", "Restrict to one conversation")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")
}
