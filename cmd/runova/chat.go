package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	runova "github.com/tenesedu/runova-sub000"
)

var (
	chatsJSON bool
	openJSON  bool
	sendJSON  bool
)

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	openCmd.Flags().BoolVar(&openJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(directCmd)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, svc := getSyncService()
		defer client.Close()
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		stream, err := svc.ConversationList(ctx)
		if err != nil {
			return fmt.Errorf("failed to open conversation list: %w", err)
		}
		defer stream.Close()

		select {
		case views, ok := <-stream.Snapshots():
			if !ok {
				return fmt.Errorf("conversation stream closed before first snapshot")
			}
			return printConversations(views, chatsJSON)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for conversation list")
		}
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch your conversation list live",
	Long:  "Stream conversation list updates until interrupted (Ctrl-C).",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, svc := getSyncService()
		defer client.Close()
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := svc.ConversationList(ctx)
		if err != nil {
			return fmt.Errorf("failed to open conversation list: %w", err)
		}
		defer stream.Close()

		fmt.Println("Watching conversations (Ctrl-C to stop)...")
		for {
			select {
			case views, ok := <-stream.Snapshots():
				if !ok {
					return nil
				}
				fmt.Printf("--- %s ---\n", time.Now().Format("15:04:05"))
				if err := printConversations(views, false); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Stream messages in a conversation",
	Long:  "Open a conversation and stream its messages until interrupted (Ctrl-C).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, svc := getSyncService()
		defer client.Close()
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := svc.OpenConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		defer stream.Close()

		for {
			select {
			case views, ok := <-stream.Snapshots():
				if !ok {
					return nil
				}
				if openJSON {
					data, err := json.Marshal(views)
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					continue
				}
				fmt.Printf("--- %d messages ---\n", len(views))
				for _, v := range views {
					printMessage(v)
				}
			case <-ctx.Done():
				return nil
			}
		}
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		client, svc := getSyncService()
		defer client.Close()
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Watch the conversation so the commit can be confirmed: the
		// snapshot carrying the committed twin retires the pending entry.
		stream, err := svc.OpenConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		defer stream.Close()

		msg, err := svc.Send(ctx, conversationID, content)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		deadline := time.After(15 * time.Second)
		for {
			select {
			case views, ok := <-stream.Snapshots():
				if !ok {
					return fmt.Errorf("stream closed before the send settled")
				}
				outstanding := false
				for _, v := range views {
					if v.Message.LocalID != msg.LocalID {
						continue
					}
					if v.Message.Status == runova.StatusFailed {
						return fmt.Errorf("message was rejected by the backend")
					}
					outstanding = true
				}
				if outstanding {
					continue
				}
				if sendJSON {
					committed := *msg
					committed.Status = runova.StatusCommitted
					data, err := json.Marshal(committed)
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}
				fmt.Printf("Message sent to conversation %s\n", conversationID)
				fmt.Printf("  Content: %s\n", msg.Content)
				return nil
			case <-deadline:
				return fmt.Errorf("send not confirmed after 15s; it may still be pending")
			}
		}
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, svc := getSyncService()
		defer client.Close()
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := svc.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		fmt.Printf("Marked conversation %s as read\n", conversationID)
		return nil
	},
}

// ============================================================================
// direct
// ============================================================================

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open or create a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		otherUserID := args[0]
		client, svc := getSyncService()
		defer client.Close()
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversationID, err := svc.OpenDirect(ctx, otherUserID)
		if err != nil {
			return fmt.Errorf("failed to open direct conversation: %w", err)
		}
		fmt.Printf("Conversation ID: %s\n", conversationID)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printConversations(views []runova.ConversationView, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(views)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if len(views) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, v := range views {
		title := v.Title()
		if title == "" {
			title = v.Conversation.ID
		}
		unread := ""
		if v.Unread > 0 {
			unread = fmt.Sprintf(" [%d unread]", v.Unread)
		}
		last := v.Conversation.LastMessage
		if len(last) > 60 {
			last = last[:57] + "..."
		}
		fmt.Printf("%-24s  %-20s%s  %s\n", v.Conversation.ID, title, unread, last)
	}
	return nil
}

func printMessage(v runova.MessageView) {
	who := v.Message.SenderDisplayName
	if who == "" {
		who = v.Message.SenderID
	}
	if v.Mine {
		who = "me"
	}
	suffix := ""
	switch v.Message.Status {
	case runova.StatusPending:
		suffix = " (sending...)"
	case runova.StatusFailed:
		suffix = " (failed)"
	}
	ts := ""
	if !v.Message.SentAt.IsZero() {
		ts = v.Message.SentAt.Local().Format("15:04")
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, who, v.Message.Content, suffix)
}
