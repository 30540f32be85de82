package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/boyamarket/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool
	historyJSON       bool
	sendJSON          bool
	watchInspectAddr  string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, _, err := getChat(false)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sessions, err := chat.LoadConversations(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if conversationsJSON {
			return writeJSON(out, sessions)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		printSessions(out, sessions)
		return nil
	},
}

func printSessions(w io.Writer, sessions []chatsync.Session) {
	for _, s := range sessions {
		unread := ""
		if s.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", s.UnreadCount)
		}
		title := valueOrDefault(s.ItemTitle, "item "+s.ItemID)
		name := valueOrDefault(s.OtherUsername, "user "+s.OtherUserID)
		fmt.Fprintf(w, "  %s: %s / %s%s\n", s.ID, name, title, unread)
	}
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <other-user-id> <item-id>",
	Short: "Show the messages exchanged about a listing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, _, err := getChat(false)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		id, err := chat.OpenConversation(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		messages := chat.Ledger().MessagesOf(id)
		out := cmd.OutOrStdout()
		if historyJSON {
			return writeJSON(out, messages)
		}
		if len(messages) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range messages {
			printMessage(out, m)
		}
		return nil
	},
}

func printMessage(w io.Writer, m chatsync.Message) {
	from := valueOrDefault(m.SenderName, m.FromUserID)
	fmt.Fprintf(w, "  [%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), from, m.Content)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <to-user-id> <item-id> <message>",
	Short: "Send a message about a listing",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, _, err := getChat(false)
		if err != nil {
			return err
		}
		content := strings.Join(args[2:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := chat.SendMessage(ctx, args[0], args[1], content)
		if err != nil {
			return err
		}
		if sendJSON {
			return writeJSON(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent (id: %s, conversation: %s)\n", msg.ID, msg.ConversationID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream messages and typing events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, cfg, err := getChat(true)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		rt := chat.Realtime()
		rt.OnStateChange(func(state chatsync.RealtimeState) {
			logger.Info("realtime state", "state", state)
		})
		rt.On(chatsync.EventNewMessage, func(payload json.RawMessage) {
			fmt.Fprintf(out, "new_message %s\n", payload)
		})
		rt.On(chatsync.EventUserTyping, func(payload json.RawMessage) {
			fmt.Fprintf(out, "user_typing %s\n", payload)
		})

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = chat.Connect(connectCtx, cfg.Auth.Token)
		cancel()
		if err != nil {
			return err
		}
		defer chat.Realtime().Disconnect()

		loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		sessions, err := chat.LoadConversations(loadCtx)
		cancel()
		if err != nil {
			logger.Warn("initial conversation load failed", "error", err)
		} else {
			printSessions(out, sessions)
		}

		if watchInspectAddr != "" {
			srv := &http.Server{
				Addr:              watchInspectAddr,
				Handler:           chatsync.NewInspectHandler(chat.Ledger(), rt),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info("inspect server listening", "addr", watchInspectAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("inspect server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		<-ctx.Done()
		logger.Info("watch stopped", "unread", chat.Ledger().TotalUnread())
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")
	watchCmd.Flags().StringVar(&watchInspectAddr, "inspect", "", "Serve the ledger inspect API on this address (e.g. 127.0.0.1:8089)")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}
