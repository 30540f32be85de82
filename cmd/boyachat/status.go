package main

import (
	"context"
	"fmt"
	"time"

	"github.com/boyamarket/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runtimeConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Fprintf(out, "  Socket URL:  %s\n", socketURL(cfg))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Username != "" {
			fmt.Fprintf(out, "  Username: %s\n", cfg.Auth.Username)
			fmt.Fprintf(out, "  User ID:  %s\n", cfg.Auth.UserID)
		} else {
			fmt.Fprintln(out, "  Username: (not logged in)")
		}
		fmt.Fprintf(out, "  Token:    %s\n", tokenStatus(cfg.Auth, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		client := chatsync.NewClient(cfg.Auth.Token, clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Username: %s\n", me.Username)
		if me.Email != "" {
			fmt.Fprintf(out, "  Email:    %s\n", me.Email)
		}

		conversations, err := client.Conversations(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range conversations {
			unread += c.UnreadCount
		}
		fmt.Fprintf(out, "  Conversations: %d\n", len(conversations))
		fmt.Fprintf(out, "  Unread:        %d\n", unread)
		return nil
	},
}

func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	masked := maskKey(auth.Token)
	if auth.TokenExpires == "" {
		return masked + " (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("%s (unparseable expiry: %s)", masked, auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("%s (valid, expires %s)", masked, expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s (EXPIRED %s)", masked, expires.Format(time.RFC3339))
}
