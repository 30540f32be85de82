package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/boyamarket/chatsync"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (or BOYACHAT_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the token locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password := loginPassword
		if password == "" {
			password = os.Getenv("BOYACHAT_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("password is required (--password or BOYACHAT_PASSWORD)")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		runtime := *cfg
		applyEnv(&runtime)
		client := chatsync.NewClient("", clientOptions(&runtime)...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		login, err := client.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.Token = login.AccessToken
		cfg.Auth.UserID = login.User.ID.String()
		cfg.Auth.Username = login.User.Username
		cfg.Auth.TokenExpires = ""
		if login.ExpiresIn > 0 {
			cfg.Auth.TokenExpires = time.Now().Add(time.Duration(login.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Login successful!")
		fmt.Fprintf(out, "  User ID:  %s\n", cfg.Auth.UserID)
		fmt.Fprintf(out, "  Username: %s\n", cfg.Auth.Username)
		if cfg.Auth.TokenExpires != "" {
			fmt.Fprintf(out, "  Token expires: %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the server session and forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token != "" {
			runtime := *cfg
			applyEnv(&runtime)
			client := chatsync.NewClient(cfg.Auth.Token, clientOptions(&runtime)...)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Logout(ctx); err != nil {
				logger.Warn("server logout failed", "error", err)
			}
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}
