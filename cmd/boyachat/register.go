package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/boyamarket/chatsync"
	"github.com/spf13/cobra"
)

var (
	registerPassword string
	registerEmail    string
	registerPhone    string
)

func init() {
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Account password (or BOYACHAT_PASSWORD)")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Contact email")
	registerCmd.Flags().StringVar(&registerPhone, "phone", "", "Contact phone")
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create a marketplace account",
	Long:  "Create a new account on the marketplace backend. Run 'boyachat login' afterwards to store a token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := registerPassword
		if password == "" {
			password = os.Getenv("BOYACHAT_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("password is required (--password or BOYACHAT_PASSWORD)")
		}

		cfg, err := runtimeConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := chatsync.NewClient("", clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := client.Register(ctx, chatsync.RegisterOptions{
			Username: args[0],
			Password: password,
			Email:    registerEmail,
			Phone:    registerPhone,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Registration successful!")
		fmt.Fprintf(out, "  User ID:  %s\n", user.ID)
		fmt.Fprintf(out, "  Username: %s\n", user.Username)
		if user.CreatedAt != "" {
			fmt.Fprintf(out, "  Created:  %s\n", user.CreatedAt)
		}
		return nil
	},
}
