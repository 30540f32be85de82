package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initSocketURL string

func init() {
	initCmd.Flags().StringVar(&initSocketURL, "socket-url", "", "Socket.IO origin if it differs from the API base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.boyachat/config.toml",
	Long:  "Initialize boyachat by storing the marketplace backend URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = strings.TrimRight(args[0], "/")
		if initSocketURL != "" {
			cfg.Default.SocketURL = strings.TrimRight(initSocketURL, "/")
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "local"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Backend URL saved to %s\n", path)
		return nil
	},
}
