package main

import (
	"fmt"

	"github.com/boyamarket/chatsync"
)

func clientOptions(cfg *Config) []chatsync.ClientOption {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient creates a REST client authenticated with the stored token.
func getClient() (*chatsync.Client, *Config, error) {
	cfg, err := runtimeConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token; run 'boyachat login <username>' first")
	}
	return chatsync.NewClient(cfg.Auth.Token, clientOptions(cfg)...), cfg, nil
}

// socketURL falls back to the API base URL when no socket origin is set.
func socketURL(cfg *Config) string {
	if cfg.Default.SocketURL != "" {
		return cfg.Default.SocketURL
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return chatsync.DefaultBaseURL
}

// getChat builds the coordinator for the stored login. Without realtime it
// only talks REST.
func getChat(realtime bool) (*chatsync.Chat, *Config, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.UserID == "" {
		return nil, nil, fmt.Errorf("no user id stored; run 'boyachat login <username>' again")
	}
	ledger := chatsync.NewLedger(chatsync.StaticIdentity(cfg.Auth.UserID), chatsync.WithLogger(logger))
	if !realtime {
		return chatsync.NewChat(client, ledger, nil, chatsync.WithChatLogger(logger)), cfg, nil
	}
	dialer := chatsync.SocketDialer{Config: chatsync.RealtimeConfig{
		URL:           socketURL(cfg),
		AutoReconnect: true,
		Logger:        logger,
	}}
	rt := chatsync.NewRealtime(dialer, ledger, chatsync.WithRealtimeLogger(logger))
	return chatsync.NewChat(client, ledger, rt, chatsync.WithChatLogger(logger)), cfg, nil
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
