// ABOUTME: Entry point for coven-chat, the conversation server and local chat CLI
// ABOUTME: Cobra commands for serve, chat, bots, token and health

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _           _
  ___ _____   _____ _ __           ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____   / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| | (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|        \___|_| |_|\__,_|\__|
`

// configPath is set by --config and overrides getConfigPath.
var configPath string

// getConfigPath returns the path to the config file.
// Priority: --config flag > COVEN_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("COVEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coven-chat",
		Short:         "Conversation server for bots backed by LLM providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $COVEN_CONFIG or ~/.config/coven/chat.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(botsCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(healthCmd())
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		cancel()
		os.Exit(1)
	}
}
