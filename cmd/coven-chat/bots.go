// ABOUTME: bots and token commands for local administration
// ABOUTME: Work directly on the configured database and JWT secret

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/store"
)

func botsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Manage bots in the local database",
	}

	var bot store.Bot
	var as string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bot.Name = args[0]
			ctx := cmd.Context()
			if as != "" {
				ctx = auth.WithAuth(ctx, &auth.AuthContext{Subject: as})
			}
			return runCreateBot(ctx, cfg, &bot, cmd.OutOrStdout())
		},
	}
	create.Flags().StringVar(&bot.Description, "description", "", "bot description")
	create.Flags().StringVar(&bot.SystemPrompt, "system-prompt", "", "system prompt (default prompt if empty)")
	create.Flags().StringVar(&bot.SafetyPrompt, "safety-prompt", "", "safety prompt appended to the system prompt")
	create.Flags().StringVar(&bot.ImageURL, "image-url", "", "avatar URL")
	create.Flags().StringVar(&bot.SystemColor, "color", "", "display color")
	create.Flags().StringVar(&as, "as", "", "user recorded in audit fields (default auth.default_user)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List bots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runListBots(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func openLocalStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return gateway.OpenStore(cfg, setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}, os.Stderr))
}

func runCreateBot(ctx context.Context, cfg *config.Config, bot *store.Bot, out io.Writer) error {
	s, err := openLocalStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.CreateBot(ctx, bot); err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}

	color.New(color.FgGreen).Fprint(out, "✓ ")
	fmt.Fprintf(out, "Created bot %d: %s\n", bot.ID, bot.Name)
	return nil
}

func runListBots(ctx context.Context, cfg *config.Config, out io.Writer) error {
	s, err := openLocalStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	bots, err := s.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("listing bots: %w", err)
	}
	if len(bots) == 0 {
		fmt.Fprintln(out, "No bots.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION\tCREATED BY\tVERSION")
	for _, b := range bots {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", b.ID, b.Name, b.Description, b.CreatedBy, b.Version)
	}
	return w.Flush()
}

func tokenCmd() *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := mintToken(cfg, user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "token subject, recorded in audit fields")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func mintToken(cfg *config.Config, user string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	if user == "" {
		return "", errors.New("--user is required")
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(user, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
