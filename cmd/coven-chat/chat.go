// ABOUTME: chat command runs one turn against the local store and provider
// ABOUTME: Streams the reply to stdout as it arrives

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/media"
	"github.com/2389/coven-chat/internal/store"
)

type chatOptions struct {
	botID       int64
	sessionID   int64
	title       string
	files       []string
	temperature float64
}

func chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat TEXT...",
		Short: "Send one message and stream the reply",
		Long: "Send one message to a bot. Without --session a new session is started on --bot;\n" +
			"with --session the message continues that conversation.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.botID == 0 && opts.sessionID == 0 {
				return errors.New("one of --bot or --session is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, opts, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&opts.botID, "bot", 0, "bot to start a new session on")
	cmd.Flags().Int64Var(&opts.sessionID, "session", 0, "session to continue")
	cmd.Flags().StringVar(&opts.title, "title", "", "title for a new session")
	cmd.Flags().StringArrayVarP(&opts.files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().Float64VarP(&opts.temperature, "temperature", "t", gateway.DefaultTemperature, "sampling temperature")
	return cmd
}

// openFiles opens every path; the returned func closes whatever was opened.
func openFiles(paths []string) ([]media.File, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	files := make([]media.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening %s: %w", p, err)
		}
		opened = append(opened, f)
		files = append(files, media.File{Name: filepath.Base(p), Reader: f})
	}
	return files, closeAll, nil
}

func runChat(ctx context.Context, cfg *config.Config, opts chatOptions, text string, out io.Writer) error {
	// stdout carries the reply, so logs go to stderr and stay quiet unless asked
	logCfg := cfg.Logging
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger := setupLogger(logCfg, os.Stderr)

	s, err := gateway.OpenStore(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	uploader, err := gateway.OpenUploader(cfg, logger)
	if err != nil {
		return err
	}
	provider, err := gateway.NewProvider(cfg.Provider)
	if err != nil {
		return err
	}

	var convOpts []conversation.Option
	if cfg.Conversation.SystemPrompt != "" {
		convOpts = append(convOpts, conversation.WithDefaultSystemPrompt(cfg.Conversation.SystemPrompt))
	}
	convOpts = append(convOpts, conversation.WithUploadConcurrency(cfg.Conversation.UploadConcurrency))
	orch := conversation.New(s, uploader, provider, logger, convOpts...)

	files, closeFiles, err := openFiles(opts.files)
	if err != nil {
		return err
	}
	defer closeFiles()

	reply := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	observers := conversation.Observers{
		OnFragment: func(t string) { reply.Fprint(out, t) },
		OnComplete: func(c conversation.Completion) {
			fmt.Fprintln(out)
			gray.Fprintf(out, "[%s %s, %d in / %d out tokens]\n", provider.Name(), c.Model, c.InputTokens, c.OutputTokens)
		},
	}

	var msg *store.Message
	if opts.sessionID != 0 {
		msg, err = orch.Continue(ctx, opts.sessionID, conversation.TurnRequest{
			UserText:    text,
			Files:       files,
			Temperature: opts.temperature,
			Observers:   observers,
		})
	} else {
		msg, err = orch.StartSession(ctx, conversation.StartRequest{
			BotID:       opts.botID,
			UserText:    text,
			Title:       opts.title,
			Files:       files,
			Temperature: opts.temperature,
			Observers:   observers,
		})
	}
	if err != nil {
		return err
	}

	gray.Fprintf(out, "session %d, message %d\n", msg.SessionID, msg.ID)
	return nil
}
