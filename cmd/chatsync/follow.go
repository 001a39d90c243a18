package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/state"
)

var followNoState bool

func init() {
	followCmd.Flags().BoolVar(&followNoState, "no-state", false, "Do not persist the active conversation or read cursors")
	rootCmd.AddCommand(followCmd)
}

var followCmd = &cobra.Command{
	Use:   "follow <conversation-id>",
	Short: "Follow a conversation in real-time",
	Long: strings.TrimSpace(`
Follow a conversation and print messages as they arrive. Lines typed on
stdin are sent to the conversation; sends render immediately and are
confirmed (or flagged failed) once the backend echoes them.
`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		conversationID := args[0]

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var session *state.State
		if !followNoState {
			session, err = state.LoadAt(cfg.StatePath)
			if err != nil {
				return fmt.Errorf("loading session state: %w", err)
			}
		}

		transport := chat.NewTransport(chat.TransportConfig{
			URL:               cfg.TransportURL,
			SenderID:          cfg.SenderID,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			ReconnectDelay:    cfg.ReconnectDelay,
		}, logger)

		engineCfg := chat.EngineConfig{
			SenderID:  cfg.SenderID,
			Rest:      chat.NewClient(nil, cfg.RestBaseURL),
			Transport: transport,
		}
		if session != nil {
			engineCfg.Session = session
		}

		engine := chat.NewEngine(engineCfg, logger)
		defer engine.Close()

		engine.Store().Watch(printEvent(cmd, conversationID))

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return engine.Run(gctx)
		})

		g.Go(func() error {
			return engine.OpenConversation(gctx, conversationID)
		})

		g.Go(func() error {
			return readSends(gctx, engine, logger)
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// printEvent renders store changes for the followed conversation.
func printEvent(cmd *cobra.Command, conversationID string) chat.Listener {
	out := cmd.OutOrStdout()
	return func(ev chat.Event) {
		switch ev.Kind {
		case chat.EventConnectionState:
			fmt.Fprintf(out, "-- %s\n", ev.State)

		case chat.EventMessagesReset:
			if ev.ConversationID == conversationID {
				fmt.Fprintln(out, "-- history loaded")
			}

		case chat.EventMessageAppended, chat.EventMessageReplaced:
			if ev.ConversationID != conversationID {
				return
			}
			m := ev.Message
			marker := ""
			switch m.Status {
			case chat.StatusOptimistic:
				marker = " (sending)"
			case chat.StatusFailed:
				marker = " (failed)"
			}
			fmt.Fprintf(out, "[%s] %s: %s%s\n", m.SentAt.Format("15:04:05"), m.Sender, m.Text, marker)
		}
	}
}

// readSends forwards stdin lines to the engine until EOF or cancel.
func readSends(ctx context.Context, engine *chat.Engine, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if _, err := engine.Send(ctx, text); err != nil {
			logger.Warn("send failed", slog.String("error", err.Error()))
		}
	}

	// EOF on stdin keeps the follow session alive; only a read error
	// or cancellation ends it.
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}
