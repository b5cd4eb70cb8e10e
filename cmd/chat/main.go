package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"difyrelay/internal/client"
	"difyrelay/internal/config"
	"difyrelay/internal/database"
	"difyrelay/internal/handlers"
	"difyrelay/internal/models"
	"difyrelay/internal/repository"
	"difyrelay/internal/websocket"
)

type options struct {
	relayURL  string
	direct    bool
	targetURL string
	key       string
	sessionID string
	user      string
	redisURL  string
}

func main() {
	log.SetHandler(text.New(os.Stderr))
	log.SetLevel(log.WarnLevel)

	cfg := config.Load()
	opts := &options{}

	root := &cobra.Command{
		Use:          "chat",
		Short:        "Talk to a chat app through the relay or directly",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.sessionID, "session", "", "session id used for history (default: a new one)")
	root.PersistentFlags().StringVar(&opts.redisURL, "redis", cfg.RedisURL, "Redis URL for history and live updates")

	root.AddCommand(askCmd(cfg, opts))
	root.AddCommand(historyCmd(opts))
	root.AddCommand(clearCmd(opts))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func askCmd(cfg *config.Config, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Send one query and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sender, err := newSender(cfg, opts)
			if err != nil {
				return err
			}

			if opts.sessionID == "" {
				opts.sessionID = uuid.NewString()
			}
			accOpts := []client.Option{
				client.WithUser(opts.user),
				client.WithSessionID(opts.sessionID),
				client.WithObserver(newDeltaPrinter(cmd.OutOrStdout())),
			}

			if opts.redisURL != "" {
				redisClients, err := database.NewRedisClients(opts.redisURL)
				if err != nil {
					return err
				}
				defer redisClients.Close()

				history := repository.NewHistoryRepo(redisClients.Store)
				previous, err := history.Load(ctx, opts.sessionID)
				if err != nil {
					return err
				}
				publisher := websocket.NewPublisher(redisClients.PubSub)
				defer publisher.Close()

				accOpts = append(accOpts,
					client.WithMessages(previous),
					client.WithObserver(client.PersistHistory(history)),
					client.WithObserver(publisher),
				)
			}

			acc := client.NewAccumulator(sender, accOpts...)
			x, err := acc.Ask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())

			if opts.redisURL != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", opts.sessionID)
			}
			if x.State == client.StateErrored {
				return fmt.Errorf("exchange failed: %s", x.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.relayURL, "relay", "http://localhost:3000", "relay base URL")
	cmd.Flags().BoolVar(&opts.direct, "direct", false, "call the upstream directly instead of the relay")
	cmd.Flags().StringVar(&opts.targetURL, "url", "", "upstream API URL (overrides DIFY_API_URL)")
	cmd.Flags().StringVar(&opts.key, "key", "", "upstream API key (overrides DIFY_API_KEY)")
	cmd.Flags().StringVar(&opts.user, "user", "user-123", "end-user identifier sent upstream")
	return cmd
}

func newSender(cfg *config.Config, opts *options) (client.Sender, error) {
	if opts.direct {
		httpClient := handlers.NewUpstreamClient(cfg.UpstreamDialTimeout, cfg.UpstreamHeaderTimeout)
		sender, err := client.NewDirectSender(
			config.Override{URL: opts.targetURL, Credential: opts.key},
			cfg.Upstream,
			httpClient,
		)
		if err != nil {
			return nil, err
		}
		return sender, nil
	}
	return &client.RelaySender{
		BaseURL:     strings.TrimRight(opts.relayURL, "/"),
		OverrideURL: opts.targetURL,
		OverrideKey: opts.key,
	}, nil
}

func historyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the saved messages of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			history, closeFn, err := openHistory(opts)
			if err != nil {
				return err
			}
			defer closeFn()

			messages, err := history.Load(cmd.Context(), opts.sessionID)
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no messages")
				return nil
			}
			for _, m := range messages {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Content)
			}
			return nil
		},
	}
}

func clearCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the saved messages of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			history, closeFn, err := openHistory(opts)
			if err != nil {
				return err
			}
			defer closeFn()

			messages, err := history.Load(cmd.Context(), opts.sessionID)
			if err != nil {
				return err
			}

			acc := client.NewAccumulator(nil,
				client.WithSessionID(opts.sessionID),
				client.WithMessages(messages),
				client.WithObserver(client.PersistHistory(history)),
			)
			if err := acc.ClearAll(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "cleared %d messages\n", len(messages))
			return nil
		},
	}
}

func openHistory(opts *options) (*repository.HistoryRepo, func(), error) {
	if opts.sessionID == "" {
		return nil, nil, fmt.Errorf("--session is required")
	}
	if opts.redisURL == "" {
		return nil, nil, fmt.Errorf("--redis or REDIS_URL is required")
	}
	redisClients, err := database.NewRedisClients(opts.redisURL)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewHistoryRepo(redisClients.Store), redisClients.Close, nil
}

// deltaPrinter writes only the newly arrived part of the assistant message,
// so the answer appears on the terminal as it streams.
type deltaPrinter struct {
	w           io.Writer
	assistantID string
	printed     int
}

func newDeltaPrinter(w io.Writer) *deltaPrinter {
	return &deltaPrinter{w: w}
}

func (p *deltaPrinter) OnUpdate(u models.SessionUpdate) {
	if len(u.Messages) == 0 {
		return
	}
	last := u.Messages[len(u.Messages)-1]
	if last.Role != models.RoleAssistant {
		return
	}
	if last.ID != p.assistantID {
		p.assistantID = last.ID
		p.printed = 0
	}
	if len(last.Content) > p.printed {
		io.WriteString(p.w, last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}
