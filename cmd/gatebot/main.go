package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/gatebot/internal/config"
	"github.com/stellarlinkco/gatebot/internal/events"
	"github.com/stellarlinkco/gatebot/internal/gateway"
	"github.com/stellarlinkco/gatebot/internal/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatebot",
		Short:         "gatebot - Telegram content gate behind channel membership",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot (update loop + pollers + housekeeping)",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "onboard",
			Short: "Initialize the config file",
			Args:  cobra.NoArgs,
			RunE:  runOnboard,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show config and storage counts",
			Args:  cobra.NoArgs,
			RunE:  runStatus,
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Print lifecycle events from NATS",
			Args:  cobra.NoArgs,
			RunE:  runWatch,
		},
		newChannelCmd(),
		newContentCmd(),
		newSettingCmd(),
		newTemplateCmd(),
		newButtonCmd(),
		newUsersCmd(),
	)
	return root
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[gatebot] load .env: %v", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(cmd.Context())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your bot token, or set GATEBOT_TELEGRAM_TOKEN\n", cfgPath)
	fmt.Fprintln(out, "  2. Add gate channels with 'gatebot channel add --handle <name> -- <id>'")
	fmt.Fprintln(out, "  3. Run 'gatebot serve'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Token: %s\n", maskSecret(cfg.Telegram.Token))
	fmt.Fprintf(out, "Storage: %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "Gate: poll every %s, %d attempts, retention %s\n",
		cfg.Gate.Interval(), cfg.Gate.AttemptLimit, cfg.Gate.Retention())
	fmt.Fprintf(out, "Source channels: %v\n", cfg.Telegram.SourceChannels)
	if cfg.Events.NATSURL != "" {
		fmt.Fprintf(out, "Events: %s\n", cfg.Events.NATSURL)
	} else {
		fmt.Fprintln(out, "Events: disabled")
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	stats, err := st.Stats(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Content items: %d (%d views)\n", stats.ContentItems, stats.TotalViews)
	fmt.Fprintf(out, "Gate channels: %d\n", stats.GateChannels)
	fmt.Fprintf(out, "Users: %d\n", stats.Users)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Events.NATSURL == "" {
		return fmt.Errorf("events are disabled (set GATEBOT_NATS_URL)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watchEvents(ctx, cfg.Events.NATSURL, cmd.OutOrStdout())
}

// watchEvents prints every gatebot event until ctx is done.
func watchEvents(ctx context.Context, url string, out io.Writer) error {
	sub, err := events.NewNATSSubscriber(url)
	if err != nil {
		return err
	}
	defer sub.Close()

	msgs, cancel, err := sub.Subscribe(events.TopicAll)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", msg.Topic, compactJSON(msg.Data))
		case <-ctx.Done():
			return nil
		}
	}
}

func compactJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(data)
	}
	return string(b)
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "not set"
	case len(s) > 8:
		return s[:4] + "..." + s[len(s)-4:]
	default:
		return "set"
	}
}
