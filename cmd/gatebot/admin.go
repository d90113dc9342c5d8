package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/gatebot/internal/config"
	"github.com/stellarlinkco/gatebot/internal/store"
)

// withStore opens the configured store for the duration of fn.
func withStore(fn func(st store.Store) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return id, nil
}

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage gate channels",
	}

	var handle, invite string
	var inactive bool
	add := &cobra.Command{
		Use:     "add <channel-id>",
		Short:   "Add or update a gate channel",
		Example: "  gatebot channel add --handle mychannel -- -1001234567890",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			if handle == "" && invite == "" {
				return fmt.Errorf("one of --handle or --invite is required")
			}
			ch := &store.GateChannel{
				ChannelID:  id,
				Handle:     strings.TrimPrefix(handle, "@"),
				InviteLink: invite,
				Active:     !inactive,
			}
			return withStore(func(st store.Store) error {
				if err := st.AddGateChannel(cmd.Context(), ch); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Gate channel %d saved (%s)\n", id, ch.JoinURL())
				return nil
			})
		},
	}
	add.Flags().StringVar(&handle, "handle", "", "public @handle")
	add.Flags().StringVar(&invite, "invite", "", "private invite link")
	add.Flags().BoolVar(&inactive, "inactive", false, "save without gating on it")

	remove := &cobra.Command{
		Use:     "remove <channel-id>",
		Short:   "Remove a gate channel",
		Example: "  gatebot channel remove -- -1001234567890",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return withStore(func(st store.Store) error {
				if err := st.RemoveGateChannel(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Gate channel %d removed\n", id)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List gate channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st store.Store) error {
				chs, err := st.ListGateChannels(cmd.Context())
				if err != nil {
					return err
				}
				if len(chs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No gate channels")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tACTIVE\tLINK")
				for _, ch := range chs {
					fmt.Fprintf(w, "%d\t%s\t%v\t%s\n", ch.ChannelID, ch.Label(), ch.Active, ch.JoinURL())
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func newContentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Manage content items",
	}

	var kind, name string
	add := &cobra.Command{
		Use:     "add <source-channel-id> <message-id>",
		Short:   "Register a channel post as content",
		Example: "  gatebot content add --kind video -- -1001234567890 42",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			msgID, err := strconv.Atoi(args[1])
			if err != nil || msgID <= 0 {
				return fmt.Errorf("invalid message id %q", args[1])
			}
			switch store.MediaKind(kind) {
			case store.MediaVideo, store.MediaPhoto, store.MediaAnimation, store.MediaDocument:
			default:
				return fmt.Errorf("unknown kind %q", kind)
			}
			item := &store.ContentItem{
				SourceChannelID: channelID,
				SourceMessageID: msgID,
				ChannelName:     name,
				Kind:            store.MediaKind(kind),
			}
			return withStore(func(st store.Store) error {
				if err := st.SaveContentItem(cmd.Context(), item); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Content %d saved, deep link payload: %d\n", msgID, msgID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&kind, "kind", string(store.MediaVideo), "video, photo, animation or document")
	add.Flags().StringVar(&name, "name", "Main", "source channel name")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent content items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st store.Store) error {
				items, err := st.ListContentItems(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No content items")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCHANNEL\tKIND\tVIEWS\tSAVED")
				for _, it := range items {
					fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n", it.SourceMessageID, it.SourceChannelID, it.Kind, it.Views, it.SavedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max items")

	cmd.AddCommand(add, list)
	return cmd
}

func newSettingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setting",
		Short: "Read or write bot settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(st store.Store) error {
					v, err := st.GetSetting(cmd.Context(), args[0])
					if err != nil {
						return fmt.Errorf("get setting %s: %w", args[0], err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), v)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Write a setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(func(st store.Store) error {
					return st.SetSetting(cmd.Context(), args[0], args[1])
				})
			},
		},
	)
	return cmd
}

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Override message templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <body>",
		Short: "Replace a template body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st store.Store) error {
				return st.SetTemplate(cmd.Context(), args[0], args[1])
			})
		},
	})
	return cmd
}

func newButtonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "button",
		Short: "Manage welcome and after-video buttons",
	}

	var webApp bool
	add := &cobra.Command{
		Use:   "add <location> <text> <url>",
		Short: "Append a button to a location",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != store.LocationWelcome && args[0] != store.LocationAfterVideo {
				return fmt.Errorf("unknown location %q", args[0])
			}
			btn := &store.Button{Location: args[0], Text: args[1], URL: args[2], Kind: store.ButtonURL}
			if webApp {
				btn.Kind = store.ButtonWebApp
			}
			return withStore(func(st store.Store) error {
				if err := st.AddButton(cmd.Context(), btn); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Button %d added\n", btn.ID)
				return nil
			})
		},
	}
	add.Flags().BoolVar(&webApp, "webapp", false, "open as mini app")

	list := &cobra.Command{
		Use:   "list <location>",
		Short: "List buttons at a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st store.Store) error {
				btns, err := st.ListButtons(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, b := range btns {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", b.ID, b.Kind, b.Text, b.URL)
				}
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a button",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid button id %q", args[0])
			}
			return withStore(func(st store.Store) error {
				return st.RemoveButton(cmd.Context(), id)
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "Print known user ids, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(st store.Store) error {
				ids, err := st.ListUserIDs(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}
