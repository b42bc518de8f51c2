package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/controller"
	"github.com/chatkit/chatcache/internal/model"
	"github.com/chatkit/chatcache/internal/observer"
	"github.com/chatkit/chatcache/internal/queue"
	"github.com/chatkit/chatcache/internal/store"
	"github.com/chatkit/chatcache/internal/ui"
	"github.com/chatkit/chatcache/internal/worker"
)

// newClient builds a controller client whose callbacks run on their own
// serial queue.
func (a *app) newClient() (*controller.Client, error) {
	client, err := a.apiClient()
	if err != nil {
		return nil, err
	}
	return controller.NewClient(controller.Options{
		DB:            a.db,
		API:           client,
		CallbackQueue: queue.NewSerial("cli.callbacks"),
		Typing: worker.TypingOptions{
			StartThrottle: a.cfg.Typing.StartThrottle,
			StopDelay:     a.cfg.Typing.StopDelay,
		},
		Logger: a.logger,
	}), nil
}

// synchronize runs sync and waits for its completion. Offline failures only
// produce a warning since the local data is still shown.
func synchronize(ctx context.Context, sync func(context.Context, func(error))) error {
	done := make(chan error, 1)
	sync(ctx, func(err error) { done <- err })
	select {
	case err := <-done:
		if errors.Is(err, api.ErrOffline) {
			fmt.Printf("%s offline, showing cached data\n", ui.RenderWarn("⚠"))
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var channelsCmd = &cobra.Command{
	Use:     "channels",
	GroupID: "chat",
	Short:   "List cached channels, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		hidden, _ := cmd.Flags().GetBool("hidden")
		sortBy, _ := cmd.Flags().GetString("sort")
		sorting, err := channelSorting(sortBy)
		if err != nil {
			return err
		}

		a, err := openApp("chat")
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		c := client.ChannelListController(store.ChannelListFilter{
			MemberID:      a.cfg.UserID,
			Type:          typ,
			IncludeHidden: hidden,
		}, sorting...)
		defer c.Close()
		if err := synchronize(cmd.Context(), c.Synchronize); err != nil {
			return err
		}

		channels := c.Channels()
		if len(channels) == 0 {
			fmt.Println(ui.RenderMuted("No channels"))
			return nil
		}
		for _, ch := range channels {
			name := ch.Name
			if name == "" {
				name = ui.RenderMuted("(unnamed)")
			}
			line := fmt.Sprintf("%-32s %s", ch.CID, name)
			if ch.UnreadCount > 0 {
				line += " " + ui.RenderAccent(fmt.Sprintf("[%d unread]", ch.UnreadCount))
			}
			if ch.IsHidden {
				line += " " + ui.RenderMuted("(hidden)")
			}
			fmt.Println(line)
		}
		return nil
	},
}

// channelSorting maps a --sort value to the comparators applied on top of
// the activity order of the channel list.
func channelSorting(by string) ([]func(a, b model.Channel) int, error) {
	switch by {
	case "", "activity":
		return nil, nil
	case "name":
		return []func(a, b model.Channel) int{observer.ByChannelName}, nil
	case "unread":
		return []func(a, b model.Channel) int{observer.UnreadFirst}, nil
	default:
		return nil, fmt.Errorf("unknown sort %q (want activity, name or unread)", by)
	}
}

var messagesCmd = &cobra.Command{
	Use:     "messages <type:id>",
	GroupID: "chat",
	Short:   "Show a channel's cached messages",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cid, err := model.ParseChannelID(args[0])
		if err != nil {
			return err
		}

		a, err := openApp("chat")
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		c := client.ChannelController(cid)
		defer c.Close()
		if err := synchronize(cmd.Context(), c.Synchronize); err != nil {
			return err
		}

		msgs := c.Messages()
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[:limit]
		}
		// Oldest first reads like a conversation.
		for i := len(msgs) - 1; i >= 0; i-- {
			fmt.Println(formatMessage(msgs[i]))
		}
		return nil
	},
}

func formatMessage(m model.Message) string {
	author := m.Author.Name
	if author == "" {
		author = m.Author.ID
	}
	var b strings.Builder
	b.WriteString(ui.RenderMuted(m.CreatedAt.Local().Format("15:04")))
	b.WriteString(" ")
	b.WriteString(ui.RenderAccent(author))
	b.WriteString(": ")
	if m.IsDeleted() {
		b.WriteString(ui.RenderMuted("(deleted)"))
	} else {
		b.WriteString(m.Text)
	}
	switch m.LocalState {
	case model.LocalMessageStateNone:
	case model.LocalMessageStateSendingFailed, model.LocalMessageStateSyncingFailed:
		b.WriteString(" " + ui.RenderFail("["+m.LocalState.String()+"]"))
	default:
		b.WriteString(" " + ui.RenderMuted("["+m.LocalState.String()+"]"))
	}
	return b.String()
}

var sendCmd = &cobra.Command{
	Use:     "send <type:id> <text>",
	GroupID: "chat",
	Short:   "Queue a message for sending",
	Long: `Store a message in the cache for sending.

The message is stored as pendingSend and delivered by the message sender
of a running "chatcache cache daemon".`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid, err := model.ParseChannelID(args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")

		a, err := openApp("chat")
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		c := client.ChannelController(cid)
		defer c.Close()

		type result struct {
			id  model.MessageID
			err error
		}
		done := make(chan result, 1)
		c.CreateNewMessage(cmd.Context(), store.NewMessage{Text: text}, func(id model.MessageID, err error) {
			done <- result{id, err}
		})
		res := <-done
		if res.err != nil {
			return fmt.Errorf("failed to queue message: %w", res.err)
		}
		fmt.Printf("%s Queued %s\n", ui.RenderPass("✓"), res.id)
		return nil
	},
}

func init() {
	channelsCmd.Flags().String("type", "", "Only show channels of this type")
	channelsCmd.Flags().Bool("hidden", false, "Include hidden channels")
	channelsCmd.Flags().String("sort", "activity", "Order channels by activity, name or unread")
	messagesCmd.Flags().Int("limit", 50, "Show at most this many messages")

	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
