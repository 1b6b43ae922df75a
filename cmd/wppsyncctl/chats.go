package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/wppsync/internal/api"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	chatsCmd.AddCommand(chatsListCmd, chatsRefreshCmd, chatsOpenCmd, chatsCloseCmd)
	rootCmd.AddCommand(chatsCmd, messagesCmd, sendCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List and open chats",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			chats, err := c.ListChats(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(chats)
			}
			if len(chats) == 0 {
				fmt.Println("No chats.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, ch := range chats {
				unread := ""
				if ch.UnreadCount > 0 {
					unread = fmt.Sprintf("(%d)", ch.UnreadCount)
				}
				mark := ""
				if ch.Origin == store.OriginDiscovered {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%s\n", ch.DisplayName, mark, unread, when(ch.LastMessageAt), preview(ch.LastMessageText, 40), ch.ID)
			}
			return tw.Flush()
		})
	},
}

var chatsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the chat list from the gateway now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.RefreshChats(ctx)
		})
	},
}

var chatsOpenCmd = &cobra.Command{
	Use:   "open <chat-id>",
	Short: "Open a chat: clear its unread count and follow it live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			msgs, err := c.OpenChat(ctx, args[0])
			if err != nil {
				return err
			}
			return printMessages(msgs)
		})
	},
}

var chatsCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the open chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.CloseChat(ctx)
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show the loaded message window of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			list, err := c.ListMessages(ctx, args[0])
			if err != nil {
				return err
			}
			if !list.Materialized && !jsonFlag {
				fmt.Println("Chat is not open; run `wppsyncctl chats open` first.")
				return nil
			}
			return printMessages(list.Messages)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>...",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			msg, err := c.SendText(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(msg)
			}
			fmt.Printf("Sent %s\n", msg.ID)
			return nil
		})
	},
}

func printMessages(msgs []store.Message) error {
	if jsonFlag {
		return outputJSON(msgs)
	}
	for _, m := range msgs {
		who := m.PushName
		if m.Direction == store.DirectionOutbound {
			who = "me"
		}
		if who == "" {
			who = "them"
		}
		state := ""
		if m.Pending {
			state = " (sending)"
		}
		body := m.Body
		if m.Kind == store.KindMedia && body == "" {
			body = "[media]"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.SentAt.Local().Format("2006-01-02 15:04"), who, body, state)
	}
	return nil
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.Local()
	if y, m, d := t.Date(); y == time.Now().Year() && m == time.Now().Month() && d == time.Now().Day() {
		return t.Format("15:04")
	}
	return t.Format("2006-01-02")
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
