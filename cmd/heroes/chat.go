package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	heroes "github.com/heroes-app/heroes/sdk/golang"
)

var chatJSON bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversation commands",
}

func printMessages(msgs []heroes.ChatMessage) {
	for _, m := range msgs {
		state := ""
		switch {
		case m.Failed:
			state = " (failed)"
		case !m.Delivered:
			state = " (sending)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Body, state)
	}
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		if err := sess.Chat.LoadHistory(ctx, args[0]); err != nil {
			return userError(err)
		}
		msgs := sess.Chat.Messages(args[0])
		if chatJSON {
			return printJSON(msgs)
		}
		printMessages(msgs)
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		msg, err := sess.Chat.Send(ctx, args[0], args[1])
		if err != nil {
			return userError(err)
		}
		if chatJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message %s sent\n", msg.ID)
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		if err := sess.Chat.LoadHistory(ctx, conversationID); err != nil {
			return userError(err)
		}
		printMessages(sess.Chat.Messages(conversationID))

		seen := len(sess.Chat.Messages(conversationID))
		sess.On(heroes.EventChatChanged, func(_ string, payload any) {
			if payload != conversationID {
				return
			}
			msgs := sess.Chat.Messages(conversationID)
			if len(msgs) > seen {
				printMessages(msgs[seen:])
				seen = len(msgs)
			}
		})
		if err := sess.Chat.Subscribe(ctx, conversationID); err != nil {
			return userError(err)
		}
		fmt.Printf("Online: %v\n", sess.Chat.OnlineUsers(conversationID))

		<-ctx.Done()
		return nil
	},
}

func init() {
	chatCmd.PersistentFlags().BoolVar(&chatJSON, "json", false, "Output JSON")
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}
