package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueJSON bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, true)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		pending := sess.Queue.Pending()
		if queueJSON {
			return printJSON(pending)
		}
		fmt.Printf("Queued actions (%d):\n", len(pending))
		for _, a := range pending {
			fmt.Printf("  %-36s  %-18s  retries=%d  %s\n", a.ID, a.Type, a.Retries, a.EnqueuedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued actions against the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sess, cleanup, err := openSession(ctx, false)
		if err != nil {
			return userError(err)
		}
		defer cleanup()

		res, err := sess.Flush(ctx)
		if err != nil {
			return userError(err)
		}
		if queueJSON {
			return printJSON(res)
		}
		fmt.Printf("Processed: %d\n", res.Processed)
		fmt.Printf("Failed:    %d\n", res.Failed)
		fmt.Printf("Remaining: %d\n", sess.Queue.Size())
		return nil
	},
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSON, "json", false, "Output JSON")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
