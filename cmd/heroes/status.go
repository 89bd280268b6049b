package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	heroes "github.com/heroes-app/heroes/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, queue and backend status",
	Long:  "Display the effective configuration, the number of queued offline actions, and whether the backend is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, heroes.DefaultBaseURL))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Role:     %s\n", valueOrDefault(cfg.Default.Role, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  Storage:  %s\n", valueOrDefault(cfg.Storage.Driver, "sqlite"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Offline queue:")
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			fmt.Printf("  Error opening store: %v\n", err)
		} else {
			defer closeStore()
			queue, err := heroes.NewOfflineQueue(ctx, store, nil)
			if err != nil {
				fmt.Printf("  Error reading queue: %v\n", err)
			} else {
				fmt.Printf("  Pending:  %d\n", queue.Size())
			}
		}

		if cfg.Default.Token == "" || cfg.Default.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		role := heroes.Role(valueOrDefault(cfg.Default.Role, string(heroes.RoleRequester)))
		reqs, err := client.ListRequests(ctx, cfg.Default.UserID, role)
		if err != nil {
			c := heroes.Classify(err)
			fmt.Printf("  Backend:  unreachable (%s: %s)\n", c.Category, c.Message)
			return nil
		}
		fmt.Println("  Backend:  reachable")
		fmt.Printf("  Requests: %d\n", len(reqs))
		return nil
	},
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
