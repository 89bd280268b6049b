package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initRole    string
	initBaseURL string
	initStore   string
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initUserID, "user", "", "Your user id (required)")
	initCmd.Flags().StringVar(&initRole, "role", "civilian", "civilian or hero")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend URL (default: production)")
	initCmd.Flags().StringVar(&initStore, "store", "sqlite", "Offline queue storage: memory, sqlite or redis")
	_ = initCmd.MarkFlagRequired("user")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.heroes/config.toml",
	Long:  "Initialize the Heroes CLI by storing your access token, user id and role in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		values := map[string]string{
			"default.token":   args[0],
			"default.user_id": initUserID,
			"default.role":    initRole,
			"storage.driver":  initStore,
		}
		if initBaseURL != "" {
			values["default.base_url"] = initBaseURL
		}
		for key, value := range values {
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
		}
		if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Storage.Path = filepath.Join(dir, "queue.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials for %s (%s) saved to %s\n", initUserID, initRole, path)
		return nil
	},
}
