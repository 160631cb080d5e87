package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	runova "github.com/tenesedu/runova-sub000"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store auth token in ~/.runova/config.toml",
	Long:  "Initialize the Runova CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		sess, err := runova.NewSession(token)
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = sess.UserID
		if !sess.ExpiresAt.IsZero() {
			cfg.Auth.TokenExpires = sess.ExpiresAt.Format(time.RFC3339)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		fmt.Printf("  User ID: %s\n", sess.UserID)
		if !sess.ExpiresAt.IsZero() {
			fmt.Printf("  Expires: %s\n", sess.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}
