package main

import (
	"fmt"
	"time"

	pomi "github.com/everest-caesar/POMI-FRONTEND-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.pomi/config.toml",
	Long:  "Initialize the Pomi CLI by storing your bearer token. When the token is a JWT, its subject and expiry are saved as well.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.TokenExpires = ""
		if claims, err := pomi.ParseTokenClaims(token); err == nil {
			if claims.Subject != "" {
				cfg.Auth.UserID = claims.Subject
			}
			if !claims.ExpiresAt.IsZero() {
				cfg.Auth.TokenExpires = claims.ExpiresAt.UTC().Format(time.RFC3339)
			}
		} else {
			logger.Debug("token is not a JWT", "error", err)
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = string(pomi.Production)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id found in the token. Set one with 'pomi config set auth.user_id <id>'.")
		}
		return nil
	},
}
