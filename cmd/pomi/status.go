package main

import (
	"context"
	"fmt"
	"time"

	pomi "github.com/everest-caesar/POMI-FRONTEND-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration, check whether the token is expired, and ping the backend health endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		fmt.Printf("  Realtime:    %s\n", realtimeSummary(cfg.Realtime))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		}
		fmt.Printf("  Status:      %s\n", tokenStatus(cfg.Auth, time.Now()))

		client := pomi.NewClient(pomi.StaticToken(cfg.Auth.Token), clientOptions(cfg)...)
		fmt.Println()
		fmt.Println("Backend:")
		fmt.Printf("  URL:         %s\n", client.BaseURL())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Health:      unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Health:      %s\n", health.Status)
		if health.Version != "" {
			fmt.Printf("  Version:     %s\n", health.Version)
		}
		return nil
	},
}

// tokenStatus describes the token's validity. JWT claims take precedence
// over the stored expiry.
func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	expires := time.Time{}
	if claims, err := pomi.ParseTokenClaims(auth.Token); err == nil {
		expires = claims.ExpiresAt
	} else if auth.TokenExpires != "" {
		t, err := time.Parse(time.RFC3339, auth.TokenExpires)
		if err != nil {
			return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
		}
		expires = t
	}
	if expires.IsZero() {
		return "present (no expiry set)"
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

func realtimeSummary(rt ConfigRealtime) string {
	if rt.Disabled {
		return "disabled (REST only)"
	}
	if rt.AutoReconnect {
		return "enabled, auto-reconnect"
	}
	return "enabled"
}
