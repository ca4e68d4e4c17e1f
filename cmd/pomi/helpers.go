package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pomi "github.com/everest-caesar/POMI-FRONTEND-sub000"
)

var errNoToken = errors.New("no token configured. Run 'pomi init <token>' or set POMI_TOKEN")

// clientOptions builds SDK options from the configuration.
func clientOptions(cfg *Config) []pomi.ClientOption {
	opts := []pomi.ClientOption{pomi.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pomi.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != string(pomi.Production) {
		opts = append(opts, pomi.WithEnvironment(pomi.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates a Pomi client authenticated with the configured token.
func getClient() (*pomi.Client, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errNoToken
	}
	if cfg.Auth.UserID == "" {
		if claims, err := pomi.ParseTokenClaims(cfg.Auth.Token); err == nil {
			cfg.Auth.UserID = claims.Subject
		}
	}
	return pomi.NewClient(pomi.StaticToken(cfg.Auth.Token), clientOptions(cfg)...), cfg, nil
}

// realtimeConfig maps the [realtime] section onto the SDK config.
func realtimeConfig(cfg *Config) *pomi.RealtimeConfig {
	rc := &pomi.RealtimeConfig{
		AutoReconnect: cfg.Realtime.AutoReconnect,
		Logger:        logger,
	}
	if cfg.Realtime.HeartbeatSeconds > 0 {
		rc.HeartbeatInterval = time.Duration(cfg.Realtime.HeartbeatSeconds) * time.Second
	}
	return rc
}

// newMessenger wires a Messenger for the configured identity. With
// realtime disabled the transport is never connected and every send goes
// over REST.
func newMessenger(client *pomi.Client, cfg *Config) (*pomi.Messenger, *pomi.WSTransport) {
	ws := client.Realtime(realtimeConfig(cfg))
	var transport pomi.Transport = ws
	if cfg.Realtime.Disabled {
		transport = restOnly{ws}
	}
	opts := []pomi.MessengerOption{pomi.WithMessengerLogger(logger)}
	if cfg.Realtime.TypingQuietSeconds > 0 {
		opts = append(opts, pomi.WithTypingQuietPeriod(time.Duration(cfg.Realtime.TypingQuietSeconds)*time.Second))
	}
	return pomi.NewMessenger(cfg.Auth.UserID, transport, client.Fallback(), opts...), ws
}

// restOnly is a transport that never connects.
type restOnly struct{ *pomi.WSTransport }

func (restOnly) Connect(context.Context, string) error { return nil }

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
