// Package config loads and validates the node's environment configuration.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/types"
	"go.uber.org/zap"
)

// ServedMode selects how SERVED_MAPS is interpreted.
type ServedMode int

const (
	ServedAll ServedMode = iota
	ServedAuto
	ServedExplicit
)

// Config holds validated environment configuration.
type Config struct {
	Port int
	Host string

	SyncURL       string // comma-separated discovery relay endpoints
	NodePublicURL string // this node's own address, published in heartbeats' sync tag

	ServedMode ServedMode
	ServedMaps map[types.MapIDType]struct{} // populated when ServedMode == ServedExplicit
	TargetMaps int                          // used when ServedMode == ServedAuto

	NodeSecretKey string // hex-encoded secp256k1 private key
	NodeRegion    string

	MaxPlayers int

	GoEnv    string
	LogLevel string

	RateLimitConnIP     string
	RateLimitConnPubkey string
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = 18080
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", v))
		} else {
			cfg.Port = port
		}
	}

	cfg.Host = os.Getenv("HOST")
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}

	cfg.SyncURL = os.Getenv("SYNC_URL")
	cfg.NodePublicURL = os.Getenv("NODE_PUBLIC_URL")

	served := os.Getenv("SERVED_MAPS")
	if served == "" {
		served = "all"
	}
	switch strings.ToLower(served) {
	case "all":
		cfg.ServedMode = ServedAll
	case "auto":
		cfg.ServedMode = ServedAuto
	default:
		cfg.ServedMode = ServedExplicit
		maps, err := parseMapRanges(served)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SERVED_MAPS invalid: %v", err))
		} else {
			cfg.ServedMaps = maps
		}
	}

	cfg.TargetMaps = 50
	if v := os.Getenv("TARGET_MAPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("TARGET_MAPS must be a positive integer (got '%s')", v))
		} else {
			cfg.TargetMaps = n
		}
	}

	cfg.NodeSecretKey = os.Getenv("NODE_SECRET_KEY")
	if cfg.NodeSecretKey == "" {
		errs = append(errs, "NODE_SECRET_KEY is required")
	}

	cfg.NodeRegion = os.Getenv("NODE_REGION")

	cfg.MaxPlayers = 200
	if v := os.Getenv("MAX_PLAYERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("MAX_PLAYERS must be a positive integer (got '%s')", v))
		} else {
			cfg.MaxPlayers = n
		}
	}

	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.RateLimitConnIP = getEnvOrDefault("RATE_LIMIT_CONN_IP", "20-M")
	cfg.RateLimitConnPubkey = getEnvOrDefault("RATE_LIMIT_CONN_PUBKEY", "120-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// RelayURLs splits SyncURL into its comma-separated relay endpoints,
// trimming whitespace and dropping empty entries.
func (c *Config) RelayURLs() []string {
	var urls []string
	for _, part := range strings.Split(c.SyncURL, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

// parseMapRanges parses a comma list with range syntax "a-b,c" into a set.
func parseMapRanges(spec string) (map[types.MapIDType]struct{}, error) {
	out := make(map[types.MapIDType]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("bad range start %q", lo)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("bad range end %q", hi)
			}
			if hiN < loN {
				return nil, fmt.Errorf("range %q has end before start", part)
			}
			for n := loN; n <= hiN; n++ {
				id := types.MapIDType(n)
				if !types.ValidMapID(id) {
					return nil, fmt.Errorf("map id %d out of range", n)
				}
				out[id] = struct{}{}
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad map id %q", part)
		}
		id := types.MapIDType(n)
		if !types.ValidMapID(id) {
			return nil, fmt.Errorf("map id %d out of range", n)
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	ctx := context.Background()
	logging.Info(ctx, "environment configuration validated")
	logging.Info(ctx, "configuration",
		zap.Int("port", cfg.Port),
		zap.String("host", cfg.Host),
		zap.String("sync_url", cfg.SyncURL),
		zap.String("node_public_url", cfg.NodePublicURL),
		zap.Int("served_mode", int(cfg.ServedMode)),
		zap.Int("target_maps", cfg.TargetMaps),
		zap.String("node_secret_key", logging.RedactSecret(cfg.NodeSecretKey)),
		zap.String("node_region", cfg.NodeRegion),
		zap.Int("max_players", cfg.MaxPlayers),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
