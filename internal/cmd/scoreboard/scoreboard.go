// Package scoreboard parses scoreboard command flags and composes the
// service entrypoint.
package scoreboard

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/scorelinehq/scoreline/internal/platform/cmd"
	server "github.com/scorelinehq/scoreline/internal/services/scoreboard/app"
)

// Config holds scoreboard command configuration.
type Config struct {
	HTTPAddr string `env:"SCORELINE_SCOREBOARD_HTTP_ADDR" envDefault:":8080"`
	OpsAddr  string `env:"SCORELINE_SCOREBOARD_OPS_ADDR"  envDefault:":8081"`
	TopK     int    `env:"SCORELINE_SCOREBOARD_TOP_K"     envDefault:"10"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "scoreboard HTTP listen address")
	fs.StringVar(&cfg.OpsAddr, "ops-addr", cfg.OpsAddr, "gRPC health listen address (empty disables)")
	fs.IntVar(&cfg.TopK, "top-k", cfg.TopK, "leaderboard size served and broadcast")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the scoreboard app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceScoreboard, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr: cfg.HTTPAddr,
			OpsAddr:  cfg.OpsAddr,
			TopK:     cfg.TopK,
		}); err != nil {
			return fmt.Errorf("serve scoreboard: %w", err)
		}
		return nil
	})
}
