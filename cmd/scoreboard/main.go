// Package main starts the scoreboard service and handles termination.
//
// The process serves authenticated score submissions, the cached
// leaderboard, and the real-time update stream.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	scoreboardcmd "github.com/scorelinehq/scoreline/internal/cmd/scoreboard"
)

func main() {
	cfg, err := scoreboardcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SCOREBOARD] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scoreboardcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
