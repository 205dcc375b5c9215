package scoreboard

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("scoreboard", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.OpsAddr != ":8081" {
		t.Fatalf("expected default ops addr, got %q", cfg.OpsAddr)
	}
	if cfg.TopK != 10 {
		t.Fatalf("expected default top-k, got %d", cfg.TopK)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("SCORELINE_SCOREBOARD_HTTP_ADDR", "env-http")
	t.Setenv("SCORELINE_SCOREBOARD_OPS_ADDR", "env-ops")
	t.Setenv("SCORELINE_SCOREBOARD_TOP_K", "25")

	fs := flag.NewFlagSet("scoreboard", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-http",
		"-ops-addr", "",
		"-top-k", "50",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.OpsAddr != "" {
		t.Fatalf("expected ops addr disabled, got %q", cfg.OpsAddr)
	}
	if cfg.TopK != 50 {
		t.Fatalf("expected flag top-k, got %d", cfg.TopK)
	}
}
