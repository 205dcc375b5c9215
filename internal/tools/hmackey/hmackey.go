// Package hmackey generates root keys for the action-proof signing keyring.
package hmackey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Config holds configuration for proof key generation.
type Config struct {
	Bytes int
	KeyID string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32, KeyID: "k1"}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes (default: 32)")
	fs.StringVar(&cfg.KeyID, "key-id", cfg.KeyID, "key id to pair with the generated key")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes the env assignments to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if strings.TrimSpace(cfg.KeyID) == "" {
		return errors.New("key id is required")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf)
	if _, err := fmt.Fprintf(out, "SCORELINE_PROOF_HMAC_KEYS=%s:%s\n", cfg.KeyID, encoded); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "SCORELINE_PROOF_HMAC_ACTIVE_KEY_ID=%s\n", cfg.KeyID)
	return err
}
