// Package proof validates submitted action proofs for authenticity,
// freshness, plausibility, and non-replay.
package proof

import (
	"fmt"
	"time"

	apperrors "github.com/scorelinehq/scoreline/internal/platform/errors"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/domain"
)

// DefaultMaxSkew is the freshness window for proof timestamps.
const DefaultMaxSkew = 30 * time.Second

// SignatureVerifier checks a proof signature for one identity.
type SignatureVerifier interface {
	Verify(identityID string, payload []byte, signature string) error
}

// Verifier applies the full acceptance checks for one action proof.
type Verifier struct {
	keyring  SignatureVerifier
	registry *NonceRegistry
	policy   domain.PointPolicy
	maxSkew  time.Duration
}

// Config holds verifier construction inputs.
type Config struct {
	Keyring  SignatureVerifier
	Registry *NonceRegistry
	Policy   domain.PointPolicy
	MaxSkew  time.Duration
}

// NewVerifier creates a proof verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Keyring == nil {
		return nil, fmt.Errorf("signature verifier is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewNonceRegistry(0)
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	return &Verifier{
		keyring:  cfg.Keyring,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		maxSkew:  cfg.MaxSkew,
	}, nil
}

// Verify accepts or rejects one proof for one identity at the given time.
//
// Check order: structure, freshness, signature, replay, plausibility. The
// nonce is registered atomically before acceptance is returned, so of two
// concurrent submissions carrying the same nonce exactly one is accepted
// and the other resolves to a replay rejection. A proof rejected for any
// other reason does not consume its nonce.
func (v *Verifier) Verify(identityID string, p domain.ActionProof, now time.Time) error {
	if v == nil {
		return apperrors.New(apperrors.CodeProofInvalid, "proof verifier is not configured")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	skew := now.Sub(p.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return apperrors.WithMetadata(
			apperrors.CodeStaleProof,
			fmt.Sprintf("proof timestamp skew %s exceeds %s", skew, v.maxSkew),
			map[string]string{"MaxSkewSeconds": fmt.Sprintf("%.0f", v.maxSkew.Seconds())},
		)
	}

	if err := v.keyring.Verify(identityID, p.CanonicalEncoding(), p.Signature); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidSignature, "proof signature verification failed", err)
	}

	if v.registry.Seen(identityID, p.Nonce, now) {
		return apperrors.New(apperrors.CodeReplayedProof, "proof nonce was already used")
	}

	if err := v.policy.Check(p.ActionType, p.ExpectedPoints); err != nil {
		return err
	}

	// Retain the nonce past the freshness window on both sides of the
	// proof timestamp so a delayed duplicate still registers as seen.
	expiresAt := p.Timestamp.Add(2 * v.maxSkew)
	if !v.registry.Register(identityID, p.Nonce, expiresAt, now) {
		return apperrors.New(apperrors.CodeReplayedProof, "proof nonce was already used")
	}
	return nil
}
