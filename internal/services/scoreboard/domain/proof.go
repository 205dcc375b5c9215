// Package domain defines the action-proof claim submitted with score
// updates and the server-side plausibility policy for claimed points.
package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/scorelinehq/scoreline/internal/platform/errors"
)

// canonicalVersion tags the signed encoding so the format can evolve
// without accepting signatures produced for an older layout.
const canonicalVersion = "v1"

// ActionProof is a client-constructed, signed claim that a scorable action
// occurred. It is consumed exactly once; its nonce is retained only long
// enough to detect replay within the freshness window.
type ActionProof struct {
	ActionType     string
	Timestamp      time.Time
	Payload        []byte
	ExpectedPoints int64
	Nonce          string
	// Signature is "<keyid>:<hex hmac-sha256>" over CanonicalEncoding.
	Signature string
}

// Validate checks structural requirements before any cryptographic work.
func (p ActionProof) Validate() error {
	if strings.TrimSpace(p.ActionType) == "" {
		return apperrors.New(apperrors.CodeActionTypeEmpty, "action type is required")
	}
	if strings.TrimSpace(p.Nonce) == "" {
		return apperrors.New(apperrors.CodeNonceEmpty, "proof nonce is required")
	}
	if p.ExpectedPoints < 0 {
		return apperrors.New(apperrors.CodePointsNegative, "expected points cannot be negative")
	}
	if p.Timestamp.IsZero() {
		return apperrors.New(apperrors.CodeProofInvalid, "proof timestamp is required")
	}
	if strings.TrimSpace(p.Signature) == "" {
		return apperrors.New(apperrors.CodeProofInvalid, "proof signature is required")
	}
	return nil
}

// CanonicalEncoding returns the byte sequence the proof signature covers.
// Both sides must produce the identical sequence for the HMAC to match.
func (p ActionProof) CanonicalEncoding() []byte {
	encoded := fmt.Sprintf("%s\n%s\n%d\n%s\n%d\n%s",
		canonicalVersion,
		p.ActionType,
		p.Timestamp.UTC().UnixMilli(),
		base64.StdEncoding.EncodeToString(p.Payload),
		p.ExpectedPoints,
		p.Nonce,
	)
	return []byte(encoded)
}

// PointRange bounds the points a single action of one type may claim.
type PointRange struct {
	Min int64
	Max int64
}

// PointPolicy maps action types to their allowed point ranges. Unknown
// action types are never plausible.
type PointPolicy struct {
	ranges map[string]PointRange
}

// NewPointPolicy builds a policy from an action-type range table.
func NewPointPolicy(ranges map[string]PointRange) PointPolicy {
	copied := make(map[string]PointRange, len(ranges))
	for actionType, r := range ranges {
		copied[strings.TrimSpace(actionType)] = r
	}
	return PointPolicy{ranges: copied}
}

// DefaultPointPolicy returns the built-in action-type point table.
func DefaultPointPolicy() PointPolicy {
	return NewPointPolicy(map[string]PointRange{
		"puzzle_complete": {Min: 10, Max: 100},
		"daily_bonus":     {Min: 5, Max: 25},
		"streak_bonus":    {Min: 1, Max: 50},
		"challenge_win":   {Min: 25, Max: 250},
	})
}

// Check validates claimed points for an action type against the table.
func (p PointPolicy) Check(actionType string, points int64) error {
	r, ok := p.ranges[strings.TrimSpace(actionType)]
	if !ok {
		return apperrors.WithMetadata(
			apperrors.CodeImplausiblePoints,
			fmt.Sprintf("unknown action type %q", actionType),
			map[string]string{"ActionType": actionType},
		)
	}
	if points < r.Min || points > r.Max {
		return apperrors.WithMetadata(
			apperrors.CodeImplausiblePoints,
			fmt.Sprintf("points %d outside [%d, %d] for action %q", points, r.Min, r.Max, actionType),
			map[string]string{"ActionType": actionType},
		)
	}
	return nil
}
