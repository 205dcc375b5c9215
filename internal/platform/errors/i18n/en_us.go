package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodePermissionDenied      = "PERMISSION_DENIED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeStaleProof            = "STALE_PROOF"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeReplayedProof         = "REPLAYED_PROOF"
	CodeImplausiblePoints     = "IMPLAUSIBLE_POINTS"
	CodeProofInvalid          = "PROOF_INVALID"
	CodeActionTypeEmpty       = "ACTION_TYPE_EMPTY"
	CodeNonceEmpty            = "NONCE_EMPTY"
	CodePointsNegative        = "POINTS_NEGATIVE"
	CodeValidationTimeout     = "VALIDATION_TIMEOUT"
	CodeIdentityNotFound      = "IDENTITY_NOT_FOUND"
	CodeConcurrentConflict    = "CONCURRENT_CONFLICT"
	CodeDownstreamUnavailable = "DOWNSTREAM_UNAVAILABLE"
)

var enUSCatalog = &Catalog{
	locale: "en-US",
	messages: map[Code]string{
		CodeUnauthenticated:       "Sign in to submit scores",
		CodePermissionDenied:      "Your account is not allowed to submit scores",
		CodeRateLimited:           "Too many submissions, retry in {{.RetryAfterSeconds}} seconds",
		CodeStaleProof:            "Action proof timestamp is outside the freshness window",
		CodeInvalidSignature:      "Action proof signature does not match",
		CodeReplayedProof:         "Action proof was already used",
		CodeImplausiblePoints:     "Claimed points are not plausible for action {{.ActionType}}",
		CodeProofInvalid:          "Action proof is malformed",
		CodeActionTypeEmpty:       "Action type cannot be empty",
		CodeNonceEmpty:            "Action proof nonce cannot be empty",
		CodePointsNegative:        "Points cannot be negative",
		CodeValidationTimeout:     "Submission could not be validated in time, try again",
		CodeIdentityNotFound:      "Player not found",
		CodeConcurrentConflict:    "Score update conflicted with concurrent updates, try again",
		CodeDownstreamUnavailable: "Leaderboard propagation is delayed, the score was recorded",
	},
}
