package domain

import (
	"bytes"
	"testing"
	"time"

	apperrors "github.com/scorelinehq/scoreline/internal/platform/errors"
)

func validProof() ActionProof {
	return ActionProof{
		ActionType:     "puzzle_complete",
		Timestamp:      time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		Payload:        []byte(`{"puzzle_id":"p-9"}`),
		ExpectedPoints: 50,
		Nonce:          "n1",
		Signature:      "k1:deadbeef",
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ActionProof)
		code   apperrors.Code
	}{
		{"empty action type", func(p *ActionProof) { p.ActionType = " " }, apperrors.CodeActionTypeEmpty},
		{"empty nonce", func(p *ActionProof) { p.Nonce = "" }, apperrors.CodeNonceEmpty},
		{"negative points", func(p *ActionProof) { p.ExpectedPoints = -1 }, apperrors.CodePointsNegative},
		{"zero timestamp", func(p *ActionProof) { p.Timestamp = time.Time{} }, apperrors.CodeProofInvalid},
		{"empty signature", func(p *ActionProof) { p.Signature = "" }, apperrors.CodeProofInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proof := validProof()
			tc.mutate(&proof)
			err := proof.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if got := apperrors.GetCode(err); got != tc.code {
				t.Fatalf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestValidateAcceptsCompleteProof(t *testing.T) {
	if err := validProof().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCanonicalEncodingIsStable(t *testing.T) {
	proof := validProof()
	first := proof.CanonicalEncoding()
	second := proof.CanonicalEncoding()
	if !bytes.Equal(first, second) {
		t.Fatal("expected canonical encoding to be deterministic")
	}
}

func TestCanonicalEncodingCoversEveryField(t *testing.T) {
	base := validProof()
	mutations := []func(*ActionProof){
		func(p *ActionProof) { p.ActionType = "daily_bonus" },
		func(p *ActionProof) { p.Timestamp = p.Timestamp.Add(time.Millisecond) },
		func(p *ActionProof) { p.Payload = []byte(`{"puzzle_id":"other"}`) },
		func(p *ActionProof) { p.ExpectedPoints = 51 },
		func(p *ActionProof) { p.Nonce = "n2" },
	}
	reference := base.CanonicalEncoding()
	for i, mutate := range mutations {
		proof := validProof()
		mutate(&proof)
		if bytes.Equal(reference, proof.CanonicalEncoding()) {
			t.Fatalf("mutation %d did not change canonical encoding", i)
		}
	}
}

func TestPointPolicyCheck(t *testing.T) {
	policy := DefaultPointPolicy()

	if err := policy.Check("puzzle_complete", 50); err != nil {
		t.Fatalf("expected in-range points to pass: %v", err)
	}
	if err := policy.Check("puzzle_complete", 9); err == nil {
		t.Fatal("expected below-range points to fail")
	} else if !apperrors.IsCode(err, apperrors.CodeImplausiblePoints) {
		t.Fatalf("code = %q, want implausible points", apperrors.GetCode(err))
	}
	if err := policy.Check("puzzle_complete", 101); err == nil {
		t.Fatal("expected above-range points to fail")
	}
	if err := policy.Check("no_such_action", 10); err == nil {
		t.Fatal("expected unknown action type to fail")
	} else if meta := apperrors.GetMetadata(err); meta["ActionType"] != "no_such_action" {
		t.Fatalf("metadata = %v, want ActionType recorded", meta)
	}
}
