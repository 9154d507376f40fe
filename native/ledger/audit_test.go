package ledger

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyAuditTrailDetectsTampering(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	first := ChainAudit(nil, "m1", AuditEntry{Event: "milestone.created", Actor: "ngo"}, at)
	second := ChainAudit(first, "m1", AuditEntry{Event: "donation.recorded", Actor: "donor", Details: map[string]string{"amount": "10"}}, at.Add(time.Minute))
	third := ChainAudit(second, "m1", AuditEntry{Event: "proof.submitted", Actor: "ngo"}, at.Add(2*time.Minute))

	chain := []*AuditRecord{first, second, third}
	if err := VerifyAuditTrail(chain); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := []*AuditRecord{first.Clone(), second.Clone(), third.Clone()}
	tampered[1].Details["amount"] = "1000"
	if err := VerifyAuditTrail(tampered); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected tampered details to be detected, got %v", err)
	}

	reordered := []*AuditRecord{first, third}
	if err := VerifyAuditTrail(reordered); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected gap to be detected, got %v", err)
	}
}

func TestChainAuditIsDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 123456789)
	entry := AuditEntry{Event: "vote.cast", Actor: "v1", Details: map[string]string{"b": "2", "a": "1"}}
	a := ChainAudit(nil, "m1", entry, at)
	b := ChainAudit(nil, "m1", entry, at)
	if a.Hash != b.Hash {
		t.Fatalf("hash not deterministic: %s != %s", a.Hash, b.Hash)
	}
	if a.Timestamp.Nanosecond()%1000 != 0 {
		t.Fatalf("timestamp not truncated to microseconds: %v", a.Timestamp)
	}
}
