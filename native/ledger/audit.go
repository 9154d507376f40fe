package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// AuditRecord is one link of a milestone's append-only hash chain.
type AuditRecord struct {
	MilestoneID string            `json:"milestoneId"`
	Sequence    uint64            `json:"sequence"`
	Event       string            `json:"event"`
	Actor       string            `json:"actor,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	PrevHash    string            `json:"prevHash,omitempty"`
	Hash        string            `json:"hash"`
}

// Clone returns a deep copy of the record.
func (r *AuditRecord) Clone() *AuditRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Details != nil {
		clone.Details = make(map[string]string, len(r.Details))
		for k, v := range r.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// ChainAudit links entry onto prev, which is nil for the first record of a
// milestone.
func ChainAudit(prev *AuditRecord, milestoneID string, entry AuditEntry, at time.Time) *AuditRecord {
	record := &AuditRecord{
		MilestoneID: milestoneID,
		Event:       entry.Event,
		Actor:       entry.Actor,
		Timestamp:   at.UTC().Truncate(time.Microsecond),
	}
	if len(entry.Details) > 0 {
		record.Details = make(map[string]string, len(entry.Details))
		for k, v := range entry.Details {
			record.Details[k] = v
		}
	}
	if prev != nil {
		record.Sequence = prev.Sequence + 1
		record.PrevHash = prev.Hash
	}
	record.Hash = hashAudit(record)
	return record
}

func hashAudit(r *AuditRecord) string {
	var buf bytes.Buffer
	writeField := func(s string) {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(s)))
		buf.Write(length[:])
		buf.WriteString(s)
	}
	writeField(r.PrevHash)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], r.Sequence)
	buf.Write(seq[:])
	writeField(r.MilestoneID)
	writeField(r.Event)
	writeField(r.Actor)
	keys := make([]string, 0, len(r.Details))
	for k := range r.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
		writeField(r.Details[k])
	}
	var nanos [8]byte
	binary.BigEndian.PutUint64(nanos[:], uint64(r.Timestamp.UnixNano()))
	buf.Write(nanos[:])
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// VerifyAuditTrail recomputes every hash of the chain and reports the first
// broken link.
func VerifyAuditTrail(records []*AuditRecord) error {
	var prev *AuditRecord
	for i, r := range records {
		if r == nil {
			return violation("audit record %d missing", i)
		}
		if prev == nil {
			if r.Sequence != 0 || r.PrevHash != "" {
				return violation("audit chain for %s does not start at genesis", r.MilestoneID)
			}
		} else {
			if r.MilestoneID != prev.MilestoneID {
				return violation("audit chain mixes milestones")
			}
			if r.Sequence != prev.Sequence+1 || r.PrevHash != prev.Hash {
				return violation("audit record %d is not linked to its predecessor", r.Sequence)
			}
		}
		if want := hashAudit(r); want != r.Hash {
			return fmt.Errorf("%w: audit record %d hash mismatch", ErrInvariantViolation, r.Sequence)
		}
		prev = r
	}
	return nil
}
