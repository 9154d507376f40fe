package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"givechain/core/types"
)

// AuditEntry is an audit record staged by a mutation. The store assigns the
// sequence number and hash chain on commit.
type AuditEntry struct {
	Event   string
	Actor   string
	Details map[string]string
}

// MilestoneTx is the working set handed to a MutateMilestone transform. It
// carries deep copies of the milestone and everything attached to it; the
// store validates the result against the ledger invariants before anything is
// committed.
type MilestoneTx struct {
	Milestone *Milestone
	Donations []*Donation
	Votes     map[common.Address]*Vote
	// Alerts lists the alerts that target the milestone directly or through
	// its NGO. The slice is informational; alert changes go through
	// MutateAlert.
	Alerts []*FraudAlert
	Now    time.Time

	prev          *Milestone
	prevDonations map[string]*Donation
	prevVotes     map[common.Address]*Vote
	trail         []MilestoneStatus
	instructions  []*Instruction
	audit         []AuditEntry
	events        []*types.Event
}

// NewMilestoneTx builds a transaction over the supplied committed state. The
// inputs are cloned; callers keep ownership of their values.
func NewMilestoneTx(m *Milestone, donations []*Donation, votes []*Vote, alerts []*FraudAlert, now time.Time) *MilestoneTx {
	tx := &MilestoneTx{
		Milestone:     m.Clone(),
		Donations:     make([]*Donation, 0, len(donations)),
		Votes:         make(map[common.Address]*Vote, len(votes)),
		Alerts:        make([]*FraudAlert, 0, len(alerts)),
		Now:           now.UTC(),
		prev:          m.Clone(),
		prevDonations: make(map[string]*Donation, len(donations)),
		prevVotes:     make(map[common.Address]*Vote, len(votes)),
	}
	for _, d := range donations {
		if d == nil {
			continue
		}
		tx.Donations = append(tx.Donations, d.Clone())
		tx.prevDonations[d.ID] = d.Clone()
	}
	for _, v := range votes {
		if v == nil {
			continue
		}
		tx.Votes[v.Validator] = v.Clone()
		tx.prevVotes[v.Validator] = v.Clone()
	}
	for _, a := range alerts {
		if a == nil {
			continue
		}
		tx.Alerts = append(tx.Alerts, a.Clone())
	}
	return tx
}

// Previous returns a copy of the milestone as it was before the transform ran.
func (tx *MilestoneTx) Previous() *Milestone {
	return tx.prev.Clone()
}

// SetStatus moves the milestone along one edge of the state machine. Several
// edges may be taken in one transaction; each is validated in order.
func (tx *MilestoneTx) SetStatus(next MilestoneStatus) error {
	if err := ValidateTransition(tx.Milestone.Status, next); err != nil {
		return err
	}
	if tx.Milestone.Status == next {
		return nil
	}
	tx.Milestone.Status = next
	tx.Milestone.UpdatedAt = tx.Now
	tx.trail = append(tx.trail, next)
	return nil
}

// AddDonation appends a new donation and raises the funded amount when the
// donation is confirmed.
func (tx *MilestoneTx) AddDonation(d *Donation) *Donation {
	clone := d.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.MilestoneID = tx.Milestone.ID
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = tx.Now
	}
	clone.UpdatedAt = tx.Now
	tx.Donations = append(tx.Donations, clone)
	if clone.Status.Funded() {
		tx.Milestone.Current = new(big.Int).Add(cloneBigInt(tx.Milestone.Current), clone.Amount)
	}
	tx.Milestone.UpdatedAt = tx.Now
	return clone
}

// Donation returns the working copy of the donation with the given id.
func (tx *MilestoneTx) Donation(id string) *Donation {
	for _, d := range tx.Donations {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// SetDonationStatus moves a donation forward, validating the edge.
func (tx *MilestoneTx) SetDonationStatus(d *Donation, next DonationStatus) error {
	if d == nil {
		return fmt.Errorf("%w: nil donation", ErrInvalidInput)
	}
	if err := ValidateDonationTransition(d.Status, next); err != nil {
		return err
	}
	d.Status = next
	d.UpdatedAt = tx.Now
	return nil
}

// PutVote records or replaces the validator's vote.
func (tx *MilestoneTx) PutVote(v *Vote) {
	clone := v.Clone()
	clone.MilestoneID = tx.Milestone.ID
	if clone.Timestamp.IsZero() {
		clone.Timestamp = tx.Now
	}
	tx.Votes[clone.Validator] = clone
}

// VoteList returns the working vote set ordered by validator address.
func (tx *MilestoneTx) VoteList() []*Vote {
	out := make([]*Vote, 0, len(tx.Votes))
	for _, v := range tx.Votes {
		out = append(out, v.Clone())
	}
	SortVotes(out)
	return out
}

// Instruct stages a release or refund order. The store persists it in the same
// commit as the rest of the transaction.
func (tx *MilestoneTx) Instruct(kind InstructionKind, donationID string, recipient common.Address, amount *big.Int) *Instruction {
	ins := &Instruction{
		ID:          uuid.NewString(),
		Kind:        kind,
		MilestoneID: tx.Milestone.ID,
		DonationID:  donationID,
		Recipient:   recipient,
		Amount:      cloneBigInt(amount),
		Status:      InstructionPending,
		CreatedAt:   tx.Now,
	}
	tx.instructions = append(tx.instructions, ins)
	return ins.Clone()
}

// Record stages an audit entry.
func (tx *MilestoneTx) Record(event, actor string, details map[string]string) {
	entry := AuditEntry{Event: event, Actor: actor}
	if len(details) > 0 {
		entry.Details = make(map[string]string, len(details))
		for k, v := range details {
			entry.Details[k] = v
		}
	}
	tx.audit = append(tx.audit, entry)
}

// Emit stages an event for publication after a successful commit.
func (tx *MilestoneTx) Emit(evt *types.Event) {
	if evt == nil {
		return
	}
	tx.events = append(tx.events, evt.Clone())
}

// ActiveAlerts returns the active alerts targeting the milestone.
func (tx *MilestoneTx) ActiveAlerts() []*FraudAlert {
	var out []*FraudAlert
	for _, a := range tx.Alerts {
		if a.Status == AlertActive && a.Targets(tx.Milestone) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Instructions returns the staged instructions.
func (tx *MilestoneTx) Instructions() []*Instruction {
	out := make([]*Instruction, 0, len(tx.instructions))
	for _, ins := range tx.instructions {
		out = append(out, ins.Clone())
	}
	return out
}

// AuditEntries returns the staged audit entries.
func (tx *MilestoneTx) AuditEntries() []AuditEntry {
	return append([]AuditEntry(nil), tx.audit...)
}

// Events returns the staged events.
func (tx *MilestoneTx) Events() []*types.Event {
	out := make([]*types.Event, 0, len(tx.events))
	for _, evt := range tx.events {
		out = append(out, evt.Clone())
	}
	return out
}

// DirtyDonations returns donations that are new or whose status changed.
func (tx *MilestoneTx) DirtyDonations() []*Donation {
	var out []*Donation
	for _, d := range tx.Donations {
		prev, ok := tx.prevDonations[d.ID]
		if !ok || prev.Status != d.Status || prev.TxRef != d.TxRef {
			out = append(out, d.Clone())
		}
	}
	return out
}

// DirtyVotes returns votes that are new or were replaced.
func (tx *MilestoneTx) DirtyVotes() []*Vote {
	var out []*Vote
	for addr, v := range tx.Votes {
		prev, ok := tx.prevVotes[addr]
		if !ok || !voteEqual(prev, v) {
			out = append(out, v.Clone())
		}
	}
	SortVotes(out)
	return out
}

func voteEqual(a, b *Vote) bool {
	return a.Validator == b.Validator && a.Decision == b.Decision &&
		a.Comment == b.Comment && a.Timestamp.Equal(b.Timestamp) && a.MilestoneID == b.MilestoneID
}

// SortVotes orders votes by validator address.
func SortVotes(votes []*Vote) {
	sort.Slice(votes, func(i, j int) bool {
		return bytes.Compare(votes[i].Validator.Bytes(), votes[j].Validator.Bytes()) < 0
	})
}

// SortDonations orders donations by creation time, then id.
func SortDonations(donations []*Donation) {
	sort.SliceStable(donations, func(i, j int) bool {
		if !donations[i].CreatedAt.Equal(donations[j].CreatedAt) {
			return donations[i].CreatedAt.Before(donations[j].CreatedAt)
		}
		return strings.Compare(donations[i].ID, donations[j].ID) < 0
	})
}
