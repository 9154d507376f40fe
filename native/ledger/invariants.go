package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const maxProofRefLength = 256

// ValidateNewMilestone checks a milestone before its first insert.
func ValidateNewMilestone(m *Milestone) error {
	if m == nil {
		return fmt.Errorf("%w: nil milestone", ErrInvalidInput)
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: milestone id required", ErrInvalidInput)
	}
	if m.NGO == (common.Address{}) {
		return fmt.Errorf("%w: ngo address required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidInput)
	}
	if m.Target == nil || m.Target.Sign() <= 0 {
		return fmt.Errorf("%w: target must be positive", ErrInvalidInput)
	}
	if m.Current != nil && m.Current.Sign() != 0 {
		return fmt.Errorf("%w: new milestone must start unfunded", ErrInvalidInput)
	}
	if m.RequiredApprovals < 1 {
		return fmt.Errorf("%w: required approvals must be at least one", ErrInvalidInput)
	}
	if m.Status != MilestonePending {
		return fmt.Errorf("%w: new milestone must be pending", ErrInvalidInput)
	}
	if m.Deadline.IsZero() {
		return fmt.Errorf("%w: deadline required", ErrInvalidInput)
	}
	return nil
}

// CheckCommit validates the transaction result against the committed state it
// was built from. A nil return means the store may commit.
func CheckCommit(tx *MilestoneTx) error {
	if tx == nil || tx.Milestone == nil || tx.prev == nil {
		return violation("empty transaction")
	}
	prev, next := tx.prev, tx.Milestone
	if err := checkMilestoneIdentity(prev, next); err != nil {
		return err
	}
	if err := checkStatusTrail(prev, tx); err != nil {
		return err
	}
	if next.Current == nil || next.Current.Sign() < 0 {
		return violation("current must be non-negative")
	}
	if next.Current.Cmp(next.Target) > 0 {
		return violation("current %s exceeds target %s", next.Current, next.Target)
	}
	if next.Status == MilestoneFrozen {
		if next.FrozenFrom == "" || next.FrozenFrom == MilestoneFrozen || next.FrozenFrom.Closed() {
			return violation("frozen milestone must record a live pre-freeze status")
		}
	}
	if next.Status == MilestoneAwaitingApproval && strings.TrimSpace(next.ProofRef) == "" {
		return violation("awaiting approval without proof reference")
	}
	if len(next.ProofRef) > maxProofRefLength {
		return violation("proof reference exceeds %d bytes", maxProofRefLength)
	}

	if prev.Status.Terminal() {
		if err := checkTerminalUnchanged(tx); err != nil {
			return err
		}
	}
	if err := checkDonations(tx); err != nil {
		return err
	}
	if err := checkVotes(tx); err != nil {
		return err
	}
	return checkInstructions(tx)
}

func checkMilestoneIdentity(prev, next *Milestone) error {
	if prev.ID != next.ID || prev.NGO != next.NGO {
		return violation("milestone identity changed")
	}
	if next.Target == nil || prev.Target.Cmp(next.Target) != 0 {
		return violation("target is fixed at creation")
	}
	if prev.RequiredApprovals != next.RequiredApprovals || next.RequiredApprovals < 1 {
		return violation("required approvals are fixed at creation")
	}
	if !prev.Deadline.Equal(next.Deadline) || !prev.CreatedAt.Equal(next.CreatedAt) {
		return violation("milestone schedule changed")
	}
	if prev.Freezes > next.Freezes {
		return violation("freeze counter decreased")
	}
	return nil
}

func checkStatusTrail(prev *Milestone, tx *MilestoneTx) error {
	status := prev.Status
	for _, step := range tx.trail {
		if err := ValidateTransition(status, step); err != nil {
			return violation("%v", err)
		}
		status = step
	}
	if status != tx.Milestone.Status {
		return violation("status %s set outside the state machine", tx.Milestone.Status)
	}
	if !status.Valid() {
		return violation("unknown status %q", status)
	}
	return nil
}

func checkTerminalUnchanged(tx *MilestoneTx) error {
	prev, next := tx.prev, tx.Milestone
	if prev.Current.Cmp(next.Current) != 0 || prev.ProofRef != next.ProofRef || prev.FrozenFrom != next.FrozenFrom {
		return violation("%s milestone is immutable", prev.Status)
	}
	if len(tx.instructions) > 0 {
		return violation("%s milestone cannot issue instructions", prev.Status)
	}
	return nil
}

func checkDonations(tx *MilestoneTx) error {
	prev, next := tx.prev, tx.Milestone
	seen := make(map[string]struct{}, len(tx.Donations))
	funded := make([]*Donation, 0, len(tx.Donations))
	for _, d := range tx.Donations {
		if d == nil {
			return violation("nil donation")
		}
		if _, dup := seen[d.ID]; dup {
			return violation("duplicate donation %s", d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.MilestoneID != next.ID {
			return violation("donation %s belongs to another milestone", d.ID)
		}
		if !d.Status.Valid() {
			return violation("donation %s has unknown status %q", d.ID, d.Status)
		}
		old, existed := tx.prevDonations[d.ID]
		if !existed {
			if d.Amount == nil || d.Amount.Sign() <= 0 {
				return violation("donation amount must be positive")
			}
			if d.Donor == (common.Address{}) {
				return violation("donation donor required")
			}
			if d.Status != DonationPending && d.Status != DonationConfirmed {
				return violation("new donation must be pending or confirmed")
			}
			if prev.Status == MilestoneFrozen || prev.Status.Closed() {
				return violation("%s milestone cannot accept donations", prev.Status)
			}
		} else {
			if old.Donor != d.Donor || d.Amount == nil || old.Amount.Cmp(d.Amount) != 0 {
				return violation("donation %s identity changed", d.ID)
			}
			if old.Status != d.Status {
				if err := ValidateDonationTransition(old.Status, d.Status); err != nil {
					return violation("%v", err)
				}
				switch d.Status {
				case DonationRefunded:
					if !prev.Status.Refundable() {
						return violation("donation %s refunded from %s milestone", d.ID, prev.Status)
					}
				case DonationReleased:
					if next.Status != MilestoneReleased {
						return violation("donation %s released without milestone release", d.ID)
					}
				}
				if prev.Status.Terminal() {
					return violation("%s milestone donations are immutable", prev.Status)
				}
			}
		}
		if d.Status.Funded() {
			funded = append(funded, d)
		}
		if next.Status == MilestoneReleased && d.Status == DonationConfirmed {
			return violation("confirmed donation %s left behind by release", d.ID)
		}
	}
	for id := range tx.prevDonations {
		if _, ok := seen[id]; !ok {
			return violation("donation %s removed", id)
		}
	}
	total := SumDonations(funded, nil)
	if total.Cmp(next.Current) != 0 {
		return violation("current %s does not match funded donations %s", next.Current, total)
	}
	return nil
}

func checkVotes(tx *MilestoneTx) error {
	changed := len(tx.Votes) != len(tx.prevVotes)
	for addr, v := range tx.Votes {
		if v == nil {
			return violation("nil vote")
		}
		if v.Validator != addr {
			return violation("vote keyed under %s cast by %s", addr.Hex(), v.Validator.Hex())
		}
		if v.MilestoneID != tx.Milestone.ID {
			return violation("vote belongs to another milestone")
		}
		if !v.Decision.Valid() {
			return violation("unknown vote decision %q", v.Decision)
		}
		old, ok := tx.prevVotes[addr]
		if !ok || !voteEqual(old, v) {
			changed = true
		}
	}
	for addr := range tx.prevVotes {
		if _, ok := tx.Votes[addr]; !ok {
			return violation("vote by %s removed", addr.Hex())
		}
	}
	if changed && tx.prev.Status != MilestoneAwaitingApproval {
		return violation("votes cannot change while %s", tx.prev.Status)
	}
	return nil
}

func checkInstructions(tx *MilestoneTx) error {
	for _, ins := range tx.instructions {
		if ins.Amount == nil || ins.Amount.Sign() <= 0 {
			return violation("instruction amount must be positive")
		}
		if ins.Recipient == (common.Address{}) {
			return violation("instruction recipient required")
		}
		switch ins.Kind {
		case InstructionRelease:
			if tx.Milestone.Status != MilestoneReleased || tx.prev.Status == MilestoneReleased {
				return violation("release instruction without release")
			}
			if ins.Recipient != tx.Milestone.NGO {
				return violation("release must pay the milestone ngo")
			}
		case InstructionRefund:
			d := tx.Donation(ins.DonationID)
			old := tx.prevDonations[ins.DonationID]
			if d == nil || old == nil || d.Status != DonationRefunded || old.Status == DonationRefunded {
				return violation("refund instruction without refunded donation")
			}
			if d.Donor != ins.Recipient || d.Amount.Cmp(ins.Amount) != 0 {
				return violation("refund instruction does not match donation %s", d.ID)
			}
		default:
			return violation("unknown instruction kind %q", ins.Kind)
		}
	}
	return nil
}

// ValidateAlertUpdate checks an alert mutation. Only the status and the
// update timestamp may change and the status only leaves active.
func ValidateAlertUpdate(prev, next *FraudAlert) error {
	if prev == nil || next == nil {
		return violation("nil alert")
	}
	if prev.ID != next.ID || prev.NGO != next.NGO || prev.MilestoneID != next.MilestoneID ||
		prev.Kind != next.Kind || prev.Severity != next.Severity || prev.Reporter != next.Reporter ||
		!prev.CreatedAt.Equal(next.CreatedAt) || prev.Description != next.Description {
		return violation("alert %s identity changed", prev.ID)
	}
	if !next.Status.Valid() {
		return violation("unknown alert status %q", next.Status)
	}
	if prev.Status != next.Status && prev.Status != AlertActive {
		return violation("alert %s already %s", prev.ID, prev.Status)
	}
	return nil
}

// ValidateNewAlert checks an alert before its first insert.
func ValidateNewAlert(a *FraudAlert) error {
	if a == nil {
		return fmt.Errorf("%w: nil alert", ErrInvalidInput)
	}
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: alert id required", ErrInvalidInput)
	}
	if a.NGO == (common.Address{}) {
		return fmt.Errorf("%w: alert ngo required", ErrInvalidInput)
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: unknown alert kind %q", ErrInvalidInput, a.Kind)
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, a.Severity)
	}
	if a.Status != AlertActive {
		return fmt.Errorf("%w: new alert must be active", ErrInvalidInput)
	}
	return nil
}
