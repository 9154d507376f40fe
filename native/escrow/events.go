package escrow

import (
	"strconv"
	"strings"
	"time"

	"givechain/core/types"
	"givechain/native/ledger"
)

const (
	EventTypeMilestoneCreated        = "escrow.milestone.created"
	EventTypeMilestoneFunded         = "escrow.milestone.funded"
	EventTypeMilestoneProofSubmitted = "escrow.milestone.proof_submitted"
	EventTypeMilestoneApproved       = "escrow.milestone.approved"
	EventTypeMilestoneReleased       = "escrow.milestone.released"
	EventTypeMilestoneRejected       = "escrow.milestone.rejected"
	EventTypeDonationRecorded        = "escrow.donation.recorded"
)

// NewMilestoneCreatedEvent returns the canonical payload for a newly created
// milestone.
func NewMilestoneCreatedEvent(m *ledger.Milestone, at time.Time) *types.Event {
	evt := NewMilestoneEvent(EventTypeMilestoneCreated, m, at)
	if m != nil {
		evt.Attributes["title"] = m.Title
		evt.Attributes["deadline"] = m.Deadline.UTC().Format(time.RFC3339)
	}
	return evt
}

// NewMilestoneFundedEvent is emitted when a donation brings the milestone to
// its target.
func NewMilestoneFundedEvent(m *ledger.Milestone, at time.Time) *types.Event {
	return NewMilestoneEvent(EventTypeMilestoneFunded, m, at)
}

// NewProofSubmittedEvent is emitted when the NGO attaches completion proof.
func NewProofSubmittedEvent(m *ledger.Milestone, at time.Time) *types.Event {
	evt := NewMilestoneEvent(EventTypeMilestoneProofSubmitted, m, at)
	if m != nil {
		evt.Attributes["proofRef"] = m.ProofRef
	}
	return evt
}

// NewApprovedEvent is emitted when the quorum approves a milestone.
func NewApprovedEvent(m *ledger.Milestone, at time.Time) *types.Event {
	return NewMilestoneEvent(EventTypeMilestoneApproved, m, at)
}

// NewReleasedEvent is emitted when escrowed funds are released to the NGO.
func NewReleasedEvent(m *ledger.Milestone, amount string, at time.Time) *types.Event {
	evt := NewMilestoneEvent(EventTypeMilestoneReleased, m, at)
	evt.Attributes["amount"] = amount
	return evt
}

// NewRejectedEvent is emitted when a milestone is rejected by vote or by
// deadline expiry.
func NewRejectedEvent(m *ledger.Milestone, reason string, at time.Time) *types.Event {
	evt := NewMilestoneEvent(EventTypeMilestoneRejected, m, at)
	if strings.TrimSpace(reason) != "" {
		evt.Attributes["reason"] = reason
	}
	return evt
}

// NewDonationRecordedEvent is emitted for every accepted donation.
func NewDonationRecordedEvent(m *ledger.Milestone, d *ledger.Donation, at time.Time) *types.Event {
	evt := NewMilestoneEvent(EventTypeDonationRecorded, m, at)
	if d != nil {
		evt.Attributes["donationId"] = d.ID
		evt.Attributes["donor"] = d.Donor.Hex()
		evt.Attributes["amount"] = d.Amount.String()
		if d.TxRef != "" {
			evt.Attributes["txRef"] = d.TxRef
		}
	}
	return evt
}

// NewMilestoneEvent builds the shared milestone attribute set. Other engines
// reuse it so every milestone event carries the same keys.
func NewMilestoneEvent(eventType string, m *ledger.Milestone, at time.Time) *types.Event {
	if m == nil {
		return types.NewEvent(eventType, "", at)
	}
	evt := types.NewEvent(eventType, m.ID, at)
	evt.Attributes["milestoneId"] = m.ID
	evt.Attributes["ngo"] = m.NGO.Hex()
	evt.Attributes["status"] = string(m.Status)
	evt.Attributes["target"] = m.Target.String()
	evt.Attributes["current"] = m.Current.String()
	evt.Attributes["requiredApprovals"] = strconv.FormatUint(uint64(m.RequiredApprovals), 10)
	return evt
}
