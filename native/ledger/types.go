package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MilestoneStatus represents the lifecycle of a fundable unit of NGO work.
type MilestoneStatus string

const (
	MilestonePending          MilestoneStatus = "pending"
	MilestoneInProgress       MilestoneStatus = "in_progress"
	MilestoneAwaitingApproval MilestoneStatus = "awaiting_approval"
	MilestoneApproved         MilestoneStatus = "approved"
	MilestoneReleased         MilestoneStatus = "released"
	MilestoneRejected         MilestoneStatus = "rejected"
	// MilestoneFrozen is the fraud override. The status held before the freeze
	// is kept in Milestone.FrozenFrom so an unfreeze can restore it exactly.
	MilestoneFrozen   MilestoneStatus = "frozen"
	MilestoneRefunded MilestoneStatus = "refunded"
)

// Valid reports whether the status value is one of the supported states.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneAwaitingApproval, MilestoneApproved,
		MilestoneReleased, MilestoneRejected, MilestoneFrozen, MilestoneRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the milestone is archival and accepts no further
// changes.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// Closed reports whether the milestone can no longer be funded, voted on or
// frozen. Rejected milestones are closed but still allow refunds.
func (s MilestoneStatus) Closed() bool {
	return s.Terminal() || s == MilestoneRejected
}

// Refundable reports whether donations against a milestone in this status may
// be withdrawn.
func (s MilestoneStatus) Refundable() bool {
	return s == MilestoneFrozen || s == MilestoneRejected
}

// DonationStatus represents the state of a single donor pledge.
type DonationStatus string

const (
	DonationPending   DonationStatus = "pending"
	DonationConfirmed DonationStatus = "confirmed"
	DonationReleased  DonationStatus = "released"
	DonationRefunded  DonationStatus = "refunded"
)

// Valid reports whether the status value is supported.
func (s DonationStatus) Valid() bool {
	switch s {
	case DonationPending, DonationConfirmed, DonationReleased, DonationRefunded:
		return true
	default:
		return false
	}
}

// Funded reports whether the donation counts towards the milestone's funded
// amount. Refunded donations keep counting: the historical total is preserved
// for audit.
func (s DonationStatus) Funded() bool {
	return s == DonationConfirmed || s == DonationReleased || s == DonationRefunded
}

// AlertStatus represents the review state of a fraud alert.
type AlertStatus string

const (
	AlertActive    AlertStatus = "active"
	AlertResolved  AlertStatus = "resolved"
	AlertDismissed AlertStatus = "dismissed"
)

// Valid reports whether the status value is supported.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertActive, AlertResolved, AlertDismissed:
		return true
	default:
		return false
	}
}

// AlertKind enumerates the fraud signals supported by the controller.
type AlertKind string

const (
	AlertSuspiciousActivity AlertKind = "suspicious_activity"
	AlertFailedMilestone    AlertKind = "failed_milestone"
	AlertInvalidProof       AlertKind = "invalid_proof"
	AlertUnusualWithdrawal  AlertKind = "unusual_withdrawal"
)

// Valid reports whether the kind is supported.
func (k AlertKind) Valid() bool {
	switch k {
	case AlertSuspiciousActivity, AlertFailedMilestone, AlertInvalidProof, AlertUnusualWithdrawal:
		return true
	default:
		return false
	}
}

// Severity grades a fraud alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is supported.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// VoteDecision is a validator's attestation outcome.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
)

// Valid reports whether the decision is supported.
func (d VoteDecision) Valid() bool {
	return d == VoteApprove || d == VoteReject
}

// InstructionKind identifies the value transfer requested from the wallet
// collaborator.
type InstructionKind string

const (
	InstructionRelease InstructionKind = "release"
	InstructionRefund  InstructionKind = "refund"
)

// InstructionStatus tracks outbox delivery.
type InstructionStatus string

const (
	InstructionPending InstructionStatus = "pending"
	InstructionSent    InstructionStatus = "sent"
)

// Milestone captures the funding target, proof and approval state of a unit of
// NGO work.
type Milestone struct {
	ID                string          `json:"id"`
	NGO               common.Address  `json:"ngo"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Target            *big.Int        `json:"target"`
	Current           *big.Int        `json:"current"`
	Deadline          time.Time       `json:"deadline"`
	ProofRef          string          `json:"proofRef,omitempty"`
	RequiredApprovals uint32          `json:"requiredApprovals"`
	Status            MilestoneStatus `json:"status"`
	FrozenFrom        MilestoneStatus `json:"frozenFrom,omitempty"`
	FrozenBy          string          `json:"frozenBy,omitempty"`
	Freezes           uint32          `json:"freezes"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	DecidedAt         time.Time       `json:"decidedAt,omitempty"`
}

// Clone returns a deep copy of the milestone so callers can safely mutate the
// copy without affecting the stored instance.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Target = cloneBigInt(m.Target)
	clone.Current = cloneBigInt(m.Current)
	return &clone
}

// Remaining returns the amount still required to reach the target.
func (m *Milestone) Remaining() *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	rest := new(big.Int).Sub(cloneBigInt(m.Target), cloneBigInt(m.Current))
	if rest.Sign() < 0 {
		return big.NewInt(0)
	}
	return rest
}

// FullyFunded reports whether the funded amount has reached the target.
func (m *Milestone) FullyFunded() bool {
	if m == nil {
		return false
	}
	return cloneBigInt(m.Current).Cmp(cloneBigInt(m.Target)) >= 0
}

// Donation is a donor's pledge toward one milestone.
type Donation struct {
	ID          string         `json:"id"`
	MilestoneID string         `json:"milestoneId"`
	Donor       common.Address `json:"donor"`
	Amount      *big.Int       `json:"amount"`
	TxRef       string         `json:"txRef,omitempty"`
	Status      DonationStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy of the donation.
func (d *Donation) Clone() *Donation {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneBigInt(d.Amount)
	return &clone
}

// Vote is one validator's attestation for one milestone.
type Vote struct {
	MilestoneID string         `json:"milestoneId"`
	Validator   common.Address `json:"validator"`
	Decision    VoteDecision   `json:"decision"`
	Comment     string         `json:"comment,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Clone returns a copy of the vote.
func (v *Vote) Clone() *Vote {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// FraudAlert flags a risk against an NGO or one of its milestones. An empty
// MilestoneID marks an NGO-wide alert.
type FraudAlert struct {
	ID          string         `json:"id"`
	NGO         common.Address `json:"ngo"`
	MilestoneID string         `json:"milestoneId,omitempty"`
	Kind        AlertKind      `json:"kind"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description,omitempty"`
	Reporter    common.Address `json:"reporter"`
	Status      AlertStatus    `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone returns a copy of the alert.
func (a *FraudAlert) Clone() *FraudAlert {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// Targets reports whether the alert applies to the supplied milestone, either
// directly or through an NGO-wide alert.
func (a *FraudAlert) Targets(m *Milestone) bool {
	if a == nil || m == nil {
		return false
	}
	if a.MilestoneID != "" {
		return a.MilestoneID == m.ID
	}
	return a.NGO == m.NGO
}

// Instruction is a release or refund order for the wallet collaborator. It is
// written in the same mutation as the state change that requires it.
type Instruction struct {
	ID          string            `json:"id"`
	Kind        InstructionKind   `json:"kind"`
	MilestoneID string            `json:"milestoneId"`
	DonationID  string            `json:"donationId,omitempty"`
	Recipient   common.Address    `json:"recipient"`
	Amount      *big.Int          `json:"amount"`
	Status      InstructionStatus `json:"status"`
	WalletRef   string            `json:"walletRef,omitempty"`
	Attempts    uint32            `json:"attempts"`
	LastError   string            `json:"lastError,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	SentAt      time.Time         `json:"sentAt,omitempty"`
}

// Clone returns a deep copy of the instruction.
func (i *Instruction) Clone() *Instruction {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Amount = cloneBigInt(i.Amount)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SumDonations totals the amounts of the donations whose status satisfies
// keep. A nil keep sums every donation.
func SumDonations(donations []*Donation, keep func(DonationStatus) bool) *big.Int {
	total := big.NewInt(0)
	for _, d := range donations {
		if d == nil {
			continue
		}
		if keep != nil && !keep(d.Status) {
			continue
		}
		total.Add(total, cloneBigInt(d.Amount))
	}
	return total
}
