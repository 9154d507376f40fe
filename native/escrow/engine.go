package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"givechain/core/events"
	"givechain/core/types"
	"givechain/native/ledger"
	"givechain/native/roster"
)

var errNilStore = errors.New("escrow engine: store not configured")

const (
	maxTitleLength = 200
	maxTxRefLength = 128
	maxProofRef    = 256

	// ReasonDeadlineExpired tags rejections caused by ExpireMilestone.
	ReasonDeadlineExpired = "deadline_expired"
	// ReasonQuorumRejected tags rejections decided by validator votes.
	ReasonQuorumRejected = "quorum_rejected"
)

// MilestoneSpec carries the NGO supplied parameters of a new milestone.
type MilestoneSpec struct {
	NGO               common.Address
	Title             string
	Description       string
	Target            *big.Int
	Deadline          time.Time
	RequiredApprovals uint32
}

// Engine drives the milestone funding lifecycle on top of a ledger store.
type Engine struct {
	store           ledger.Store
	roster          roster.Roster
	emitter         events.Emitter
	nowFn           func() time.Time
	defaultRequired uint32
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine(store ledger.Store) *Engine {
	return &Engine{
		store:           store,
		emitter:         events.NoopEmitter{},
		nowFn:           time.Now,
		defaultRequired: 1,
	}
}

// SetRoster configures the validator roster used to bound required approvals.
func (e *Engine) SetRoster(r roster.Roster) { e.roster = r }

// SetDefaultRequiredApprovals sets R for milestones created without one.
func (e *Engine) SetDefaultRequiredApprovals(required uint32) {
	if required == 0 {
		required = 1
	}
	e.defaultRequired = required
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Store exposes the underlying ledger for read accessors.
func (e *Engine) Store() ledger.Store { return e.store }

func (e *Engine) emit(evts ...*types.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt != nil {
			e.emitter.Emit(events.Wrap(evt))
		}
	}
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn().UTC()
}

// CreateMilestone registers a pending milestone for the NGO.
func (e *Engine) CreateMilestone(ctx context.Context, spec MilestoneSpec) (*ledger.Milestone, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	title := strings.TrimSpace(spec.Title)
	if title == "" || len(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: title must be 1-%d characters", ledger.ErrInvalidInput, maxTitleLength)
	}
	if spec.NGO == (common.Address{}) {
		return nil, fmt.Errorf("%w: ngo address required", ledger.ErrInvalidInput)
	}
	if spec.Target == nil || spec.Target.Sign() <= 0 {
		return nil, fmt.Errorf("%w: target must be positive", ledger.ErrInvalidInput)
	}
	now := e.now()
	if !spec.Deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", ledger.ErrInvalidInput)
	}
	required := spec.RequiredApprovals
	if required == 0 {
		required = e.defaultRequired
	}
	if e.roster != nil && int(required) > e.roster.Size() {
		return nil, fmt.Errorf("%w: %d approvals required but roster has %d validators", ledger.ErrInvalidInput, required, e.roster.Size())
	}
	m := &ledger.Milestone{
		ID:                uuid.NewString(),
		NGO:               spec.NGO,
		Title:             title,
		Description:       strings.TrimSpace(spec.Description),
		Target:            new(big.Int).Set(spec.Target),
		Current:           big.NewInt(0),
		Deadline:          spec.Deadline.UTC(),
		RequiredApprovals: required,
		Status:            ledger.MilestonePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateMilestone(ctx, m); err != nil {
		return nil, err
	}
	e.emit(NewMilestoneCreatedEvent(m, now))
	return m.Clone(), nil
}

// RecordDonation accepts a confirmed donation against the milestone. A
// donation that would push the funded amount past the target is rejected,
// never clamped.
func (e *Engine) RecordDonation(ctx context.Context, milestoneID string, donor common.Address, amount *big.Int, txRef string) (*ledger.Donation, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if donor == (common.Address{}) {
		return nil, fmt.Errorf("%w: donor address required", ledger.ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	txRef = strings.TrimSpace(txRef)
	if len(txRef) > maxTxRefLength {
		return nil, fmt.Errorf("%w: transaction reference too long", ledger.ErrInvalidInput)
	}
	var recorded *ledger.Donation
	_, evts, err := ledger.Apply(ctx, e.store, milestoneID, func(tx *ledger.MilestoneTx) error {
		m := tx.Milestone
		if m.Status == ledger.MilestoneFrozen || m.Status.Closed() {
			return fmt.Errorf("%w: milestone %s is %s", ledger.ErrMilestoneFrozenOrTerminal, m.ID, m.Status)
		}
		next := new(big.Int).Add(m.Current, amount)
		if next.Cmp(m.Target) > 0 {
			return fmt.Errorf("%w: %s would raise %s past target %s", ledger.ErrExceedsTarget, amount, m.Current, m.Target)
		}
		recorded = tx.AddDonation(&ledger.Donation{
			Donor:  donor,
			Amount: amount,
			TxRef:  txRef,
			Status: ledger.DonationConfirmed,
		})
		if m.Status == ledger.MilestonePending {
			if err := tx.SetStatus(ledger.MilestoneInProgress); err != nil {
				return err
			}
		}
		tx.Record("donation.recorded", donor.Hex(), map[string]string{
			"donationId": recorded.ID,
			"amount":     amount.String(),
		})
		tx.Emit(NewDonationRecordedEvent(tx.Milestone, recorded, tx.Now))
		if tx.Milestone.FullyFunded() {
			tx.Emit(NewMilestoneFundedEvent(tx.Milestone, tx.Now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(evts...)
	return recorded.Clone(), nil
}

// SubmitProof attaches the NGO's completion proof and opens the milestone for
// validator review.
func (e *Engine) SubmitProof(ctx context.Context, milestoneID string, ngo common.Address, proofRef string) (*ledger.Milestone, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" || len(proofRef) > maxProofRef {
		return nil, fmt.Errorf("%w: proof reference must be 1-%d bytes", ledger.ErrInvalidInput, maxProofRef)
	}
	m, evts, err := ledger.Apply(ctx, e.store, milestoneID, func(tx *ledger.MilestoneTx) error {
		if tx.Milestone.NGO != ngo {
			return fmt.Errorf("%w: %s does not own milestone %s", ledger.ErrUnauthorized, ngo.Hex(), tx.Milestone.ID)
		}
		if tx.Milestone.Status != ledger.MilestoneInProgress {
			return fmt.Errorf("%w: proof requires in_progress, milestone is %s", ledger.ErrInvalidTransition, tx.Milestone.Status)
		}
		if !tx.Milestone.FullyFunded() {
			return fmt.Errorf("%w: %s of %s raised", ledger.ErrUnderfundedMilestone, tx.Milestone.Current, tx.Milestone.Target)
		}
		tx.Milestone.ProofRef = proofRef
		if err := tx.SetStatus(ledger.MilestoneAwaitingApproval); err != nil {
			return err
		}
		tx.Record("proof.submitted", ngo.Hex(), map[string]string{"proofRef": proofRef})
		tx.Emit(NewProofSubmittedEvent(tx.Milestone, tx.Now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(evts...)
	return m, nil
}

// ExpireMilestone rejects a milestone whose review window has closed without
// a quorum decision.
func (e *Engine) ExpireMilestone(ctx context.Context, milestoneID string) (*ledger.Milestone, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	m, evts, err := ledger.Apply(ctx, e.store, milestoneID, func(tx *ledger.MilestoneTx) error {
		if tx.Milestone.Status != ledger.MilestoneAwaitingApproval {
			return fmt.Errorf("%w: milestone is %s", ledger.ErrMilestoneNotAwaitingApproval, tx.Milestone.Status)
		}
		if !tx.Now.After(tx.Milestone.Deadline) {
			return fmt.Errorf("%w: deadline %s", ledger.ErrDeadlineNotReached, tx.Milestone.Deadline.Format(time.RFC3339))
		}
		return FinalizeRejection(tx, ReasonDeadlineExpired, "system")
	})
	if err != nil {
		return nil, err
	}
	e.emit(evts...)
	return m, nil
}

// FinalizeRelease approves the milestone and releases every confirmed
// donation to the NGO inside the caller's transaction. A single release
// instruction for the released total is staged for the wallet.
func FinalizeRelease(tx *ledger.MilestoneTx, actor string) error {
	if tx.Milestone.Status != ledger.MilestoneAwaitingApproval {
		return fmt.Errorf("%w: milestone is %s", ledger.ErrMilestoneNotAwaitingApproval, tx.Milestone.Status)
	}
	if err := tx.SetStatus(ledger.MilestoneApproved); err != nil {
		return err
	}
	tx.Emit(NewApprovedEvent(tx.Milestone, tx.Now))
	if err := tx.SetStatus(ledger.MilestoneReleased); err != nil {
		return err
	}
	released := big.NewInt(0)
	for _, d := range tx.Donations {
		if d.Status != ledger.DonationConfirmed {
			continue
		}
		if err := tx.SetDonationStatus(d, ledger.DonationReleased); err != nil {
			return err
		}
		released.Add(released, d.Amount)
	}
	tx.Milestone.DecidedAt = tx.Now
	if released.Sign() > 0 {
		tx.Instruct(ledger.InstructionRelease, "", tx.Milestone.NGO, released)
	}
	tx.Record("milestone.released", actor, map[string]string{"amount": released.String()})
	tx.Emit(NewReleasedEvent(tx.Milestone, released.String(), tx.Now))
	return nil
}

// FinalizeRejection closes the milestone as rejected inside the caller's
// transaction. Donations stay confirmed and become refundable.
func FinalizeRejection(tx *ledger.MilestoneTx, reason, actor string) error {
	if tx.Milestone.Status != ledger.MilestoneAwaitingApproval {
		return fmt.Errorf("%w: milestone is %s", ledger.ErrMilestoneNotAwaitingApproval, tx.Milestone.Status)
	}
	if err := tx.SetStatus(ledger.MilestoneRejected); err != nil {
		return err
	}
	tx.Milestone.DecidedAt = tx.Now
	tx.Record("milestone.rejected", actor, map[string]string{"reason": reason})
	tx.Emit(NewRejectedEvent(tx.Milestone, reason, tx.Now))
	return nil
}
