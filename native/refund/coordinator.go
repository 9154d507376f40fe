// Package refund returns escrowed donations to their donors when a milestone
// is frozen or rejected.
package refund

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"givechain/core/events"
	"givechain/core/types"
	"givechain/native/escrow"
	"givechain/native/ledger"
)

const (
	EventTypeDonationRefunded = "refund.donation.refunded"
	EventTypeMilestoneSettled = "refund.milestone.settled"
)

// Withdrawal is the outcome of a successful Withdraw.
type Withdrawal struct {
	Donation    *ledger.Donation    `json:"donation"`
	Instruction *ledger.Instruction `json:"instruction"`
}

// Claim lists the donations a donor can currently withdraw.
type Claim struct {
	Donor     common.Address     `json:"donor"`
	Donations []*ledger.Donation `json:"donations"`
	Total     *big.Int           `json:"total"`
}

// Coordinator moves refundable donations back to their donors.
type Coordinator struct {
	store   ledger.Store
	emitter events.Emitter
}

// NewCoordinator binds the coordinator to the ledger store.
func NewCoordinator(store ledger.Store) *Coordinator {
	return &Coordinator{store: store, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil discards events.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	c.emitter = emitter
}

// Withdraw refunds a single confirmed donation to its donor. The milestone
// must be frozen or rejected, and only the original donor may withdraw. The
// donation is marked refunded and the wallet instruction staged in one commit,
// so a second withdrawal always fails with ErrAlreadyRefunded.
func (c *Coordinator) Withdraw(ctx context.Context, donationID string, caller common.Address) (*Withdrawal, error) {
	d, err := c.store.Donation(ctx, donationID)
	if err != nil {
		return nil, err
	}
	out := &Withdrawal{}
	_, evts, err := ledger.Apply(ctx, c.store, d.MilestoneID, func(tx *ledger.MilestoneTx) error {
		m := tx.Milestone
		if !m.Status.Refundable() {
			return fmt.Errorf("%w: milestone %s is %s", ledger.ErrNotRefundable, m.ID, m.Status)
		}
		donation := tx.Donation(donationID)
		if donation == nil {
			return fmt.Errorf("%w: donation %s", ledger.ErrNotFound, donationID)
		}
		if donation.Status == ledger.DonationRefunded {
			return fmt.Errorf("%w: donation %s", ledger.ErrAlreadyRefunded, donation.ID)
		}
		if donation.Donor != caller {
			return fmt.Errorf("%w: %s did not make donation %s", ledger.ErrUnauthorized, caller.Hex(), donation.ID)
		}
		if donation.Status != ledger.DonationConfirmed {
			return fmt.Errorf("%w: donation %s is %s", ledger.ErrNotRefundable, donation.ID, donation.Status)
		}
		ins, err := refund(tx, donation, caller.Hex())
		if err != nil {
			return err
		}
		out.Donation = donation.Clone()
		out.Instruction = ins
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(evts)
	return out, nil
}

// Refundable lists the donor's confirmed donations whose milestones are
// frozen or rejected.
func (c *Coordinator) Refundable(ctx context.Context, donor common.Address) (*Claim, error) {
	donations, err := c.store.Donations(ctx, ledger.DonationFilter{Donor: donor, Status: ledger.DonationConfirmed})
	if err != nil {
		return nil, err
	}
	claim := &Claim{Donor: donor, Total: big.NewInt(0)}
	statuses := make(map[string]ledger.MilestoneStatus)
	for _, d := range donations {
		status, ok := statuses[d.MilestoneID]
		if !ok {
			m, err := c.store.Milestone(ctx, d.MilestoneID)
			if err != nil {
				return nil, err
			}
			status = m.Status
			statuses[d.MilestoneID] = status
		}
		if !status.Refundable() {
			continue
		}
		claim.Donations = append(claim.Donations, d)
		claim.Total.Add(claim.Total, d.Amount)
	}
	return claim, nil
}

// SettleRefunds closes a frozen milestone by refunding every confirmed
// donation and moving it to refunded. Donors that already withdrew are
// skipped.
func (c *Coordinator) SettleRefunds(ctx context.Context, milestoneID, actor string) (*ledger.Milestone, []*ledger.Instruction, error) {
	var staged []*ledger.Instruction
	m, evts, err := ledger.Apply(ctx, c.store, milestoneID, func(tx *ledger.MilestoneTx) error {
		if tx.Milestone.Status != ledger.MilestoneFrozen {
			return fmt.Errorf("%w: milestone %s is %s", ledger.ErrNotRefundable, tx.Milestone.ID, tx.Milestone.Status)
		}
		refunded := big.NewInt(0)
		for _, d := range tx.Donations {
			if d.Status != ledger.DonationConfirmed {
				continue
			}
			ins, err := refund(tx, d, actor)
			if err != nil {
				return err
			}
			staged = append(staged, ins)
			refunded.Add(refunded, d.Amount)
		}
		tx.Milestone.DecidedAt = tx.Now
		if err := tx.SetStatus(ledger.MilestoneRefunded); err != nil {
			return err
		}
		tx.Record("milestone.refunded", actor, map[string]string{
			"amount":    refunded.String(),
			"donations": fmt.Sprint(len(staged)),
		})
		evt := escrow.NewMilestoneEvent(EventTypeMilestoneSettled, tx.Milestone, tx.Now)
		evt.Attributes["refunded"] = refunded.String()
		tx.Emit(evt)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	c.emit(evts)
	return m, staged, nil
}

func refund(tx *ledger.MilestoneTx, d *ledger.Donation, actor string) (*ledger.Instruction, error) {
	if err := tx.SetDonationStatus(d, ledger.DonationRefunded); err != nil {
		return nil, err
	}
	ins := tx.Instruct(ledger.InstructionRefund, d.ID, d.Donor, d.Amount)
	tx.Record("donation.refunded", actor, map[string]string{
		"donationId": d.ID,
		"donor":      d.Donor.Hex(),
		"amount":     d.Amount.String(),
	})
	tx.Emit(newRefundEvent(tx.Milestone, d, tx.Now))
	return ins, nil
}

func (c *Coordinator) emit(evts []*types.Event) {
	for _, evt := range evts {
		c.emitter.Emit(events.Wrap(evt))
	}
}

func newRefundEvent(m *ledger.Milestone, d *ledger.Donation, at time.Time) *types.Event {
	evt := types.NewEvent(EventTypeDonationRefunded, d.ID, at)
	evt.Attributes["milestoneId"] = m.ID
	evt.Attributes["donationId"] = d.ID
	evt.Attributes["donor"] = d.Donor.Hex()
	evt.Attributes["amount"] = d.Amount.String()
	evt.Attributes["milestoneStatus"] = string(m.Status)
	return evt
}
