package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"givechain/core/types"
)

// MilestoneFilter narrows milestone listings. Zero values match everything.
type MilestoneFilter struct {
	NGO    common.Address
	Status MilestoneStatus
}

// Match reports whether the milestone satisfies the filter.
func (f MilestoneFilter) Match(m *Milestone) bool {
	if f.NGO != (common.Address{}) && m.NGO != f.NGO {
		return false
	}
	return f.Status == "" || m.Status == f.Status
}

// DonationFilter narrows donation listings. Zero values match everything.
type DonationFilter struct {
	MilestoneID string
	Donor       common.Address
	Status      DonationStatus
}

// Match reports whether the donation satisfies the filter.
func (f DonationFilter) Match(d *Donation) bool {
	if f.MilestoneID != "" && d.MilestoneID != f.MilestoneID {
		return false
	}
	if f.Donor != (common.Address{}) && d.Donor != f.Donor {
		return false
	}
	return f.Status == "" || d.Status == f.Status
}

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	NGO         common.Address
	MilestoneID string
	Status      AlertStatus
}

// Match reports whether the alert satisfies the filter.
func (f AlertFilter) Match(a *FraudAlert) bool {
	if f.NGO != (common.Address{}) && a.NGO != f.NGO {
		return false
	}
	if f.MilestoneID != "" && a.MilestoneID != f.MilestoneID {
		return false
	}
	return f.Status == "" || a.Status == f.Status
}

// Store is the durable record of milestones, donations, votes, fraud alerts,
// payout instructions and audit records, plus the expense reports and NGO
// profiles kept beside them. MutateMilestone is the only way to change a
// milestone or anything attached to it.
type Store interface {
	CreateMilestone(ctx context.Context, m *Milestone) error
	Milestone(ctx context.Context, id string) (*Milestone, error)
	Milestones(ctx context.Context, filter MilestoneFilter) ([]*Milestone, error)
	// MutateMilestone runs fn against a private copy of the milestone state
	// while holding the milestone's lock. The result is checked with
	// CheckCommit and committed atomically; on any error nothing changes.
	MutateMilestone(ctx context.Context, id string, fn func(*MilestoneTx) error) (*Milestone, error)

	Donation(ctx context.Context, id string) (*Donation, error)
	Donations(ctx context.Context, filter DonationFilter) ([]*Donation, error)
	Votes(ctx context.Context, milestoneID string) ([]*Vote, error)

	CreateAlert(ctx context.Context, a *FraudAlert) error
	Alert(ctx context.Context, id string) (*FraudAlert, error)
	Alerts(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error)
	MutateAlert(ctx context.Context, id string, fn func(*FraudAlert) error) (*FraudAlert, error)

	PendingInstructions(ctx context.Context, limit int) ([]*Instruction, error)
	MarkInstructionSent(ctx context.Context, id, walletRef string, at time.Time) (*Instruction, error)
	MarkInstructionFailed(ctx context.Context, id, reason string) error

	AuditTrail(ctx context.Context, milestoneID string) ([]*AuditRecord, error)

	// CreateExpense inserts a pending expense against an existing milestone
	// owned by the expense's NGO.
	CreateExpense(ctx context.Context, e *Expense) error
	Expense(ctx context.Context, id string) (*Expense, error)
	Expenses(ctx context.Context, filter ExpenseFilter) ([]*Expense, error)
	MutateExpense(ctx context.Context, id string, fn func(*Expense) error) (*Expense, error)

	// PutNGO inserts or replaces a registry profile. CreatedAt of an existing
	// profile is preserved.
	PutNGO(ctx context.Context, n *NGO) (*NGO, error)
	NGO(ctx context.Context, address common.Address) (*NGO, error)
	NGOs(ctx context.Context, filter NGOFilter) ([]*NGO, error)
}

// Apply runs a milestone mutation and returns the committed milestone along
// with the events fn staged. Events are only returned when the commit
// succeeded.
func Apply(ctx context.Context, store Store, id string, fn func(*MilestoneTx) error) (*Milestone, []*types.Event, error) {
	var staged []*types.Event
	m, err := store.MutateMilestone(ctx, id, func(tx *MilestoneTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		staged = tx.Events()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return m, staged, nil
}

const defaultLockTimeout = 2 * time.Second

// KeyLocks serialises work per key with a bounded wait. Each key owns a
// one-slot channel; holding the slot is holding the lock.
type KeyLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyLocks constructs an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{slots: make(map[string]chan struct{})}
}

func (l *KeyLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire takes the lock for key, waiting at most timeout or until ctx is
// done. The returned function releases the lock.
func (l *KeyLocks) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	ch := l.slot(key)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrConflict
	}
}
