// Package registry keeps NGO profiles and the expense reports NGOs file
// against their milestones. Validators review expenses; admins verify NGOs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"givechain/core/events"
	"givechain/core/types"
	"givechain/native/ledger"
	"givechain/native/roster"
)

const (
	EventTypeNGORegistered    = "registry.ngo.registered"
	EventTypeNGOVerified      = "registry.ngo.verified"
	EventTypeExpenseSubmitted = "registry.expense.submitted"
	EventTypeExpenseReviewed  = "registry.expense.reviewed"

	maxNameLength     = 200
	maxCategoryLength = 64
	maxNoteLength     = 1000
	maxProofRef       = 256
)

var errNilStore = errors.New("registry: store not configured")

// NGOSpec carries the self-declared part of an NGO profile.
type NGOSpec struct {
	Address     common.Address
	Name        string
	Description string
	Category    string
	Location    string
}

// ExpenseSpec carries an NGO's spending report.
type ExpenseSpec struct {
	MilestoneID string
	Amount      *big.Int
	Category    string
	Description string
	ProofRef    string
}

// Registry owns NGO profiles and expense reports.
type Registry struct {
	store   ledger.Store
	roster  roster.Roster
	emitter events.Emitter
	locks   *ledger.KeyLocks
	nowFn   func() time.Time
}

// New wires the registry to the ledger and the validator roster that may
// review expenses.
func New(store ledger.Store, r roster.Roster) *Registry {
	return &Registry{
		store:   store,
		roster:  r,
		emitter: events.NoopEmitter{},
		locks:   ledger.NewKeyLocks(),
		nowFn:   time.Now,
	}
}

// SetEmitter configures the event emitter. Passing nil discards events.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock used for event timestamps.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

func (r *Registry) now() time.Time { return r.nowFn().UTC() }

func (r *Registry) emit(evt *types.Event) {
	r.emitter.Emit(events.Wrap(evt))
}

// RegisterNGO creates or updates the caller's profile. Verification and
// rating are kept from an existing profile; an NGO cannot verify itself.
func (r *Registry) RegisterNGO(ctx context.Context, spec NGOSpec) (*ledger.NGO, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	if spec.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: ngo address required", ledger.ErrInvalidInput)
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ledger.ErrInvalidInput, maxNameLength)
	}
	category := strings.TrimSpace(spec.Category)
	if category == "" || len(category) > maxCategoryLength {
		return nil, fmt.Errorf("%w: category must be 1-%d characters", ledger.ErrInvalidInput, maxCategoryLength)
	}
	profile := &ledger.NGO{
		Address:     spec.Address,
		Name:        name,
		Description: strings.TrimSpace(spec.Description),
		Category:    category,
		Location:    strings.TrimSpace(spec.Location),
	}
	prev, err := r.store.NGO(ctx, spec.Address)
	switch {
	case err == nil:
		profile.Verified = prev.Verified
		profile.VerifiedBy = prev.VerifiedBy
		profile.Rating = prev.Rating
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, err
	}
	saved, err := r.store.PutNGO(ctx, profile)
	if err != nil {
		return nil, err
	}
	evt := types.NewEvent(EventTypeNGORegistered, saved.Address.Hex(), r.now())
	evt.Attributes["name"] = saved.Name
	evt.Attributes["category"] = saved.Category
	r.emit(evt)
	return saved, nil
}

// Verify records the admin's verification decision and, when rating is not
// nil, the NGO's rating.
func (r *Registry) Verify(ctx context.Context, address common.Address, verified bool, rating *float64, actor string) (*ledger.NGO, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	profile, err := r.store.NGO(ctx, address)
	if err != nil {
		return nil, err
	}
	profile.Verified = verified
	profile.VerifiedBy = ""
	if verified {
		profile.VerifiedBy = actor
	}
	if rating != nil {
		profile.Rating = *rating
	}
	saved, err := r.store.PutNGO(ctx, profile)
	if err != nil {
		return nil, err
	}
	evt := types.NewEvent(EventTypeNGOVerified, saved.Address.Hex(), r.now())
	evt.Attributes["verified"] = strconv.FormatBool(saved.Verified)
	evt.Attributes["rating"] = strconv.FormatFloat(saved.Rating, 'f', 1, 64)
	evt.Attributes["actor"] = actor
	r.emit(evt)
	return saved, nil
}

// RequireVerified fails with ErrNGONotVerified unless the address has a
// verified profile.
func (r *Registry) RequireVerified(ctx context.Context, address common.Address) error {
	profile, err := r.store.NGO(ctx, address)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: %s has no registry profile", ledger.ErrNGONotVerified, address.Hex())
	}
	if err != nil {
		return err
	}
	if !profile.Verified {
		return fmt.Errorf("%w: %s", ledger.ErrNGONotVerified, address.Hex())
	}
	return nil
}

// SubmitExpense files a pending expense against one of the caller's
// milestones. Pending and approved expenses together may not exceed the funds
// the milestone has raised.
func (r *Registry) SubmitExpense(ctx context.Context, caller common.Address, spec ExpenseSpec) (*ledger.Expense, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	if spec.Amount == nil || spec.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	category := strings.TrimSpace(spec.Category)
	if category == "" || len(category) > maxCategoryLength {
		return nil, fmt.Errorf("%w: category must be 1-%d characters", ledger.ErrInvalidInput, maxCategoryLength)
	}
	proof := strings.TrimSpace(spec.ProofRef)
	if proof == "" || len(proof) > maxProofRef {
		return nil, fmt.Errorf("%w: proof reference must be 1-%d characters", ledger.ErrInvalidInput, maxProofRef)
	}

	release, err := r.locks.Acquire(ctx, spec.MilestoneID, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := r.store.Milestone(ctx, spec.MilestoneID)
	if err != nil {
		return nil, err
	}
	if m.NGO != caller {
		return nil, fmt.Errorf("%w: milestone %s is not owned by %s", ledger.ErrUnauthorized, m.ID, caller.Hex())
	}
	if m.Status == ledger.MilestoneFrozen || m.Status == ledger.MilestoneRejected || m.Status == ledger.MilestoneRefunded {
		return nil, fmt.Errorf("%w: milestone is %s", ledger.ErrMilestoneFrozenOrTerminal, m.Status)
	}
	filed, err := r.store.Expenses(ctx, ledger.ExpenseFilter{MilestoneID: m.ID})
	if err != nil {
		return nil, err
	}
	committed := new(big.Int).Set(spec.Amount)
	for _, e := range filed {
		if e.Status != ledger.ExpenseRejected {
			committed.Add(committed, e.Amount)
		}
	}
	if committed.Cmp(m.Current) > 0 {
		return nil, fmt.Errorf("%w: %s reported against %s raised", ledger.ErrExpenseExceedsFunds, committed, m.Current)
	}

	expense := &ledger.Expense{
		ID:          uuid.NewString(),
		MilestoneID: m.ID,
		NGO:         m.NGO,
		Amount:      new(big.Int).Set(spec.Amount),
		Category:    category,
		Description: strings.TrimSpace(spec.Description),
		ProofRef:    proof,
		Status:      ledger.ExpensePending,
		CreatedAt:   r.now(),
	}
	if err := r.store.CreateExpense(ctx, expense); err != nil {
		return nil, err
	}
	r.emit(newExpenseEvent(EventTypeExpenseSubmitted, expense, expense.CreatedAt))
	return expense, nil
}

// ReviewExpense approves or rejects a pending expense. Only roster validators
// may review and a reviewed expense is final.
func (r *Registry) ReviewExpense(ctx context.Context, validator common.Address, expenseID string, decision ledger.ExpenseStatus, note string) (*ledger.Expense, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	if r.roster == nil || !r.roster.IsValidator(validator) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownValidator, validator.Hex())
	}
	if decision != ledger.ExpenseApproved && decision != ledger.ExpenseRejected {
		return nil, fmt.Errorf("%w: decision must be approved or rejected", ledger.ErrInvalidInput)
	}
	note = strings.TrimSpace(note)
	if len(note) > maxNoteLength {
		return nil, fmt.Errorf("%w: note exceeds %d characters", ledger.ErrInvalidInput, maxNoteLength)
	}
	reviewed, err := r.store.MutateExpense(ctx, expenseID, func(e *ledger.Expense) error {
		if e.NGO == validator {
			return fmt.Errorf("%w: an ngo cannot review its own expense", ledger.ErrUnauthorized)
		}
		if e.Status != ledger.ExpensePending {
			return fmt.Errorf("%w: expense %s already %s", ledger.ErrInvalidTransition, e.ID, e.Status)
		}
		e.Status = decision
		e.ReviewedBy = validator
		e.ReviewNote = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	evt := newExpenseEvent(EventTypeExpenseReviewed, reviewed, r.now())
	evt.Attributes["reviewer"] = validator.Hex()
	r.emit(evt)
	return reviewed, nil
}

func newExpenseEvent(eventType string, e *ledger.Expense, at time.Time) *types.Event {
	evt := types.NewEvent(eventType, e.ID, at)
	evt.Attributes["milestoneId"] = e.MilestoneID
	evt.Attributes["ngo"] = e.NGO.Hex()
	evt.Attributes["amount"] = e.Amount.String()
	evt.Attributes["category"] = e.Category
	evt.Attributes["status"] = string(e.Status)
	return evt
}
