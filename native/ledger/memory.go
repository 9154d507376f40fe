package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps the ledger in process memory. It is safe for concurrent
// use and backs tests and single-node development deployments.
type MemoryStore struct {
	// LockTimeout bounds how long a mutation waits for the milestone lock.
	LockTimeout time.Duration

	mu           sync.RWMutex
	milestones   map[string]*Milestone
	donations    map[string]*Donation
	byMilestone  map[string][]string
	votes        map[string]map[common.Address]*Vote
	alerts       map[string]*FraudAlert
	instructions map[string]*Instruction
	outbox       []string
	audit        map[string][]*AuditRecord
	expenses     map[string]*Expense
	ngos         map[common.Address]*NGO

	locks *KeyLocks
	nowFn func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		LockTimeout:  defaultLockTimeout,
		milestones:   make(map[string]*Milestone),
		donations:    make(map[string]*Donation),
		byMilestone:  make(map[string][]string),
		votes:        make(map[string]map[common.Address]*Vote),
		alerts:       make(map[string]*FraudAlert),
		instructions: make(map[string]*Instruction),
		audit:        make(map[string][]*AuditRecord),
		expenses:     make(map[string]*Expense),
		ngos:         make(map[common.Address]*NGO),
		locks:        NewKeyLocks(),
		nowFn:        time.Now,
	}
}

// SetNowFunc overrides the clock used for transaction timestamps.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

func (s *MemoryStore) now() time.Time {
	s.mu.RLock()
	fn := s.nowFn
	s.mu.RUnlock()
	return fn().UTC()
}

// CreateMilestone inserts a new pending milestone.
func (s *MemoryStore) CreateMilestone(ctx context.Context, m *Milestone) error {
	if err := ValidateNewMilestone(m); err != nil {
		return err
	}
	now := s.now()
	clone := m.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.milestones[clone.ID]; exists {
		return fmt.Errorf("%w: milestone %s already exists", ErrInvalidInput, clone.ID)
	}
	s.milestones[clone.ID] = clone
	s.audit[clone.ID] = []*AuditRecord{ChainAudit(nil, clone.ID, AuditEntry{
		Event:   "milestone.created",
		Actor:   clone.NGO.Hex(),
		Details: map[string]string{"target": clone.Target.String()},
	}, clone.CreatedAt)}
	return nil
}

// Milestone returns a copy of the milestone.
func (s *MemoryStore) Milestone(ctx context.Context, id string) (*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

// Milestones lists milestones matching the filter ordered by creation time.
func (s *MemoryStore) Milestones(ctx context.Context, filter MilestoneFilter) ([]*Milestone, error) {
	s.mu.RLock()
	out := make([]*Milestone, 0, len(s.milestones))
	for _, m := range s.milestones {
		if filter.Match(m) {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MutateMilestone applies fn under the milestone lock and commits the result
// if it passes CheckCommit.
func (s *MemoryStore) MutateMilestone(ctx context.Context, id string, fn func(*MilestoneTx) error) (*Milestone, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil transform", ErrInvalidInput)
	}
	id = strings.TrimSpace(id)
	release, err := s.locks.Acquire(ctx, id, s.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := s.begin(id)
	if err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := CheckCommit(tx); err != nil {
		return nil, err
	}
	s.commit(tx)
	return tx.Milestone.Clone(), nil
}

func (s *MemoryStore) begin(id string) (*MilestoneTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, id)
	}
	donations := make([]*Donation, 0, len(s.byMilestone[id]))
	for _, did := range s.byMilestone[id] {
		donations = append(donations, s.donations[did])
	}
	votes := make([]*Vote, 0, len(s.votes[id]))
	for _, v := range s.votes[id] {
		votes = append(votes, v)
	}
	var alerts []*FraudAlert
	for _, a := range s.alerts {
		if a.Targets(m) {
			alerts = append(alerts, a)
		}
	}
	sortAlerts(alerts)
	return NewMilestoneTx(m, donations, votes, alerts, s.nowFn()), nil
}

func (s *MemoryStore) commit(tx *MilestoneTx) {
	id := tx.Milestone.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.milestones[id] = tx.Milestone.Clone()
	for _, d := range tx.DirtyDonations() {
		if _, exists := s.donations[d.ID]; !exists {
			s.byMilestone[id] = append(s.byMilestone[id], d.ID)
		}
		s.donations[d.ID] = d
	}
	dirtyVotes := tx.DirtyVotes()
	if len(dirtyVotes) > 0 && s.votes[id] == nil {
		s.votes[id] = make(map[common.Address]*Vote)
	}
	for _, v := range dirtyVotes {
		s.votes[id][v.Validator] = v
	}
	for _, ins := range tx.Instructions() {
		s.instructions[ins.ID] = ins
		s.outbox = append(s.outbox, ins.ID)
	}
	chain := s.audit[id]
	for _, entry := range tx.AuditEntries() {
		var prev *AuditRecord
		if len(chain) > 0 {
			prev = chain[len(chain)-1]
		}
		chain = append(chain, ChainAudit(prev, id, entry, tx.Now))
	}
	s.audit[id] = chain
}

// Donation returns a copy of the donation.
func (s *MemoryStore) Donation(ctx context.Context, id string) (*Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.donations[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: donation %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

// Donations lists donations matching the filter ordered by creation time.
func (s *MemoryStore) Donations(ctx context.Context, filter DonationFilter) ([]*Donation, error) {
	s.mu.RLock()
	out := make([]*Donation, 0)
	for _, d := range s.donations {
		if filter.Match(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()
	SortDonations(out)
	return out, nil
}

// Votes returns the current vote set of a milestone ordered by validator.
func (s *MemoryStore) Votes(ctx context.Context, milestoneID string) ([]*Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.milestones[milestoneID]; !ok {
		return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
	}
	out := make([]*Vote, 0, len(s.votes[milestoneID]))
	for _, v := range s.votes[milestoneID] {
		out = append(out, v.Clone())
	}
	SortVotes(out)
	return out, nil
}

// CreateAlert inserts a new active alert.
func (s *MemoryStore) CreateAlert(ctx context.Context, a *FraudAlert) error {
	if err := ValidateNewAlert(a); err != nil {
		return err
	}
	clone := a.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	clone.UpdatedAt = clone.CreatedAt
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[clone.ID]; exists {
		return fmt.Errorf("%w: alert %s already exists", ErrInvalidInput, clone.ID)
	}
	if clone.MilestoneID != "" {
		m, ok := s.milestones[clone.MilestoneID]
		if !ok {
			return fmt.Errorf("%w: milestone %s", ErrNotFound, clone.MilestoneID)
		}
		if m.NGO != clone.NGO {
			return fmt.Errorf("%w: milestone %s is not owned by %s", ErrInvalidInput, m.ID, clone.NGO.Hex())
		}
	}
	s.alerts[clone.ID] = clone
	return nil
}

// Alert returns a copy of the alert.
func (s *MemoryStore) Alert(ctx context.Context, id string) (*FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// Alerts lists alerts matching the filter ordered by creation time.
func (s *MemoryStore) Alerts(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error) {
	s.mu.RLock()
	out := make([]*FraudAlert, 0)
	for _, a := range s.alerts {
		if filter.Match(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()
	sortAlerts(out)
	return out, nil
}

// MutateAlert applies fn to a copy of the alert and commits it when the
// update is legal.
func (s *MemoryStore) MutateAlert(ctx context.Context, id string, fn func(*FraudAlert) error) (*FraudAlert, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil transform", ErrInvalidInput)
	}
	id = strings.TrimSpace(id)
	release, err := s.locks.Acquire(ctx, "alert:"+id, s.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := s.Alert(ctx, id)
	if err != nil {
		return nil, err
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := ValidateAlertUpdate(prev, next); err != nil {
		return nil, err
	}
	if next.Status != prev.Status {
		next.UpdatedAt = s.now()
	}
	s.mu.Lock()
	s.alerts[id] = next.Clone()
	s.mu.Unlock()
	return next, nil
}

// PendingInstructions returns undelivered instructions in creation order. A
// non-positive limit returns all of them.
func (s *MemoryStore) PendingInstructions(ctx context.Context, limit int) ([]*Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instruction, 0)
	for _, id := range s.outbox {
		ins := s.instructions[id]
		if ins.Status != InstructionPending {
			continue
		}
		out = append(out, ins.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkInstructionSent records a successful delivery. Marking an instruction
// that is already sent fails with ErrInvalidTransition.
func (s *MemoryStore) MarkInstructionSent(ctx context.Context, id, walletRef string, at time.Time) (*Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.instructions[id]
	if !ok {
		return nil, fmt.Errorf("%w: instruction %s", ErrNotFound, id)
	}
	if ins.Status == InstructionSent {
		return nil, fmt.Errorf("%w: instruction %s already sent", ErrInvalidTransition, id)
	}
	ins.Status = InstructionSent
	ins.WalletRef = walletRef
	ins.Attempts++
	ins.LastError = ""
	ins.SentAt = at.UTC()
	return ins.Clone(), nil
}

// MarkInstructionFailed records a failed delivery attempt. The instruction
// stays pending.
func (s *MemoryStore) MarkInstructionFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.instructions[id]
	if !ok {
		return fmt.Errorf("%w: instruction %s", ErrNotFound, id)
	}
	if ins.Status == InstructionSent {
		return fmt.Errorf("%w: instruction %s already sent", ErrInvalidTransition, id)
	}
	ins.Attempts++
	ins.LastError = reason
	return nil
}

// AuditTrail returns the milestone's audit chain.
func (s *MemoryStore) AuditTrail(ctx context.Context, milestoneID string) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.audit[milestoneID]
	if !ok {
		return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
	}
	out := make([]*AuditRecord, 0, len(chain))
	for _, r := range chain {
		out = append(out, r.Clone())
	}
	return out, nil
}

// CreateExpense inserts a pending expense.
func (s *MemoryStore) CreateExpense(ctx context.Context, e *Expense) error {
	if err := ValidateNewExpense(e); err != nil {
		return err
	}
	clone := e.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	clone.UpdatedAt = clone.CreatedAt
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.expenses[clone.ID]; exists {
		return fmt.Errorf("%w: expense %s already exists", ErrInvalidInput, clone.ID)
	}
	m, ok := s.milestones[clone.MilestoneID]
	if !ok {
		return fmt.Errorf("%w: milestone %s", ErrNotFound, clone.MilestoneID)
	}
	if m.NGO != clone.NGO {
		return fmt.Errorf("%w: milestone %s is not owned by %s", ErrInvalidInput, m.ID, clone.NGO.Hex())
	}
	s.expenses[clone.ID] = clone
	return nil
}

// Expense returns a copy of the expense.
func (s *MemoryStore) Expense(ctx context.Context, id string) (*Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expenses[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: expense %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

// Expenses lists expenses matching the filter ordered by creation time.
func (s *MemoryStore) Expenses(ctx context.Context, filter ExpenseFilter) ([]*Expense, error) {
	s.mu.RLock()
	out := make([]*Expense, 0)
	for _, e := range s.expenses {
		if filter.Match(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()
	SortExpenses(out)
	return out, nil
}

// MutateExpense applies fn to a copy of the expense and commits it when the
// update is legal.
func (s *MemoryStore) MutateExpense(ctx context.Context, id string, fn func(*Expense) error) (*Expense, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil transform", ErrInvalidInput)
	}
	id = strings.TrimSpace(id)
	release, err := s.locks.Acquire(ctx, "expense:"+id, s.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := s.Expense(ctx, id)
	if err != nil {
		return nil, err
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := ValidateExpenseUpdate(prev, next); err != nil {
		return nil, err
	}
	if next.Status != prev.Status {
		next.UpdatedAt = s.now()
	}
	s.mu.Lock()
	s.expenses[id] = next.Clone()
	s.mu.Unlock()
	return next, nil
}

// PutNGO inserts or replaces a registry profile.
func (s *MemoryStore) PutNGO(ctx context.Context, n *NGO) (*NGO, error) {
	if err := ValidateNGO(n); err != nil {
		return nil, err
	}
	now := s.now()
	clone := n.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.ngos[clone.Address]; ok {
		clone.CreatedAt = prev.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.ngos[clone.Address] = clone
	return clone.Clone(), nil
}

// NGO returns a copy of the registry profile.
func (s *MemoryStore) NGO(ctx context.Context, address common.Address) (*NGO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.ngos[address]
	if !ok {
		return nil, fmt.Errorf("%w: ngo %s", ErrNotFound, address.Hex())
	}
	return n.Clone(), nil
}

// NGOs lists profiles matching the filter ordered by name.
func (s *MemoryStore) NGOs(ctx context.Context, filter NGOFilter) ([]*NGO, error) {
	s.mu.RLock()
	out := make([]*NGO, 0, len(s.ngos))
	for _, n := range s.ngos {
		if filter.Match(n) {
			out = append(out, n.Clone())
		}
	}
	s.mu.RUnlock()
	SortNGOs(out)
	return out, nil
}

func sortAlerts(alerts []*FraudAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
