// Package levelstore persists the escrow ledger in an embedded LevelDB
// database for single-node deployments that need durability without a SQL
// server.
package levelstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"givechain/native/ledger"
)

// Key layout. Every record is stored as JSON under a typed prefix; the
// secondary prefixes only hold ids.
const (
	milestonePrefix   = "m/"
	donationPrefix    = "d/"
	byMilestonePrefix = "md/"
	votePrefix        = "v/"
	alertPrefix       = "a/"
	instructionPrefix = "i/"
	outboxPrefix      = "o/"
	auditPrefix       = "au/"
	expensePrefix     = "e/"
	ngoPrefix         = "n/"
	outboxSeqKey      = "seq/outbox"
)

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Store implements ledger.Store on LevelDB. Writes go through LevelDB
// transactions, so a failed mutation leaves nothing behind.
type Store struct {
	// LockTimeout bounds how long a mutation waits for the milestone lock.
	LockTimeout time.Duration

	db    *leveldb.DB
	locks *ledger.KeyLocks
	nowFn func() time.Time
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("levelstore: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("levelstore: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("levelstore: open %s: %w", abs, err)
	}
	return New(db), nil
}

// New wraps an open database handle.
func New(db *leveldb.DB) *Store {
	return &Store{
		LockTimeout: 2 * time.Second,
		db:          db,
		locks:       ledger.NewKeyLocks(),
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the clock used for transaction timestamps.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// update runs fn inside a LevelDB transaction and commits when it succeeds.
func (s *Store) update(ctx context.Context, fn func(tr *leveldb.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("levelstore: open transaction: %w", err)
	}
	if err := fn(tr); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("levelstore: commit: %w", err)
	}
	return nil
}

func getJSON(r reader, key string, kind, id string, out any) error {
	raw, err := r.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, kind, id)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("levelstore: decode %s %s: %w", kind, id, err)
	}
	return nil
}

func putJSON(tr *leveldb.Transaction, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return tr.Put([]byte(key), raw, nil)
}

// scan calls fn with the value of every key under prefix in key order.
func scan(r reader, prefix string, fn func(key, value []byte) error) error {
	iter := r.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func sequenceKey(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%020d", prefix, seq)
}

// CreateMilestone inserts a new pending milestone together with the genesis
// audit record.
func (s *Store) CreateMilestone(ctx context.Context, m *ledger.Milestone) error {
	if err := ledger.ValidateNewMilestone(m); err != nil {
		return err
	}
	clone := m.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	clone.UpdatedAt = clone.CreatedAt
	genesis := ledger.ChainAudit(nil, clone.ID, ledger.AuditEntry{
		Event:   "milestone.created",
		Actor:   clone.NGO.Hex(),
		Details: map[string]string{"target": clone.Target.String()},
	}, clone.CreatedAt)
	return s.update(ctx, func(tr *leveldb.Transaction) error {
		exists, err := tr.Has([]byte(milestonePrefix+clone.ID), nil)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: milestone %s already exists", ledger.ErrInvalidInput, clone.ID)
		}
		if err := putJSON(tr, milestonePrefix+clone.ID, clone); err != nil {
			return err
		}
		return putJSON(tr, sequenceKey(auditPrefix+clone.ID+"/", genesis.Sequence), genesis)
	})
}

// Milestone loads one milestone.
func (s *Store) Milestone(ctx context.Context, id string) (*ledger.Milestone, error) {
	id = strings.TrimSpace(id)
	var m ledger.Milestone
	if err := getJSON(s.db, milestonePrefix+id, "milestone", id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Milestones lists milestones matching the filter ordered by creation time.
func (s *Store) Milestones(ctx context.Context, filter ledger.MilestoneFilter) ([]*ledger.Milestone, error) {
	out := make([]*ledger.Milestone, 0)
	err := scan(s.db, milestonePrefix, func(_, value []byte) error {
		var m ledger.Milestone
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		if filter.Match(&m) {
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MutateMilestone applies fn under the milestone lock and commits the result
// in one LevelDB transaction when it passes CheckCommit.
func (s *Store) MutateMilestone(ctx context.Context, id string, fn func(*ledger.MilestoneTx) error) (*ledger.Milestone, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil transform", ledger.ErrInvalidInput)
	}
	id = strings.TrimSpace(id)
	release, err := s.locks.Acquire(ctx, id, s.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	var committed *ledger.Milestone
	err = s.update(ctx, func(tr *leveldb.Transaction) error {
		tx, err := s.load(tr, id)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		if err := ledger.CheckCommit(tx); err != nil {
			return err
		}
		if err := s.save(tr, tx); err != nil {
			return err
		}
		committed = tx.Milestone.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Store) load(tr *leveldb.Transaction, id string) (*ledger.MilestoneTx, error) {
	var m ledger.Milestone
	if err := getJSON(tr, milestonePrefix+id, "milestone", id, &m); err != nil {
		return nil, err
	}
	donations, err := milestoneDonations(tr, id)
	if err != nil {
		return nil, err
	}
	votes, err := milestoneVotes(tr, id)
	if err != nil {
		return nil, err
	}
	alerts := make([]*ledger.FraudAlert, 0)
	err = scan(tr, alertPrefix, func(_, value []byte) error {
		var a ledger.FraudAlert
		if err := json.Unmarshal(value, &a); err != nil {
			return err
		}
		if a.Targets(&m) {
			alerts = append(alerts, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAlerts(alerts)
	return ledger.NewMilestoneTx(&m, donations, votes, alerts, s.nowFn()), nil
}

func (s *Store) save(tr *leveldb.Transaction, tx *ledger.MilestoneTx) error {
	id := tx.Milestone.ID
	if err := putJSON(tr, milestonePrefix+id, tx.Milestone); err != nil {
		return err
	}
	for _, d := range tx.DirtyDonations() {
		if err := putJSON(tr, donationPrefix+d.ID, d); err != nil {
			return err
		}
		if err := tr.Put([]byte(byMilestonePrefix+id+"/"+d.ID), nil, nil); err != nil {
			return err
		}
	}
	for _, v := range tx.DirtyVotes() {
		if err := putJSON(tr, votePrefix+id+"/"+v.Validator.Hex(), v); err != nil {
			return err
		}
	}
	if instructions := tx.Instructions(); len(instructions) > 0 {
		seq, err := nextSequence(tr, outboxSeqKey, uint64(len(instructions)))
		if err != nil {
			return err
		}
		for i, ins := range instructions {
			if err := putJSON(tr, instructionPrefix+ins.ID, ins); err != nil {
				return err
			}
			if err := tr.Put([]byte(sequenceKey(outboxPrefix, seq+uint64(i))), []byte(ins.ID), nil); err != nil {
				return err
			}
		}
	}
	entries := tx.AuditEntries()
	if len(entries) == 0 {
		return nil
	}
	prev, err := lastAudit(tr, id)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		rec := ledger.ChainAudit(prev, id, entry, tx.Now)
		if err := putJSON(tr, sequenceKey(auditPrefix+id+"/", rec.Sequence), rec); err != nil {
			return err
		}
		prev = rec
	}
	return nil
}

// nextSequence reserves n consecutive values from the counter at key and
// returns the first.
func nextSequence(tr *leveldb.Transaction, key string, n uint64) (uint64, error) {
	var current uint64
	raw, err := tr.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		current = binary.BigEndian.Uint64(raw)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current+n)
	if err := tr.Put([]byte(key), buf, nil); err != nil {
		return 0, err
	}
	return current + 1, nil
}

func lastAudit(r reader, milestoneID string) (*ledger.AuditRecord, error) {
	iter := r.NewIterator(util.BytesPrefix([]byte(auditPrefix+milestoneID+"/")), nil)
	defer iter.Release()
	if !iter.Last() {
		return nil, iter.Error()
	}
	var rec ledger.AuditRecord
	if err := json.Unmarshal(iter.Value(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func milestoneDonations(r reader, milestoneID string) ([]*ledger.Donation, error) {
	prefix := byMilestonePrefix + milestoneID + "/"
	out := make([]*ledger.Donation, 0)
	err := scan(r, prefix, func(key, _ []byte) error {
		did := strings.TrimPrefix(string(key), prefix)
		var d ledger.Donation
		if err := getJSON(r, donationPrefix+did, "donation", did, &d); err != nil {
			return err
		}
		out = append(out, &d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.SortDonations(out)
	return out, nil
}

func milestoneVotes(r reader, milestoneID string) ([]*ledger.Vote, error) {
	out := make([]*ledger.Vote, 0)
	err := scan(r, votePrefix+milestoneID+"/", func(_, value []byte) error {
		var v ledger.Vote
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		out = append(out, &v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.SortVotes(out)
	return out, nil
}

// Donation loads one donation.
func (s *Store) Donation(ctx context.Context, id string) (*ledger.Donation, error) {
	id = strings.TrimSpace(id)
	var d ledger.Donation
	if err := getJSON(s.db, donationPrefix+id, "donation", id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Donations lists donations matching the filter ordered by creation time.
func (s *Store) Donations(ctx context.Context, filter ledger.DonationFilter) ([]*ledger.Donation, error) {
	if filter.MilestoneID != "" {
		all, err := milestoneDonations(s.db, filter.MilestoneID)
		if err != nil {
			return nil, err
		}
		out := make([]*ledger.Donation, 0, len(all))
		for _, d := range all {
			if filter.Match(d) {
				out = append(out, d)
			}
		}
		return out, nil
	}
	out := make([]*ledger.Donation, 0)
	err := scan(s.db, donationPrefix, func(_, value []byte) error {
		var d ledger.Donation
		if err := json.Unmarshal(value, &d); err != nil {
			return err
		}
		if filter.Match(&d) {
			out = append(out, &d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.SortDonations(out)
	return out, nil
}

// Votes returns the current vote set of a milestone ordered by validator.
func (s *Store) Votes(ctx context.Context, milestoneID string) ([]*ledger.Vote, error) {
	exists, err := s.db.Has([]byte(milestonePrefix+milestoneID), nil)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: milestone %s", ledger.ErrNotFound, milestoneID)
	}
	return milestoneVotes(s.db, milestoneID)
}

// CreateAlert inserts a new active alert.
func (s *Store) CreateAlert(ctx context.Context, a *ledger.FraudAlert) error {
	if err := ledger.ValidateNewAlert(a); err != nil {
		return err
	}
	clone := a.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	clone.UpdatedAt = clone.CreatedAt
	return s.update(ctx, func(tr *leveldb.Transaction) error {
		if clone.MilestoneID != "" {
			var m ledger.Milestone
			if err := getJSON(tr, milestonePrefix+clone.MilestoneID, "milestone", clone.MilestoneID, &m); err != nil {
				return err
			}
			if m.NGO != clone.NGO {
				return fmt.Errorf("%w: milestone %s is not owned by %s", ledger.ErrInvalidInput, m.ID, clone.NGO.Hex())
			}
		}
		exists, err := tr.Has([]byte(alertPrefix+clone.ID), nil)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: alert %s already exists", ledger.ErrInvalidInput, clone.ID)
		}
		return putJSON(tr, alertPrefix+clone.ID, clone)
	})
}

// Alert loads one alert.
func (s *Store) Alert(ctx context.Context, id string) (*ledger.FraudAlert, error) {
	id = strings.TrimSpace(id)
	var a ledger.FraudAlert
	if err := getJSON(s.db, alertPrefix+id, "alert", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Alerts lists alerts matching the filter ordered by creation time.
func (s *Store) Alerts(ctx context.Context, filter ledger.AlertFilter) ([]*ledger.FraudAlert, error) {
	out := make([]*ledger.FraudAlert, 0)
	err := scan(s.db, alertPrefix, func(_, value []byte) error {
		var a ledger.FraudAlert
		if err := json.Unmarshal(value, &a); err != nil {
			return err
		}
		if filter.Match(&a) {
			out = append(out, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAlerts(out)
	return out, nil
}

// MutateAlert applies fn to the alert under the alert lock.
func (s *Store) MutateAlert(ctx context.Context, id string, fn func(*ledger.FraudAlert) error) (*ledger.FraudAlert, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil transform", ledger.ErrInvalidInput)
	}
	id = strings.TrimSpace(id)
	release, err := s.locks.Acquire(ctx, "alert:"+id, s.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *ledger.FraudAlert
	err = s.update(ctx, func(tr *leveldb.Transaction) error {
		var prev ledger.FraudAlert
		if err := getJSON(tr, alertPrefix+id, "alert", id, &prev); err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := ledger.ValidateAlertUpdate(&prev, next); err != nil {
			return err
		}
		if next.Status != prev.Status {
			next.UpdatedAt = s.now()
		}
		if err := putJSON(tr, alertPrefix+id, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingInstructions returns undelivered instructions in creation order. A
// non-positive limit returns all of them.
func (s *Store) PendingInstructions(ctx context.Context, limit int) ([]*ledger.Instruction, error) {
	out := make([]*ledger.Instruction, 0)
	errLimit := errors.New("limit reached")
	err := scan(s.db, outboxPrefix, func(_, value []byte) error {
		id := string(value)
		var ins ledger.Instruction
		if err := getJSON(s.db, instructionPrefix+id, "instruction", id, &ins); err != nil {
			return err
		}
		if ins.Status != ledger.InstructionPending {
			return nil
		}
		out = append(out, &ins)
		if limit > 0 && len(out) == limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return out, nil
}

// MarkInstructionSent records a successful delivery and drops the
// instruction from the outbox index.
func (s *Store) MarkInstructionSent(ctx context.Context, id, walletRef string, at time.Time) (*ledger.Instruction, error) {
	var out *ledger.Instruction
	err := s.update(ctx, func(tr *leveldb.Transaction) error {
		var ins ledger.Instruction
		if err := getJSON(tr, instructionPrefix+id, "instruction", id, &ins); err != nil {
			return err
		}
		if ins.Status == ledger.InstructionSent {
			return fmt.Errorf("%w: instruction %s already sent", ledger.ErrInvalidTransition, id)
		}
		ins.Status = ledger.InstructionSent
		ins.WalletRef = walletRef
		ins.Attempts++
		ins.LastError = ""
		ins.SentAt = at.UTC()
		if err := putJSON(tr, instructionPrefix+id, &ins); err != nil {
			return err
		}
		var outboxKey []byte
		err := scan(tr, outboxPrefix, func(key, value []byte) error {
			if string(value) == id {
				outboxKey = append([]byte(nil), key...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if outboxKey != nil {
			if err := tr.Delete(outboxKey, nil); err != nil {
				return err
			}
		}
		out = &ins
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkInstructionFailed records a failed delivery attempt. The instruction
// stays pending.
func (s *Store) MarkInstructionFailed(ctx context.Context, id, reason string) error {
	return s.update(ctx, func(tr *leveldb.Transaction) error {
		var ins ledger.Instruction
		if err := getJSON(tr, instructionPrefix+id, "instruction", id, &ins); err != nil {
			return err
		}
		if ins.Status == ledger.InstructionSent {
			return fmt.Errorf("%w: instruction %s already sent", ledger.ErrInvalidTransition, id)
		}
		ins.Attempts++
		ins.LastError = reason
		return putJSON(tr, instructionPrefix+id, &ins)
	})
}

// AuditTrail returns the milestone's audit chain in sequence order.
func (s *Store) AuditTrail(ctx context.Context, milestoneID string) ([]*ledger.AuditRecord, error) {
	out := make([]*ledger.AuditRecord, 0)
	err := scan(s.db, auditPrefix+milestoneID+"/", func(_, value []byte) error {
		var rec ledger.AuditRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: milestone %s", ledger.ErrNotFound, milestoneID)
	}
	return out, nil
}

// CreateExpense inserts a pending expense after checking the milestone owner.
func (s *Store) CreateExpense(ctx context.Context, e *ledger.Expense) error {
	if err := ledger.ValidateNewExpense(e); err != nil {
		return err
	}
	clone := e.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}
	clone.UpdatedAt = clone.CreatedAt
	return s.update(ctx, func(tr *leveldb.Transaction) error {
		var m ledger.Milestone
		if err := getJSON(tr, milestonePrefix+clone.MilestoneID, "milestone", clone.MilestoneID, &m); err != nil {
			return err
		}
		if m.NGO != clone.NGO {
			return fmt.Errorf("%w: milestone %s is not owned by %s", ledger.ErrInvalidInput, m.ID, clone.NGO.Hex())
		}
		exists, err := tr.Has([]byte(expensePrefix+clone.ID), nil)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: expense %s already exists", ledger.ErrInvalidInput, clone.ID)
		}
		return putJSON(tr, expensePrefix+clone.ID, clone)
	})
}

// Expense loads one expense.
func (s *Store) Expense(ctx context.Context, id string) (*ledger.Expense, error) {
	id = strings.TrimSpace(id)
	var e ledger.Expense
	if err := getJSON(s.db, expensePrefix+id, "expense", id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Expenses lists expenses matching the filter ordered by creation time.
func (s *Store) Expenses(ctx context.Context, filter ledger.ExpenseFilter) ([]*ledger.Expense, error) {
	out := make([]*ledger.Expense, 0)
	err := scan(s.db, expensePrefix, func(_, value []byte) error {
		var e ledger.Expense
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		if filter.Match(&e) {
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.SortExpenses(out)
	return out, nil
}

// MutateExpense applies fn to the expense under the expense lock.
func (s *Store) MutateExpense(ctx context.Context, id string, fn func(*ledger.Expense) error) (*ledger.Expense, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil transform", ledger.ErrInvalidInput)
	}
	id = strings.TrimSpace(id)
	release, err := s.locks.Acquire(ctx, "expense:"+id, s.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *ledger.Expense
	err = s.update(ctx, func(tr *leveldb.Transaction) error {
		var prev ledger.Expense
		if err := getJSON(tr, expensePrefix+id, "expense", id, &prev); err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := ledger.ValidateExpenseUpdate(&prev, next); err != nil {
			return err
		}
		if next.Status != prev.Status {
			next.UpdatedAt = s.now()
		}
		if err := putJSON(tr, expensePrefix+id, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutNGO upserts a registry profile keeping the original creation time.
func (s *Store) PutNGO(ctx context.Context, n *ledger.NGO) (*ledger.NGO, error) {
	if err := ledger.ValidateNGO(n); err != nil {
		return nil, err
	}
	now := s.now()
	clone := n.Clone()
	key := ngoPrefix + clone.Address.Hex()
	err := s.update(ctx, func(tr *leveldb.Transaction) error {
		var prev ledger.NGO
		err := getJSON(tr, key, "ngo", clone.Address.Hex(), &prev)
		switch {
		case err == nil:
			clone.CreatedAt = prev.CreatedAt
		case errors.Is(err, ledger.ErrNotFound):
			if clone.CreatedAt.IsZero() {
				clone.CreatedAt = now
			}
		default:
			return err
		}
		clone.UpdatedAt = now
		return putJSON(tr, key, clone)
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// NGO loads one registry profile.
func (s *Store) NGO(ctx context.Context, address common.Address) (*ledger.NGO, error) {
	var n ledger.NGO
	if err := getJSON(s.db, ngoPrefix+address.Hex(), "ngo", address.Hex(), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// NGOs lists profiles matching the filter ordered by name.
func (s *Store) NGOs(ctx context.Context, filter ledger.NGOFilter) ([]*ledger.NGO, error) {
	out := make([]*ledger.NGO, 0)
	err := scan(s.db, ngoPrefix, func(_, value []byte) error {
		var n ledger.NGO
		if err := json.Unmarshal(value, &n); err != nil {
			return err
		}
		if filter.Match(&n) {
			out = append(out, &n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.SortNGOs(out)
	return out, nil
}

func sortAlerts(alerts []*ledger.FraudAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

var _ ledger.Store = (*Store)(nil)
