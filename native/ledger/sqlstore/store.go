// Package sqlstore persists the escrow ledger through gorm. PostgreSQL backs
// production deployments; SQLite serves development and tests.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"givechain/native/ledger"
)

// Open connects to the named driver ("postgres" or "sqlite") and migrates the
// schema.
func Open(driver, dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return db, nil
}

// Store implements ledger.Store on a gorm database.
type Store struct {
	// LockTimeout bounds how long a mutation waits for the in-process
	// milestone lock before the database row lock is attempted.
	LockTimeout time.Duration

	db    *gorm.DB
	locks *ledger.KeyLocks
	nowFn func() time.Time
}

// New wraps an already migrated database handle.
func New(db *gorm.DB) *Store {
	return &Store{
		LockTimeout: 2 * time.Second,
		db:          db,
		locks:       ledger.NewKeyLocks(),
		nowFn:       time.Now,
	}
}

// Close releases the connection pool behind the gorm handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetNowFunc overrides the clock used for transaction timestamps.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, kind, id)
	}
	return err
}

// CreateMilestone inserts a new pending milestone together with the genesis
// audit record.
func (s *Store) CreateMilestone(ctx context.Context, m *ledger.Milestone) error {
	if err := ledger.ValidateNewMilestone(m); err != nil {
		return err
	}
	clone := m.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.nowFn().UTC()
	}
	clone.UpdatedAt = clone.CreatedAt
	genesis := ledger.ChainAudit(nil, clone.ID, ledger.AuditEntry{
		Event:   "milestone.created",
		Actor:   clone.NGO.Hex(),
		Details: map[string]string{"target": clone.Target.String()},
	}, clone.CreatedAt)
	audit, err := auditToRow(genesis)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&milestoneRow{}).Where("id = ?", clone.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: milestone %s already exists", ledger.ErrInvalidInput, clone.ID)
		}
		if err := tx.Create(milestoneToRow(clone)).Error; err != nil {
			return err
		}
		return tx.Create(audit).Error
	})
}

// Milestone loads one milestone.
func (s *Store) Milestone(ctx context.Context, id string) (*ledger.Milestone, error) {
	var row milestoneRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", strings.TrimSpace(id)).Error; err != nil {
		return nil, notFound("milestone", id, err)
	}
	return row.toDomain()
}

// Milestones lists milestones matching the filter ordered by creation time.
func (s *Store) Milestones(ctx context.Context, filter ledger.MilestoneFilter) ([]*ledger.Milestone, error) {
	query := s.db.WithContext(ctx).Model(&milestoneRow{})
	if filter.NGO != (common.Address{}) {
		query = query.Where("ngo = ?", filter.NGO.Hex())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	var rows []milestoneRow
	if err := query.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.Milestone, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MutateMilestone loads the milestone with a row lock, applies fn and commits
// the result in one database transaction when it passes CheckCommit.
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
	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx, err := s.load(db, id)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		if err := ledger.CheckCommit(tx); err != nil {
			return err
		}
		if err := s.save(db, tx); err != nil {
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

func (s *Store) load(db *gorm.DB, id string) (*ledger.MilestoneTx, error) {
	var row milestoneRow
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound("milestone", id, err)
	}
	m, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	var donationRows []donationRow
	if err := db.Where("milestone_id = ?", id).Order("created_at, id").Find(&donationRows).Error; err != nil {
		return nil, err
	}
	donations := make([]*ledger.Donation, 0, len(donationRows))
	for i := range donationRows {
		d, err := donationRows[i].toDomain()
		if err != nil {
			return nil, err
		}
		donations = append(donations, d)
	}
	var voteRows []voteRow
	if err := db.Where("milestone_id = ?", id).Find(&voteRows).Error; err != nil {
		return nil, err
	}
	votes := make([]*ledger.Vote, 0, len(voteRows))
	for i := range voteRows {
		votes = append(votes, voteRows[i].toDomain())
	}
	var alertRows []alertRow
	if err := db.Where("milestone_id = ? OR (milestone_id = '' AND ngo = ?)", id, row.NGO).
		Order("created_at, id").Find(&alertRows).Error; err != nil {
		return nil, err
	}
	alerts := make([]*ledger.FraudAlert, 0, len(alertRows))
	for i := range alertRows {
		alerts = append(alerts, alertRows[i].toDomain())
	}
	return ledger.NewMilestoneTx(m, donations, votes, alerts, s.nowFn()), nil
}

func (s *Store) save(db *gorm.DB, tx *ledger.MilestoneTx) error {
	if err := db.Save(milestoneToRow(tx.Milestone)).Error; err != nil {
		return err
	}
	for _, d := range tx.DirtyDonations() {
		if err := db.Save(donationToRow(d)).Error; err != nil {
			return err
		}
	}
	for _, v := range tx.DirtyVotes() {
		if err := db.Save(voteToRow(v)).Error; err != nil {
			return err
		}
	}
	for i, ins := range tx.Instructions() {
		if err := db.Create(instructionToRow(ins, i)).Error; err != nil {
			return err
		}
	}
	entries := tx.AuditEntries()
	if len(entries) == 0 {
		return nil
	}
	var lastRows []auditRow
	if err := db.Where("milestone_id = ?", tx.Milestone.ID).Order("sequence desc").Limit(1).Find(&lastRows).Error; err != nil {
		return err
	}
	var prev *ledger.AuditRecord
	if len(lastRows) == 1 {
		rec, err := lastRows[0].toDomain()
		if err != nil {
			return err
		}
		prev = rec
	}
	for _, entry := range entries {
		rec := ledger.ChainAudit(prev, tx.Milestone.ID, entry, tx.Now)
		row, err := auditToRow(rec)
		if err != nil {
			return err
		}
		if err := db.Create(row).Error; err != nil {
			return err
		}
		prev = rec
	}
	return nil
}

// Donation loads one donation.
func (s *Store) Donation(ctx context.Context, id string) (*ledger.Donation, error) {
	var row donationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", strings.TrimSpace(id)).Error; err != nil {
		return nil, notFound("donation", id, err)
	}
	return row.toDomain()
}

// Donations lists donations matching the filter ordered by creation time.
func (s *Store) Donations(ctx context.Context, filter ledger.DonationFilter) ([]*ledger.Donation, error) {
	query := s.db.WithContext(ctx).Model(&donationRow{})
	if filter.MilestoneID != "" {
		query = query.Where("milestone_id = ?", filter.MilestoneID)
	}
	if filter.Donor != (common.Address{}) {
		query = query.Where("donor = ?", filter.Donor.Hex())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	var rows []donationRow
	if err := query.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.Donation, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Votes returns the current vote set of a milestone ordered by validator.
func (s *Store) Votes(ctx context.Context, milestoneID string) ([]*ledger.Vote, error) {
	if _, err := s.Milestone(ctx, milestoneID); err != nil {
		return nil, err
	}
	var rows []voteRow
	if err := s.db.WithContext(ctx).Where("milestone_id = ?", milestoneID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.Vote, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	ledger.SortVotes(out)
	return out, nil
}

// CreateAlert inserts a new active alert.
func (s *Store) CreateAlert(ctx context.Context, a *ledger.FraudAlert) error {
	if err := ledger.ValidateNewAlert(a); err != nil {
		return err
	}
	clone := a.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.nowFn().UTC()
	}
	clone.UpdatedAt = clone.CreatedAt
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if clone.MilestoneID != "" {
			var row milestoneRow
			if err := tx.First(&row, "id = ?", clone.MilestoneID).Error; err != nil {
				return notFound("milestone", clone.MilestoneID, err)
			}
			if row.NGO != clone.NGO.Hex() {
				return fmt.Errorf("%w: milestone %s is not owned by %s", ledger.ErrInvalidInput, row.ID, clone.NGO.Hex())
			}
		}
		var count int64
		if err := tx.Model(&alertRow{}).Where("id = ?", clone.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: alert %s already exists", ledger.ErrInvalidInput, clone.ID)
		}
		return tx.Create(alertToRow(clone)).Error
	})
}

// Alert loads one alert.
func (s *Store) Alert(ctx context.Context, id string) (*ledger.FraudAlert, error) {
	var row alertRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", strings.TrimSpace(id)).Error; err != nil {
		return nil, notFound("alert", id, err)
	}
	return row.toDomain(), nil
}

// Alerts lists alerts matching the filter ordered by creation time.
func (s *Store) Alerts(ctx context.Context, filter ledger.AlertFilter) ([]*ledger.FraudAlert, error) {
	query := s.db.WithContext(ctx).Model(&alertRow{})
	if filter.NGO != (common.Address{}) {
		query = query.Where("ngo = ?", filter.NGO.Hex())
	}
	if filter.MilestoneID != "" {
		query = query.Where("milestone_id = ?", filter.MilestoneID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	var rows []alertRow
	if err := query.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.FraudAlert, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// MutateAlert applies fn to the alert under a row lock.
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
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row alertRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound("alert", id, err)
		}
		prev := row.toDomain()
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := ledger.ValidateAlertUpdate(prev, next); err != nil {
			return err
		}
		if next.Status != prev.Status {
			next.UpdatedAt = s.nowFn().UTC()
		}
		if err := tx.Save(alertToRow(next)).Error; err != nil {
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

// PendingInstructions returns undelivered instructions in creation order.
func (s *Store) PendingInstructions(ctx context.Context, limit int) ([]*ledger.Instruction, error) {
	query := s.db.WithContext(ctx).Where("status = ?", string(ledger.InstructionPending)).Order("created_at, ordinal, id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []instructionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.Instruction, 0, len(rows))
	for i := range rows {
		ins, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// MarkInstructionSent records a successful delivery.
func (s *Store) MarkInstructionSent(ctx context.Context, id, walletRef string, at time.Time) (*ledger.Instruction, error) {
	var out *ledger.Instruction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row instructionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound("instruction", id, err)
		}
		if row.Status == string(ledger.InstructionSent) {
			return fmt.Errorf("%w: instruction %s already sent", ledger.ErrInvalidTransition, id)
		}
		row.Status = string(ledger.InstructionSent)
		row.WalletRef = walletRef
		row.Attempts++
		row.LastError = ""
		row.SentAt = at.UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		ins, err := row.toDomain()
		if err != nil {
			return err
		}
		out = ins
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkInstructionFailed records a failed delivery attempt.
func (s *Store) MarkInstructionFailed(ctx context.Context, id, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row instructionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound("instruction", id, err)
		}
		if row.Status == string(ledger.InstructionSent) {
			return fmt.Errorf("%w: instruction %s already sent", ledger.ErrInvalidTransition, id)
		}
		return tx.Model(&row).Updates(map[string]any{
			"attempts":   row.Attempts + 1,
			"last_error": reason,
		}).Error
	})
}

// AuditTrail returns the milestone's audit chain in sequence order.
func (s *Store) AuditTrail(ctx context.Context, milestoneID string) ([]*ledger.AuditRecord, error) {
	var rows []auditRow
	if err := s.db.WithContext(ctx).Where("milestone_id = ?", milestoneID).Order("sequence").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: milestone %s", ledger.ErrNotFound, milestoneID)
	}
	out := make([]*ledger.AuditRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
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
		clone.CreatedAt = s.nowFn().UTC()
	}
	clone.UpdatedAt = clone.CreatedAt
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row milestoneRow
		if err := tx.First(&row, "id = ?", clone.MilestoneID).Error; err != nil {
			return notFound("milestone", clone.MilestoneID, err)
		}
		if row.NGO != clone.NGO.Hex() {
			return fmt.Errorf("%w: milestone %s is not owned by %s", ledger.ErrInvalidInput, row.ID, clone.NGO.Hex())
		}
		var count int64
		if err := tx.Model(&expenseRow{}).Where("id = ?", clone.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: expense %s already exists", ledger.ErrInvalidInput, clone.ID)
		}
		return tx.Create(expenseToRow(clone)).Error
	})
}

// Expense loads one expense.
func (s *Store) Expense(ctx context.Context, id string) (*ledger.Expense, error) {
	var row expenseRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", strings.TrimSpace(id)).Error; err != nil {
		return nil, notFound("expense", id, err)
	}
	return row.toDomain()
}

// Expenses lists expenses matching the filter ordered by creation time.
func (s *Store) Expenses(ctx context.Context, filter ledger.ExpenseFilter) ([]*ledger.Expense, error) {
	query := s.db.WithContext(ctx).Model(&expenseRow{})
	if filter.MilestoneID != "" {
		query = query.Where("milestone_id = ?", filter.MilestoneID)
	}
	if filter.NGO != (common.Address{}) {
		query = query.Where("ngo = ?", filter.NGO.Hex())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	var rows []expenseRow
	if err := query.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.Expense, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MutateExpense applies fn to the expense under a row lock.
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
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row expenseRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound("expense", id, err)
		}
		prev, err := row.toDomain()
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := ledger.ValidateExpenseUpdate(prev, next); err != nil {
			return err
		}
		if next.Status != prev.Status {
			next.UpdatedAt = s.nowFn().UTC()
		}
		if err := tx.Save(expenseToRow(next)).Error; err != nil {
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
	now := s.nowFn().UTC()
	clone := n.Clone()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []ngoRow
		if err := tx.Where("address = ?", clone.Address.Hex()).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		switch {
		case len(existing) == 1:
			clone.CreatedAt = existing[0].CreatedAt.UTC()
		case clone.CreatedAt.IsZero():
			clone.CreatedAt = now
		}
		clone.UpdatedAt = now
		return tx.Save(ngoToRow(clone)).Error
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// NGO loads one registry profile.
func (s *Store) NGO(ctx context.Context, address common.Address) (*ledger.NGO, error) {
	var row ngoRow
	if err := s.db.WithContext(ctx).First(&row, "address = ?", address.Hex()).Error; err != nil {
		return nil, notFound("ngo", address.Hex(), err)
	}
	return row.toDomain(), nil
}

// NGOs lists profiles matching the filter ordered by name. The free-text
// query is applied in memory so it behaves the same on every dialect.
func (s *Store) NGOs(ctx context.Context, filter ledger.NGOFilter) ([]*ledger.NGO, error) {
	query := s.db.WithContext(ctx).Model(&ngoRow{})
	if filter.VerifiedOnly {
		query = query.Where("verified = ?", true)
	}
	var rows []ngoRow
	if err := query.Order("name, address").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.NGO, 0, len(rows))
	for i := range rows {
		n := rows[i].toDomain()
		if filter.Match(n) {
			out = append(out, n)
		}
	}
	ledger.SortNGOs(out)
	return out, nil
}

var _ ledger.Store = (*Store)(nil)
