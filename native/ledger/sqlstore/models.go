package sqlstore

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"givechain/native/ledger"
)

type milestoneRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	NGO               string `gorm:"column:ngo;size:42;index"`
	Title             string `gorm:"size:256"`
	Description       string
	Target            string `gorm:"size:80;not null"`
	Current           string `gorm:"size:80;not null"`
	Deadline          time.Time
	ProofRef          string `gorm:"size:256"`
	RequiredApprovals uint32 `gorm:"not null"`
	Status            string `gorm:"size:32;index"`
	FrozenFrom        string `gorm:"size:32"`
	FrozenBy          string `gorm:"size:64"`
	Freezes           uint32
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
	DecidedAt         time.Time
}

func (milestoneRow) TableName() string { return "milestones" }

type donationRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	MilestoneID string `gorm:"size:64;index"`
	Donor       string `gorm:"size:42;index"`
	Amount      string `gorm:"size:80;not null"`
	TxRef       string `gorm:"size:128"`
	Status      string `gorm:"size:32;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (donationRow) TableName() string { return "donations" }

type voteRow struct {
	MilestoneID string `gorm:"primaryKey;size:64"`
	Validator   string `gorm:"primaryKey;size:42"`
	Decision    string `gorm:"size:16"`
	Comment     string
	Timestamp   time.Time
}

func (voteRow) TableName() string { return "votes" }

type alertRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	NGO         string `gorm:"column:ngo;size:42;index"`
	MilestoneID string `gorm:"size:64;index"`
	Kind        string `gorm:"size:32"`
	Severity    string `gorm:"size:16"`
	Description string
	Reporter    string `gorm:"size:42"`
	Status      string `gorm:"size:16;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (alertRow) TableName() string { return "fraud_alerts" }

type instructionRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Kind        string `gorm:"size:16"`
	MilestoneID string `gorm:"size:64;index"`
	DonationID  string `gorm:"size:64"`
	Recipient   string `gorm:"size:42"`
	Amount      string `gorm:"size:80;not null"`
	Status      string `gorm:"size:16;index"`
	WalletRef   string `gorm:"size:128"`
	Attempts    uint32
	LastError   string
	Ordinal     int
	CreatedAt   time.Time `gorm:"index"`
	SentAt      time.Time
}

func (instructionRow) TableName() string { return "instructions" }

type auditRow struct {
	MilestoneID string `gorm:"primaryKey;size:64"`
	Sequence    uint64 `gorm:"primaryKey;autoIncrement:false"`
	Event       string `gorm:"size:64"`
	Actor       string `gorm:"size:128"`
	Details     string
	Timestamp   time.Time
	PrevHash    string `gorm:"size:64"`
	Hash        string `gorm:"size:64"`
}

func (auditRow) TableName() string { return "audit_records" }

type expenseRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	MilestoneID string `gorm:"size:64;index"`
	NGO         string `gorm:"column:ngo;size:42;index"`
	Amount      string `gorm:"size:80;not null"`
	Category    string `gorm:"size:64"`
	Description string
	ProofRef    string `gorm:"size:256"`
	Status      string `gorm:"size:16;index"`
	ReviewedBy  string `gorm:"size:42"`
	ReviewNote  string
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (expenseRow) TableName() string { return "expenses" }

type ngoRow struct {
	Address     string `gorm:"primaryKey;size:42"`
	Name        string `gorm:"size:256;index"`
	Description string
	Category    string `gorm:"size:64;index"`
	Location    string `gorm:"size:128"`
	Verified    bool   `gorm:"index"`
	VerifiedBy  string `gorm:"size:128"`
	Rating      float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ngoRow) TableName() string { return "ngos" }

// AutoMigrate creates or updates the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&milestoneRow{},
		&donationRow{},
		&voteRow{},
		&alertRow{},
		&instructionRow{},
		&auditRow{},
		&expenseRow{},
		&ngoRow{},
	)
}

func parseAmount(field, value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("sqlstore: invalid %s %q", field, value)
	}
	return amount, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func milestoneToRow(m *ledger.Milestone) *milestoneRow {
	return &milestoneRow{
		ID:                m.ID,
		NGO:               m.NGO.Hex(),
		Title:             m.Title,
		Description:       m.Description,
		Target:            amountString(m.Target),
		Current:           amountString(m.Current),
		Deadline:          m.Deadline.UTC(),
		ProofRef:          m.ProofRef,
		RequiredApprovals: m.RequiredApprovals,
		Status:            string(m.Status),
		FrozenFrom:        string(m.FrozenFrom),
		FrozenBy:          m.FrozenBy,
		Freezes:           m.Freezes,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
		DecidedAt:         m.DecidedAt.UTC(),
	}
}

func (r *milestoneRow) toDomain() (*ledger.Milestone, error) {
	target, err := parseAmount("target", r.Target)
	if err != nil {
		return nil, err
	}
	current, err := parseAmount("current", r.Current)
	if err != nil {
		return nil, err
	}
	return &ledger.Milestone{
		ID:                r.ID,
		NGO:               common.HexToAddress(r.NGO),
		Title:             r.Title,
		Description:       r.Description,
		Target:            target,
		Current:           current,
		Deadline:          r.Deadline.UTC(),
		ProofRef:          r.ProofRef,
		RequiredApprovals: r.RequiredApprovals,
		Status:            ledger.MilestoneStatus(r.Status),
		FrozenFrom:        ledger.MilestoneStatus(r.FrozenFrom),
		FrozenBy:          r.FrozenBy,
		Freezes:           r.Freezes,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		DecidedAt:         zeroableUTC(r.DecidedAt),
	}, nil
}

func donationToRow(d *ledger.Donation) *donationRow {
	return &donationRow{
		ID:          d.ID,
		MilestoneID: d.MilestoneID,
		Donor:       d.Donor.Hex(),
		Amount:      amountString(d.Amount),
		TxRef:       d.TxRef,
		Status:      string(d.Status),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func (r *donationRow) toDomain() (*ledger.Donation, error) {
	amount, err := parseAmount("amount", r.Amount)
	if err != nil {
		return nil, err
	}
	return &ledger.Donation{
		ID:          r.ID,
		MilestoneID: r.MilestoneID,
		Donor:       common.HexToAddress(r.Donor),
		Amount:      amount,
		TxRef:       r.TxRef,
		Status:      ledger.DonationStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}, nil
}

func voteToRow(v *ledger.Vote) *voteRow {
	return &voteRow{
		MilestoneID: v.MilestoneID,
		Validator:   v.Validator.Hex(),
		Decision:    string(v.Decision),
		Comment:     v.Comment,
		Timestamp:   v.Timestamp.UTC(),
	}
}

func (r *voteRow) toDomain() *ledger.Vote {
	return &ledger.Vote{
		MilestoneID: r.MilestoneID,
		Validator:   common.HexToAddress(r.Validator),
		Decision:    ledger.VoteDecision(r.Decision),
		Comment:     r.Comment,
		Timestamp:   r.Timestamp.UTC(),
	}
}

func alertToRow(a *ledger.FraudAlert) *alertRow {
	return &alertRow{
		ID:          a.ID,
		NGO:         a.NGO.Hex(),
		MilestoneID: a.MilestoneID,
		Kind:        string(a.Kind),
		Severity:    string(a.Severity),
		Description: a.Description,
		Reporter:    a.Reporter.Hex(),
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt.UTC(),
		UpdatedAt:   a.UpdatedAt.UTC(),
	}
}

func (r *alertRow) toDomain() *ledger.FraudAlert {
	return &ledger.FraudAlert{
		ID:          r.ID,
		NGO:         common.HexToAddress(r.NGO),
		MilestoneID: r.MilestoneID,
		Kind:        ledger.AlertKind(r.Kind),
		Severity:    ledger.Severity(r.Severity),
		Description: r.Description,
		Reporter:    common.HexToAddress(r.Reporter),
		Status:      ledger.AlertStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func instructionToRow(ins *ledger.Instruction, ordinal int) *instructionRow {
	return &instructionRow{
		ID:          ins.ID,
		Kind:        string(ins.Kind),
		MilestoneID: ins.MilestoneID,
		DonationID:  ins.DonationID,
		Recipient:   ins.Recipient.Hex(),
		Amount:      amountString(ins.Amount),
		Status:      string(ins.Status),
		WalletRef:   ins.WalletRef,
		Attempts:    ins.Attempts,
		LastError:   ins.LastError,
		Ordinal:     ordinal,
		CreatedAt:   ins.CreatedAt.UTC(),
		SentAt:      ins.SentAt.UTC(),
	}
}

func (r *instructionRow) toDomain() (*ledger.Instruction, error) {
	amount, err := parseAmount("amount", r.Amount)
	if err != nil {
		return nil, err
	}
	return &ledger.Instruction{
		ID:          r.ID,
		Kind:        ledger.InstructionKind(r.Kind),
		MilestoneID: r.MilestoneID,
		DonationID:  r.DonationID,
		Recipient:   common.HexToAddress(r.Recipient),
		Amount:      amount,
		Status:      ledger.InstructionStatus(r.Status),
		WalletRef:   r.WalletRef,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt.UTC(),
		SentAt:      zeroableUTC(r.SentAt),
	}, nil
}

func auditToRow(rec *ledger.AuditRecord) (*auditRow, error) {
	details := ""
	if len(rec.Details) > 0 {
		raw, err := json.Marshal(rec.Details)
		if err != nil {
			return nil, err
		}
		details = string(raw)
	}
	return &auditRow{
		MilestoneID: rec.MilestoneID,
		Sequence:    rec.Sequence,
		Event:       rec.Event,
		Actor:       rec.Actor,
		Details:     details,
		Timestamp:   rec.Timestamp.UTC(),
		PrevHash:    rec.PrevHash,
		Hash:        rec.Hash,
	}, nil
}

func (r *auditRow) toDomain() (*ledger.AuditRecord, error) {
	rec := &ledger.AuditRecord{
		MilestoneID: r.MilestoneID,
		Sequence:    r.Sequence,
		Event:       r.Event,
		Actor:       r.Actor,
		Timestamp:   r.Timestamp.UTC(),
		PrevHash:    r.PrevHash,
		Hash:        r.Hash,
	}
	if r.Details != "" {
		if err := json.Unmarshal([]byte(r.Details), &rec.Details); err != nil {
			return nil, fmt.Errorf("sqlstore: decode audit details: %w", err)
		}
	}
	return rec, nil
}

func expenseToRow(e *ledger.Expense) *expenseRow {
	reviewer := ""
	if e.ReviewedBy != (common.Address{}) {
		reviewer = e.ReviewedBy.Hex()
	}
	return &expenseRow{
		ID:          e.ID,
		MilestoneID: e.MilestoneID,
		NGO:         e.NGO.Hex(),
		Amount:      amountString(e.Amount),
		Category:    e.Category,
		Description: e.Description,
		ProofRef:    e.ProofRef,
		Status:      string(e.Status),
		ReviewedBy:  reviewer,
		ReviewNote:  e.ReviewNote,
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt.UTC(),
	}
}

func (r *expenseRow) toDomain() (*ledger.Expense, error) {
	amount, err := parseAmount("amount", r.Amount)
	if err != nil {
		return nil, err
	}
	e := &ledger.Expense{
		ID:          r.ID,
		MilestoneID: r.MilestoneID,
		NGO:         common.HexToAddress(r.NGO),
		Amount:      amount,
		Category:    r.Category,
		Description: r.Description,
		ProofRef:    r.ProofRef,
		Status:      ledger.ExpenseStatus(r.Status),
		ReviewNote:  r.ReviewNote,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.ReviewedBy != "" {
		e.ReviewedBy = common.HexToAddress(r.ReviewedBy)
	}
	return e, nil
}

func ngoToRow(n *ledger.NGO) *ngoRow {
	return &ngoRow{
		Address:     n.Address.Hex(),
		Name:        n.Name,
		Description: n.Description,
		Category:    n.Category,
		Location:    n.Location,
		Verified:    n.Verified,
		VerifiedBy:  n.VerifiedBy,
		Rating:      n.Rating,
		CreatedAt:   n.CreatedAt.UTC(),
		UpdatedAt:   n.UpdatedAt.UTC(),
	}
}

func (r *ngoRow) toDomain() *ledger.NGO {
	return &ledger.NGO{
		Address:     common.HexToAddress(r.Address),
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		Location:    r.Location,
		Verified:    r.Verified,
		VerifiedBy:  r.VerifiedBy,
		Rating:      r.Rating,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func zeroableUTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
