package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ExpenseStatus tracks validator review of a spending report.
type ExpenseStatus string

const (
	ExpensePending  ExpenseStatus = "pending"
	ExpenseApproved ExpenseStatus = "approved"
	ExpenseRejected ExpenseStatus = "rejected"
)

// Valid reports whether the status value is supported.
func (s ExpenseStatus) Valid() bool {
	switch s {
	case ExpensePending, ExpenseApproved, ExpenseRejected:
		return true
	default:
		return false
	}
}

// Expense is an NGO's report of how part of a milestone's funds was spent,
// backed by a content-addressed receipt.
type Expense struct {
	ID          string         `json:"id"`
	MilestoneID string         `json:"milestoneId"`
	NGO         common.Address `json:"ngo"`
	Amount      *big.Int       `json:"amount"`
	Category    string         `json:"category"`
	Description string         `json:"description,omitempty"`
	ProofRef    string         `json:"proofRef"`
	Status      ExpenseStatus  `json:"status"`
	ReviewedBy  common.Address `json:"reviewedBy"`
	ReviewNote  string         `json:"reviewNote,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy of the expense.
func (e *Expense) Clone() *Expense {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	return &clone
}

// ExpenseFilter narrows expense listings. Zero values match everything.
type ExpenseFilter struct {
	MilestoneID string
	NGO         common.Address
	Status      ExpenseStatus
}

// Match reports whether the expense satisfies the filter.
func (f ExpenseFilter) Match(e *Expense) bool {
	if f.MilestoneID != "" && e.MilestoneID != f.MilestoneID {
		return false
	}
	if f.NGO != (common.Address{}) && e.NGO != f.NGO {
		return false
	}
	return f.Status == "" || e.Status == f.Status
}

// SortExpenses orders expenses by creation time, then id.
func SortExpenses(expenses []*Expense) {
	sort.SliceStable(expenses, func(i, j int) bool {
		if !expenses[i].CreatedAt.Equal(expenses[j].CreatedAt) {
			return expenses[i].CreatedAt.Before(expenses[j].CreatedAt)
		}
		return expenses[i].ID < expenses[j].ID
	})
}

// MaxRating is the top of the NGO rating scale.
const MaxRating = 5.0

// NGO is the registry profile of a wallet that raises milestones. Funding
// figures are not stored here; they are derived from the ledger on read.
type NGO struct {
	Address     common.Address `json:"address"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category"`
	Location    string         `json:"location,omitempty"`
	Verified    bool           `json:"verified"`
	VerifiedBy  string         `json:"verifiedBy,omitempty"`
	Rating      float64        `json:"rating"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone returns a copy of the profile.
func (n *NGO) Clone() *NGO {
	if n == nil {
		return nil
	}
	clone := *n
	return &clone
}

// NGOFilter narrows registry listings. Query matches the name or description
// case-insensitively.
type NGOFilter struct {
	Category     string
	VerifiedOnly bool
	Query        string
}

// Match reports whether the profile satisfies the filter.
func (f NGOFilter) Match(n *NGO) bool {
	if f.Category != "" && !strings.EqualFold(n.Category, f.Category) {
		return false
	}
	if f.VerifiedOnly && !n.Verified {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return strings.Contains(strings.ToLower(n.Name), q) || strings.Contains(strings.ToLower(n.Description), q)
	}
	return true
}

// SortNGOs orders profiles by name, then address.
func SortNGOs(ngos []*NGO) {
	sort.SliceStable(ngos, func(i, j int) bool {
		if ngos[i].Name != ngos[j].Name {
			return ngos[i].Name < ngos[j].Name
		}
		return ngos[i].Address.Hex() < ngos[j].Address.Hex()
	})
}

// ValidateNewExpense checks an expense before its first insert.
func ValidateNewExpense(e *Expense) error {
	if e == nil {
		return fmt.Errorf("%w: nil expense", ErrInvalidInput)
	}
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.MilestoneID) == "" {
		return fmt.Errorf("%w: expense and milestone ids required", ErrInvalidInput)
	}
	if e.NGO == (common.Address{}) {
		return fmt.Errorf("%w: expense ngo required", ErrInvalidInput)
	}
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: expense amount must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(e.Category) == "" {
		return fmt.Errorf("%w: expense category required", ErrInvalidInput)
	}
	if strings.TrimSpace(e.ProofRef) == "" {
		return fmt.Errorf("%w: expense proof required", ErrInvalidInput)
	}
	if e.Status != ExpensePending {
		return fmt.Errorf("%w: new expense must be pending", ErrInvalidInput)
	}
	return nil
}

// ValidateExpenseUpdate checks an expense mutation. Only the review fields
// may change and a reviewed expense is final.
func ValidateExpenseUpdate(prev, next *Expense) error {
	if prev == nil || next == nil {
		return violation("nil expense")
	}
	if prev.ID != next.ID || prev.MilestoneID != next.MilestoneID || prev.NGO != next.NGO ||
		cloneBigInt(prev.Amount).Cmp(cloneBigInt(next.Amount)) != 0 || prev.Category != next.Category ||
		prev.ProofRef != next.ProofRef || prev.Description != next.Description ||
		!prev.CreatedAt.Equal(next.CreatedAt) {
		return violation("expense %s identity changed", prev.ID)
	}
	if !next.Status.Valid() {
		return violation("unknown expense status %q", next.Status)
	}
	if prev.Status == next.Status {
		return nil
	}
	if prev.Status != ExpensePending {
		return fmt.Errorf("%w: expense %s already %s", ErrInvalidTransition, prev.ID, prev.Status)
	}
	if next.ReviewedBy == (common.Address{}) {
		return violation("expense %s reviewed without a reviewer", prev.ID)
	}
	return nil
}

// ValidateNGO checks a registry profile before it is written.
func ValidateNGO(n *NGO) error {
	if n == nil {
		return fmt.Errorf("%w: nil ngo", ErrInvalidInput)
	}
	if n.Address == (common.Address{}) {
		return fmt.Errorf("%w: ngo address required", ErrInvalidInput)
	}
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("%w: ngo name required", ErrInvalidInput)
	}
	if strings.TrimSpace(n.Category) == "" {
		return fmt.Errorf("%w: ngo category required", ErrInvalidInput)
	}
	if n.Rating < 0 || n.Rating > MaxRating {
		return fmt.Errorf("%w: rating %.2f outside 0..%.0f", ErrInvalidInput, n.Rating, MaxRating)
	}
	return nil
}
