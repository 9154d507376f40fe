package levelstore

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"givechain/native/ledger"
)

var (
	ngo       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	donor     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	validator = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	start     = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	store := New(db)
	store.SetNowFunc(func() time.Time { return start })
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createMilestone(t *testing.T, store *Store, target int64) string {
	t.Helper()
	id := uuid.NewString()
	err := store.CreateMilestone(context.Background(), &ledger.Milestone{
		ID:                id,
		NGO:               ngo,
		Title:             "Water well",
		Target:            big.NewInt(target),
		Current:           big.NewInt(0),
		Deadline:          start.Add(30 * 24 * time.Hour),
		RequiredApprovals: 1,
		Status:            ledger.MilestonePending,
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	return id
}

func fundAndRelease(t *testing.T, store *Store, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.MutateMilestone(ctx, id, func(tx *ledger.MilestoneTx) error {
		tx.AddDonation(&ledger.Donation{Donor: donor, Amount: big.NewInt(70), Status: ledger.DonationConfirmed, TxRef: "0x01"})
		tx.AddDonation(&ledger.Donation{Donor: donor, Amount: big.NewInt(30), Status: ledger.DonationConfirmed, TxRef: "0x02"})
		tx.Record("donation.recorded", donor.Hex(), nil)
		return tx.SetStatus(ledger.MilestoneInProgress)
	}); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if _, err := store.MutateMilestone(ctx, id, func(tx *ledger.MilestoneTx) error {
		tx.Milestone.ProofRef = "ipfs://proof"
		return tx.SetStatus(ledger.MilestoneAwaitingApproval)
	}); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if _, err := store.MutateMilestone(ctx, id, func(tx *ledger.MilestoneTx) error {
		tx.PutVote(&ledger.Vote{Validator: validator, Decision: ledger.VoteApprove})
		if err := tx.SetStatus(ledger.MilestoneApproved); err != nil {
			return err
		}
		if err := tx.SetStatus(ledger.MilestoneReleased); err != nil {
			return err
		}
		for _, d := range tx.Donations {
			if err := tx.SetDonationStatus(d, ledger.DonationReleased); err != nil {
				return err
			}
		}
		tx.Instruct(ledger.InstructionRelease, "", tx.Milestone.NGO, big.NewInt(100))
		tx.Record("milestone.released", validator.Hex(), map[string]string{"amount": "100"})
		return nil
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := createMilestone(t, store, 100)
	fundAndRelease(t, store, id)

	m, err := store.Milestone(ctx, id)
	if err != nil {
		t.Fatalf("milestone: %v", err)
	}
	if m.Status != ledger.MilestoneReleased || m.Current.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected milestone %+v", m)
	}
	votes, err := store.Votes(ctx, id)
	if err != nil {
		t.Fatalf("votes: %v", err)
	}
	if len(votes) != 1 || votes[0].Validator != validator {
		t.Fatalf("unexpected votes %+v", votes)
	}
	donations, err := store.Donations(ctx, ledger.DonationFilter{MilestoneID: id, Status: ledger.DonationReleased})
	if err != nil {
		t.Fatalf("donations: %v", err)
	}
	if len(donations) != 2 {
		t.Fatalf("expected 2 released donations, got %d", len(donations))
	}
	byDonor, err := store.Donations(ctx, ledger.DonationFilter{Donor: donor})
	if err != nil {
		t.Fatalf("donations by donor: %v", err)
	}
	if len(byDonor) != 2 {
		t.Fatalf("expected 2 donations for donor, got %d", len(byDonor))
	}
	trail, err := store.AuditTrail(ctx, id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(trail))
	}
	if err := ledger.VerifyAuditTrail(trail); err != nil {
		t.Fatalf("verify audit: %v", err)
	}
}

func TestStoreOutbox(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := createMilestone(t, store, 100)
	second := createMilestone(t, store, 100)
	fundAndRelease(t, store, first)
	fundAndRelease(t, store, second)

	pending, err := store.PendingInstructions(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].MilestoneID != first || pending[1].MilestoneID != second {
		t.Fatalf("unexpected outbox order %+v", pending)
	}
	limited, err := store.PendingInstructions(ctx, 1)
	if err != nil {
		t.Fatalf("pending limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	if err := store.MarkInstructionFailed(ctx, pending[0].ID, "wallet offline"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	sent, err := store.MarkInstructionSent(ctx, pending[0].ID, "0xabc", start)
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if sent.Attempts != 2 || sent.WalletRef != "0xabc" || sent.LastError != "" {
		t.Fatalf("unexpected sent instruction %+v", sent)
	}
	if _, err := store.MarkInstructionSent(ctx, pending[0].ID, "0xabc", start); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	remaining, err := store.PendingInstructions(ctx, 0)
	if err != nil {
		t.Fatalf("pending after send: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != pending[1].ID {
		t.Fatalf("unexpected remaining outbox %+v", remaining)
	}
}

func TestStoreRollsBackRejectedMutation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := createMilestone(t, store, 50)

	_, err := store.MutateMilestone(ctx, id, func(tx *ledger.MilestoneTx) error {
		tx.AddDonation(&ledger.Donation{Donor: donor, Amount: big.NewInt(51), Status: ledger.DonationConfirmed})
		return tx.SetStatus(ledger.MilestoneInProgress)
	})
	if !errors.Is(err, ledger.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	m, err := store.Milestone(ctx, id)
	if err != nil {
		t.Fatalf("milestone: %v", err)
	}
	if m.Status != ledger.MilestonePending || m.Current.Sign() != 0 {
		t.Fatalf("milestone changed after rollback: %+v", m)
	}
	if donations, _ := store.Donations(ctx, ledger.DonationFilter{MilestoneID: id}); len(donations) != 0 {
		t.Fatalf("expected rollback of donations, got %d", len(donations))
	}
	trail, err := store.AuditTrail(ctx, id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("expected only the genesis record, got %d", len(trail))
	}
}

func TestStoreAlerts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := createMilestone(t, store, 50)

	alert := &ledger.FraudAlert{ID: uuid.NewString(), NGO: ngo, MilestoneID: id, Kind: ledger.AlertInvalidProof, Severity: ledger.SeverityHigh, Status: ledger.AlertActive}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if err := store.CreateAlert(ctx, alert); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected duplicate alert to fail, got %v", err)
	}
	foreign := &ledger.FraudAlert{ID: uuid.NewString(), NGO: common.HexToAddress("0xbeef"), MilestoneID: id, Kind: ledger.AlertInvalidProof, Severity: ledger.SeverityLow, Status: ledger.AlertActive}
	if err := store.CreateAlert(ctx, foreign); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ownership mismatch, got %v", err)
	}

	var seen int
	if _, err := store.MutateMilestone(ctx, id, func(tx *ledger.MilestoneTx) error {
		seen = len(tx.ActiveAlerts())
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected 1 active alert, saw %d", seen)
	}

	resolved, err := store.MutateAlert(ctx, alert.ID, func(a *ledger.FraudAlert) error {
		a.Status = ledger.AlertResolved
		return nil
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != ledger.AlertResolved {
		t.Fatalf("unexpected status %s", resolved.Status)
	}
	active, err := store.Alerts(ctx, ledger.AlertFilter{MilestoneID: id, Status: ledger.AlertActive})
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active alerts, got %d", len(active))
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.SetNowFunc(func() time.Time { return start })
	id := createMilestone(t, store, 100)
	fundAndRelease(t, store, id)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	ctx := context.Background()
	m, err := reopened.Milestone(ctx, id)
	if err != nil {
		t.Fatalf("milestone after reopen: %v", err)
	}
	if m.Status != ledger.MilestoneReleased {
		t.Fatalf("unexpected status %s", m.Status)
	}
	trail, err := reopened.AuditTrail(ctx, id)
	if err != nil {
		t.Fatalf("audit after reopen: %v", err)
	}
	if err := ledger.VerifyAuditTrail(trail); err != nil {
		t.Fatalf("verify audit after reopen: %v", err)
	}
	if _, err := Open(""); err == nil {
		t.Fatalf("expected empty path to fail")
	}
}

func TestStoreNotFound(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if _, err := store.Milestone(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Votes(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.AuditTrail(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkInstructionFailed(ctx, "missing", "x"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRegistrySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.SetNowFunc(func() time.Time { return start })
	ctx := context.Background()
	id := createMilestone(t, store, 100)

	expense := &ledger.Expense{ID: uuid.NewString(), MilestoneID: id, NGO: ngo, Amount: big.NewInt(30), Category: "pumps", ProofRef: "ipfs://receipt", Status: ledger.ExpensePending}
	if err := store.CreateExpense(ctx, expense); err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if err := store.CreateExpense(ctx, expense); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected duplicate expense to fail, got %v", err)
	}
	if _, err := store.MutateExpense(ctx, expense.ID, func(e *ledger.Expense) error {
		e.Status = ledger.ExpenseRejected
		e.ReviewedBy = validator
		e.ReviewNote = "receipt unreadable"
		return nil
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := store.PutNGO(ctx, &ledger.NGO{Address: ngo, Name: "Clean Water", Category: "water", Verified: true}); err != nil {
		t.Fatalf("put ngo: %v", err)
	}
	store.SetNowFunc(func() time.Time { return start.Add(time.Hour) })
	if _, err := store.PutNGO(ctx, &ledger.NGO{Address: ngo, Name: "Clean Water", Category: "water", Verified: true, Rating: 3.5}); err != nil {
		t.Fatalf("update ngo: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Expense(ctx, expense.ID)
	if err != nil {
		t.Fatalf("expense after reopen: %v", err)
	}
	if got.Status != ledger.ExpenseRejected || got.ReviewedBy != validator || got.Amount.Int64() != 30 {
		t.Fatalf("unexpected expense %+v", got)
	}
	_, err = reopened.MutateExpense(ctx, expense.ID, func(e *ledger.Expense) error {
		e.Status = ledger.ExpenseApproved
		return nil
	})
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected reviewed expense to be final, got %v", err)
	}
	profile, err := reopened.NGO(ctx, ngo)
	if err != nil {
		t.Fatalf("ngo after reopen: %v", err)
	}
	if !profile.CreatedAt.Equal(start) || profile.Rating != 3.5 {
		t.Fatalf("unexpected profile %+v", profile)
	}
	listed, err := reopened.NGOs(ctx, ledger.NGOFilter{VerifiedOnly: true, Query: "water"})
	if err != nil {
		t.Fatalf("ngos: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one profile, got %d", len(listed))
	}
}
