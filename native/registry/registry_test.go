package registry

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"givechain/core/events"
	"givechain/native/escrow"
	"givechain/native/ledger"
	"givechain/native/quorum"
	"givechain/native/roster"
)

var (
	ngo    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	other  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	donor1 = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	donor2 = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	val1   = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	now    = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ctxBg  = context.Background()
)

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, evt.Event().Type)
}

type fixture struct {
	store    *ledger.MemoryStore
	engine   *escrow.Engine
	protocol *quorum.Protocol
	registry *Registry
	events   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	store := ledger.NewMemoryStore()
	store.SetNowFunc(clock)
	r := roster.NewStatic(val1)
	engine := escrow.NewEngine(store)
	engine.SetNowFunc(clock)
	engine.SetRoster(r)
	reg := New(store, r)
	reg.SetNowFunc(clock)
	rec := &recorder{}
	reg.SetEmitter(rec)
	return &fixture{
		store:    store,
		engine:   engine,
		protocol: quorum.NewProtocol(store, r),
		registry: reg,
		events:   rec,
	}
}

// funded creates a milestone of target 10 for the NGO fully funded by two
// donors.
func (f *fixture) funded(t *testing.T) *ledger.Milestone {
	t.Helper()
	m, err := f.engine.CreateMilestone(ctxBg, escrow.MilestoneSpec{
		NGO:               ngo,
		Title:             "Clinic solar panels",
		Target:            big.NewInt(10),
		Deadline:          now.Add(24 * time.Hour),
		RequiredApprovals: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.RecordDonation(ctxBg, m.ID, donor1, big.NewInt(6), ""); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if _, err := f.engine.RecordDonation(ctxBg, m.ID, donor2, big.NewInt(4), ""); err != nil {
		t.Fatalf("donate: %v", err)
	}
	got, err := f.store.Milestone(ctxBg, m.ID)
	if err != nil {
		t.Fatalf("milestone: %v", err)
	}
	return got
}

func (f *fixture) register(t *testing.T, addr common.Address, name string) *ledger.NGO {
	t.Helper()
	n, err := f.registry.RegisterNGO(ctxBg, NGOSpec{Address: addr, Name: name, Category: "Healthcare"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return n
}

func TestRegisterAndVerify(t *testing.T) {
	f := newFixture(t)
	n := f.register(t, ngo, "Health Bridge")
	if n.Verified || n.Rating != 0 || !n.CreatedAt.Equal(now) {
		t.Fatalf("unexpected new profile %+v", n)
	}
	if err := f.registry.RequireVerified(ctxBg, ngo); !errors.Is(err, ledger.ErrNGONotVerified) {
		t.Fatalf("expected unverified ngo to be refused, got %v", err)
	}
	if err := f.registry.RequireVerified(ctxBg, other); !errors.Is(err, ledger.ErrNGONotVerified) {
		t.Fatalf("expected unregistered ngo to be refused, got %v", err)
	}

	rating := 4.5
	verified, err := f.registry.Verify(ctxBg, ngo, true, &rating, "admin")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verified.Verified || verified.VerifiedBy != "admin" || verified.Rating != 4.5 {
		t.Fatalf("unexpected verified profile %+v", verified)
	}
	if err := f.registry.RequireVerified(ctxBg, ngo); err != nil {
		t.Fatalf("require verified: %v", err)
	}

	// re-registering updates the description but keeps the admin's decision
	updated, err := f.registry.RegisterNGO(ctxBg, NGOSpec{Address: ngo, Name: "Health Bridge", Category: "Healthcare", Description: "Rural clinics"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !updated.Verified || updated.Rating != 4.5 || updated.Description != "Rural clinics" {
		t.Fatalf("self-update lost verification: %+v", updated)
	}

	bad := 7.0
	if _, err := f.registry.Verify(ctxBg, ngo, true, &bad, "admin"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected rating above scale to fail, got %v", err)
	}
	if _, err := f.registry.Verify(ctxBg, other, true, nil, "admin"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected unknown ngo to fail, got %v", err)
	}
	if _, err := f.registry.RegisterNGO(ctxBg, NGOSpec{Address: other, Category: "Education"}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected missing name to fail, got %v", err)
	}
}

func TestDirectoryFilters(t *testing.T) {
	f := newFixture(t)
	f.register(t, ngo, "Health Bridge")
	if _, err := f.registry.RegisterNGO(ctxBg, NGOSpec{Address: other, Name: "Clean Water Trust", Category: "Water & Sanitation"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.registry.Verify(ctxBg, other, true, nil, "admin"); err != nil {
		t.Fatalf("verify: %v", err)
	}

	all, err := f.registry.Directory(ctxBg, ledger.NGOFilter{})
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	if len(all) != 2 || all[0].Name != "Clean Water Trust" || all[1].Name != "Health Bridge" {
		t.Fatalf("unexpected directory order %+v", all)
	}
	verified, _ := f.registry.Directory(ctxBg, ledger.NGOFilter{VerifiedOnly: true})
	if len(verified) != 1 || verified[0].Address != other {
		t.Fatalf("unexpected verified listing %+v", verified)
	}
	byQuery, _ := f.registry.Directory(ctxBg, ledger.NGOFilter{Query: "water"})
	if len(byQuery) != 1 || byQuery[0].Address != other {
		t.Fatalf("unexpected query listing %+v", byQuery)
	}
	byCategory, _ := f.registry.Directory(ctxBg, ledger.NGOFilter{Category: "healthcare"})
	if len(byCategory) != 1 || byCategory[0].Address != ngo {
		t.Fatalf("unexpected category listing %+v", byCategory)
	}
}

func TestSubmitExpense(t *testing.T) {
	f := newFixture(t)
	m := f.funded(t)

	e, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{
		MilestoneID: m.ID,
		Amount:      big.NewInt(7),
		Category:    "Equipment",
		ProofRef:    "ipfs://receipt-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if e.Status != ledger.ExpensePending || e.NGO != ngo || e.MilestoneID != m.ID {
		t.Fatalf("unexpected expense %+v", e)
	}

	cases := []struct {
		name   string
		caller common.Address
		spec   ExpenseSpec
		want   error
	}{
		{"not owner", other, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(1), Category: "Labor", ProofRef: "ipfs://x"}, ledger.ErrUnauthorized},
		{"over raised", ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(4), Category: "Labor", ProofRef: "ipfs://x"}, ledger.ErrExpenseExceedsFunds},
		{"zero amount", ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(0), Category: "Labor", ProofRef: "ipfs://x"}, ledger.ErrInvalidInput},
		{"no proof", ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(1), Category: "Labor"}, ledger.ErrInvalidInput},
		{"no category", ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(1), ProofRef: "ipfs://x"}, ledger.ErrInvalidInput},
		{"unknown milestone", ngo, ExpenseSpec{MilestoneID: "missing", Amount: big.NewInt(1), Category: "Labor", ProofRef: "ipfs://x"}, ledger.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.registry.SubmitExpense(ctxBg, tc.caller, tc.spec); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// the remaining 3 fits exactly
	if _, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(3), Category: "Labor", ProofRef: "ipfs://receipt-2"}); err != nil {
		t.Fatalf("submit remainder: %v", err)
	}
	listed, err := f.store.Expenses(ctxBg, ledger.ExpenseFilter{MilestoneID: m.ID})
	if err != nil {
		t.Fatalf("expenses: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 expenses, got %d", len(listed))
	}
}

func TestSubmitExpenseRefusedOnFrozenMilestone(t *testing.T) {
	f := newFixture(t)
	m := f.funded(t)
	if _, _, err := ledger.Apply(ctxBg, f.store, m.ID, func(tx *ledger.MilestoneTx) error {
		tx.Milestone.FrozenFrom = tx.Milestone.Status
		tx.Milestone.FrozenBy = "alert-1"
		return tx.SetStatus(ledger.MilestoneFrozen)
	}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(1), Category: "Labor", ProofRef: "ipfs://x"})
	if !errors.Is(err, ledger.ErrMilestoneFrozenOrTerminal) {
		t.Fatalf("expected frozen milestone to refuse expenses, got %v", err)
	}
}

func TestReviewExpense(t *testing.T) {
	f := newFixture(t)
	m := f.funded(t)
	e, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(6), Category: "Equipment", ProofRef: "ipfs://receipt-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.registry.ReviewExpense(ctxBg, donor1, e.ID, ledger.ExpenseApproved, ""); !errors.Is(err, ledger.ErrUnknownValidator) {
		t.Fatalf("expected non-validator to be refused, got %v", err)
	}
	if _, err := f.registry.ReviewExpense(ctxBg, val1, e.ID, ledger.ExpensePending, ""); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected pending decision to be refused, got %v", err)
	}

	rejected, err := f.registry.ReviewExpense(ctxBg, val1, e.ID, ledger.ExpenseRejected, "receipt unreadable")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if rejected.Status != ledger.ExpenseRejected || rejected.ReviewedBy != val1 || rejected.ReviewNote != "receipt unreadable" {
		t.Fatalf("unexpected review %+v", rejected)
	}
	if _, err := f.registry.ReviewExpense(ctxBg, val1, e.ID, ledger.ExpenseApproved, ""); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected reviewed expense to be final, got %v", err)
	}

	// a rejected expense frees its share of the raised funds
	again, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(10), Category: "Equipment", ProofRef: "ipfs://receipt-2"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, err := f.registry.ReviewExpense(ctxBg, val1, again.ID, ledger.ExpenseApproved, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	want := []string{EventTypeExpenseSubmitted, EventTypeExpenseReviewed, EventTypeExpenseSubmitted, EventTypeExpenseReviewed}
	if len(f.events.types) != len(want) {
		t.Fatalf("unexpected events %v", f.events.types)
	}
	for i := range want {
		if f.events.types[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, f.events.types[i], want[i])
		}
	}
}

func TestReviewOwnExpenseRefused(t *testing.T) {
	f := newFixture(t)
	m := f.funded(t)
	e, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{MilestoneID: m.ID, Amount: big.NewInt(2), Category: "Labor", ProofRef: "ipfs://r"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// an NGO wallet that is also on the roster still cannot review itself
	f.registry.roster = roster.NewStatic(val1, ngo)
	if _, err := f.registry.ReviewExpense(ctxBg, ngo, e.ID, ledger.ExpenseApproved, ""); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected self review to be refused, got %v", err)
	}
}

func TestProfileStats(t *testing.T) {
	f := newFixture(t)
	f.register(t, ngo, "Health Bridge")
	released := f.funded(t)
	if _, err := f.engine.SubmitProof(ctxBg, released.ID, ngo, "ipfs://done"); err != nil {
		t.Fatalf("proof: %v", err)
	}
	if _, err := f.protocol.CastVote(ctxBg, val1, released.ID, ledger.VoteApprove, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	open := f.funded(t)
	e, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{MilestoneID: released.ID, Amount: big.NewInt(8), Category: "Equipment", ProofRef: "ipfs://r1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.registry.ReviewExpense(ctxBg, val1, e.ID, ledger.ExpenseApproved, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.registry.SubmitExpense(ctxBg, ngo, ExpenseSpec{MilestoneID: open.ID, Amount: big.NewInt(1), Category: "Labor", ProofRef: "ipfs://r2"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	p, err := f.registry.Profile(ctxBg, ngo)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	s := p.Stats
	if s.TotalMilestones != 2 || s.CompletedMilestones != 1 || s.DonorCount != 2 || s.PendingExpenses != 1 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if s.TotalReceived.Cmp(big.NewInt(10)) != 0 || s.Escrowed.Cmp(big.NewInt(10)) != 0 || s.ApprovedExpenses.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("unexpected totals received=%s escrowed=%s expenses=%s", s.TotalReceived, s.Escrowed, s.ApprovedExpenses)
	}
	if _, err := f.registry.Profile(ctxBg, other); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected unknown profile to fail, got %v", err)
	}
}
