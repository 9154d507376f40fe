package transparency

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"givechain/native/escrow"
	"givechain/native/fraud"
	"givechain/native/ledger"
	"givechain/native/quorum"
	"givechain/native/refund"
	"givechain/native/roster"
)

var (
	ngoA      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ngoB      = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	donor     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	validator = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	start     = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestReportAndPortfolio(t *testing.T) {
	ctx := context.Background()
	clock := start
	now := func() time.Time { return clock }

	store := ledger.NewMemoryStore()
	store.SetNowFunc(now)
	r := roster.NewStatic(validator)
	engine := escrow.NewEngine(store)
	engine.SetNowFunc(now)
	engine.SetRoster(r)
	protocol := quorum.NewProtocol(store, r)
	controller := fraud.NewController(store)
	controller.SetNowFunc(now)
	coordinator := refund.NewCoordinator(store)

	create := func(owner common.Address, title string, target int64) *ledger.Milestone {
		m, err := engine.CreateMilestone(ctx, escrow.MilestoneSpec{
			NGO: owner, Title: title, Target: big.NewInt(target), Deadline: start.Add(30 * day),
		})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		return m
	}
	wells := create(ngoA, "Wells", 100)
	school := create(ngoB, "School", 50)
	create(ngoB, "Library", 80)

	if _, err := engine.RecordDonation(ctx, wells.ID, donor, big.NewInt(100), ""); err != nil {
		t.Fatalf("donate wells: %v", err)
	}
	schoolDonation, err := engine.RecordDonation(ctx, school.ID, donor, big.NewInt(20), "")
	if err != nil {
		t.Fatalf("donate school: %v", err)
	}
	if _, err := engine.RecordDonation(ctx, school.ID, common.HexToAddress("0xd2"), big.NewInt(5), ""); err != nil {
		t.Fatalf("donate school: %v", err)
	}

	clock = start.Add(3 * day)
	if _, err := engine.SubmitProof(ctx, wells.ID, ngoA, "ipfs://wells"); err != nil {
		t.Fatalf("proof: %v", err)
	}
	if _, err := protocol.CastVote(ctx, validator, wells.ID, ledger.VoteApprove, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}

	alert, err := controller.RaiseAlert(ctx, fraud.AlertSpec{MilestoneID: school.ID, Kind: ledger.AlertUnusualWithdrawal, Severity: ledger.SeverityHigh})
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if _, err := controller.Freeze(ctx, alert.ID, school.ID, "admin"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := coordinator.Withdraw(ctx, schoolDonation.ID, donor); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	reporter := NewReporter(store)
	reporter.SetNowFunc(now)
	stats, err := reporter.Report(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if stats.TotalDonations.Cmp(big.NewInt(105)) != 0 {
		t.Fatalf("total donations %s", stats.TotalDonations)
	}
	if stats.TotalRefunded.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("total refunded %s", stats.TotalRefunded)
	}
	if stats.TotalNGOs != 2 || stats.TotalMilestones != 3 || stats.CompletedMilestones != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.AverageCompletionDays != 3 {
		t.Fatalf("average completion %v days", stats.AverageCompletionDays)
	}
	if stats.FraudsPrevented != 1 || stats.ActiveAlerts != 1 {
		t.Fatalf("fraud counters %+v", stats)
	}

	portfolio, err := reporter.Portfolio(ctx, donor)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(portfolio.Holdings) != 2 {
		t.Fatalf("expected two holdings, got %d", len(portfolio.Holdings))
	}
	if portfolio.Released.Cmp(big.NewInt(100)) != 0 || portfolio.Refunded.Cmp(big.NewInt(20)) != 0 || portfolio.Escrowed.Sign() != 0 {
		t.Fatalf("unexpected totals released=%s refunded=%s escrowed=%s", portfolio.Released, portfolio.Refunded, portfolio.Escrowed)
	}
}

func TestReportEmptyLedger(t *testing.T) {
	stats, err := NewReporter(ledger.NewMemoryStore()).Report(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if stats.TotalDonations.Sign() != 0 || stats.AverageCompletionDays != 0 || stats.TotalNGOs != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
