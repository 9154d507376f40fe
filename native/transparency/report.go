// Package transparency computes the public aggregate statistics and donor
// portfolio views over the escrow ledger.
package transparency

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"givechain/native/ledger"
)

const day = 24 * time.Hour

// Stats is the public transparency summary.
type Stats struct {
	TotalDonations        *big.Int  `json:"totalDonations"`
	TotalRefunded         *big.Int  `json:"totalRefunded"`
	TotalNGOs             int       `json:"totalNGOs"`
	TotalMilestones       int       `json:"totalMilestones"`
	CompletedMilestones   int       `json:"completedMilestones"`
	AverageCompletionDays float64   `json:"averageCompletionTime"`
	FraudsPrevented       int       `json:"fraudsPrevented"`
	ActiveAlerts          int       `json:"activeAlerts"`
	GeneratedAt           time.Time `json:"generatedAt"`
}

// Holding summarises a donor's exposure to one milestone.
type Holding struct {
	MilestoneID string                 `json:"milestoneId"`
	Title       string                 `json:"title"`
	Status      ledger.MilestoneStatus `json:"status"`
	Escrowed    *big.Int               `json:"escrowed"`
	Released    *big.Int               `json:"released"`
	Refunded    *big.Int               `json:"refunded"`
}

// Portfolio is a donor's view across every milestone they funded.
type Portfolio struct {
	Donor    common.Address `json:"donor"`
	Holdings []*Holding     `json:"holdings"`
	Escrowed *big.Int       `json:"escrowed"`
	Released *big.Int       `json:"released"`
	Refunded *big.Int       `json:"refunded"`
}

// Reporter reads the ledger to build transparency views.
type Reporter struct {
	store ledger.Store
	now   func() time.Time
}

// NewReporter binds a reporter to the ledger store.
func NewReporter(store ledger.Store) *Reporter {
	return &Reporter{store: store, now: time.Now}
}

// SetNowFunc overrides the report timestamp clock.
func (r *Reporter) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.now = now
}

// Report computes the aggregate statistics. Total donations count confirmed
// and released funds; a milestone counts as completed once released, and as a
// prevented fraud when it was frozen at least once.
func (r *Reporter) Report(ctx context.Context) (*Stats, error) {
	milestones, err := r.store.Milestones(ctx, ledger.MilestoneFilter{})
	if err != nil {
		return nil, err
	}
	donations, err := r.store.Donations(ctx, ledger.DonationFilter{})
	if err != nil {
		return nil, err
	}
	alerts, err := r.store.Alerts(ctx, ledger.AlertFilter{Status: ledger.AlertActive})
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		TotalDonations: ledger.SumDonations(donations, func(s ledger.DonationStatus) bool {
			return s == ledger.DonationConfirmed || s == ledger.DonationReleased
		}),
		TotalRefunded: ledger.SumDonations(donations, func(s ledger.DonationStatus) bool {
			return s == ledger.DonationRefunded
		}),
		TotalMilestones: len(milestones),
		ActiveAlerts:    len(alerts),
		GeneratedAt:     r.now().UTC(),
	}
	ngos := make(map[common.Address]struct{})
	var completion time.Duration
	for _, m := range milestones {
		ngos[m.NGO] = struct{}{}
		if m.Freezes > 0 {
			stats.FraudsPrevented++
		}
		if m.Status == ledger.MilestoneReleased && !m.DecidedAt.IsZero() {
			stats.CompletedMilestones++
			completion += m.DecidedAt.Sub(m.CreatedAt)
		}
	}
	stats.TotalNGOs = len(ngos)
	if stats.CompletedMilestones > 0 {
		avg := completion / time.Duration(stats.CompletedMilestones)
		stats.AverageCompletionDays = float64(avg) / float64(day)
	}
	return stats, nil
}

// Portfolio lists the donor's funded milestones with escrowed, released and
// refunded totals. Pending donations are ignored.
func (r *Reporter) Portfolio(ctx context.Context, donor common.Address) (*Portfolio, error) {
	donations, err := r.store.Donations(ctx, ledger.DonationFilter{Donor: donor})
	if err != nil {
		return nil, err
	}
	out := &Portfolio{Donor: donor, Escrowed: big.NewInt(0), Released: big.NewInt(0), Refunded: big.NewInt(0)}
	byMilestone := make(map[string]*Holding)
	for _, d := range donations {
		if !d.Status.Funded() {
			continue
		}
		h, ok := byMilestone[d.MilestoneID]
		if !ok {
			m, err := r.store.Milestone(ctx, d.MilestoneID)
			if err != nil {
				return nil, err
			}
			h = &Holding{
				MilestoneID: m.ID,
				Title:       m.Title,
				Status:      m.Status,
				Escrowed:    big.NewInt(0),
				Released:    big.NewInt(0),
				Refunded:    big.NewInt(0),
			}
			byMilestone[d.MilestoneID] = h
			out.Holdings = append(out.Holdings, h)
		}
		switch d.Status {
		case ledger.DonationConfirmed:
			h.Escrowed.Add(h.Escrowed, d.Amount)
			out.Escrowed.Add(out.Escrowed, d.Amount)
		case ledger.DonationReleased:
			h.Released.Add(h.Released, d.Amount)
			out.Released.Add(out.Released, d.Amount)
		case ledger.DonationRefunded:
			h.Refunded.Add(h.Refunded, d.Amount)
			out.Refunded.Add(out.Refunded, d.Amount)
		}
	}
	return out, nil
}
