package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"givechain/native/ledger"
)

// Stats are the funding figures derived from the ledger for one NGO.
type Stats struct {
	TotalReceived       *big.Int `json:"totalReceived"`
	Escrowed            *big.Int `json:"escrowed"`
	TotalMilestones     int      `json:"totalMilestones"`
	CompletedMilestones int      `json:"completedMilestones"`
	DonorCount          int      `json:"donorCount"`
	ApprovedExpenses    *big.Int `json:"approvedExpenses"`
	PendingExpenses     int      `json:"pendingExpenses"`
}

// Profile is a registry entry together with its ledger statistics.
type Profile struct {
	ledger.NGO
	Stats Stats `json:"stats"`
}

// Profile returns the NGO's registry entry and statistics.
func (r *Registry) Profile(ctx context.Context, address common.Address) (*Profile, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	n, err := r.store.NGO(ctx, address)
	if err != nil {
		return nil, err
	}
	stats, err := r.stats(ctx, address)
	if err != nil {
		return nil, err
	}
	return &Profile{NGO: *n, Stats: *stats}, nil
}

// Directory lists registry entries matching the filter with their
// statistics.
func (r *Registry) Directory(ctx context.Context, filter ledger.NGOFilter) ([]*Profile, error) {
	if r == nil || r.store == nil {
		return nil, errNilStore
	}
	ngos, err := r.store.NGOs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(ngos))
	for _, n := range ngos {
		stats, err := r.stats(ctx, n.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, &Profile{NGO: *n, Stats: *stats})
	}
	return out, nil
}

func (r *Registry) stats(ctx context.Context, address common.Address) (*Stats, error) {
	stats := &Stats{
		TotalReceived:    big.NewInt(0),
		Escrowed:         big.NewInt(0),
		ApprovedExpenses: big.NewInt(0),
	}
	milestones, err := r.store.Milestones(ctx, ledger.MilestoneFilter{NGO: address})
	if err != nil {
		return nil, err
	}
	donors := make(map[common.Address]struct{})
	for _, m := range milestones {
		stats.TotalMilestones++
		if m.Status == ledger.MilestoneReleased {
			stats.CompletedMilestones++
		}
		donations, err := r.store.Donations(ctx, ledger.DonationFilter{MilestoneID: m.ID})
		if err != nil {
			return nil, err
		}
		for _, d := range donations {
			switch d.Status {
			case ledger.DonationReleased:
				stats.TotalReceived.Add(stats.TotalReceived, d.Amount)
			case ledger.DonationConfirmed:
				stats.Escrowed.Add(stats.Escrowed, d.Amount)
			}
			if d.Status.Funded() {
				donors[d.Donor] = struct{}{}
			}
		}
	}
	stats.DonorCount = len(donors)
	expenses, err := r.store.Expenses(ctx, ledger.ExpenseFilter{NGO: address})
	if err != nil {
		return nil, err
	}
	for _, e := range expenses {
		switch e.Status {
		case ledger.ExpenseApproved:
			stats.ApprovedExpenses.Add(stats.ApprovedExpenses, e.Amount)
		case ledger.ExpensePending:
			stats.PendingExpenses++
		}
	}
	return stats, nil
}
