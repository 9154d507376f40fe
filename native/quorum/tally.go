// Package quorum aggregates validator attestations into release or rejection
// decisions for milestones awaiting approval.
package quorum

import (
	"github.com/ethereum/go-ethereum/common"

	"givechain/native/ledger"
)

// Decision is the result of evaluating a vote set.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionRelease Decision = "release"
	DecisionReject  Decision = "reject"
)

// Outcome summarises a tally.
type Outcome struct {
	Approvals  int      `json:"approvals"`
	Rejections int      `json:"rejections"`
	Required   int      `json:"required"`
	Total      int      `json:"total"`
	Decision   Decision `json:"decision"`
}

// Evaluate decides a vote set. It is a pure function of the current votes,
// the required approval count and the roster size: approvals reaching
// required release the milestone, and at least one rejection above
// total-required makes approval unreachable. Only the latest vote of each
// validator counts.
func Evaluate(votes []*ledger.Vote, required, total int) Outcome {
	latest := make(map[common.Address]*ledger.Vote, len(votes))
	for _, v := range votes {
		if v == nil {
			continue
		}
		if prev, ok := latest[v.Validator]; ok && prev.Timestamp.After(v.Timestamp) {
			continue
		}
		latest[v.Validator] = v
	}
	out := Outcome{Required: required, Total: total, Decision: DecisionPending}
	for _, v := range latest {
		switch v.Decision {
		case ledger.VoteApprove:
			out.Approvals++
		case ledger.VoteReject:
			out.Rejections++
		}
	}
	switch {
	case required > 0 && out.Approvals >= required:
		out.Decision = DecisionRelease
	case out.Rejections > 0 && out.Rejections > total-required:
		// A roster shrunk below required makes total-required negative;
		// approvals alone never reject.
		out.Decision = DecisionReject
	}
	return out
}
