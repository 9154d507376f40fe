package quorum

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"givechain/core/events"
	"givechain/core/types"
	"givechain/native/escrow"
	"givechain/native/ledger"
	"givechain/native/roster"
)

const (
	EventTypeVote      = "quorum.vote"
	EventTypeFinalized = "quorum.finalized"

	maxCommentLength = 1000
)

var errNilRoster = errors.New("quorum: roster not configured")

// Result is returned by CastVote.
type Result struct {
	Milestone *ledger.Milestone `json:"milestone"`
	Vote      *ledger.Vote      `json:"vote"`
	Outcome   Outcome           `json:"outcome"`
}

// Protocol records validator votes and finalises milestones once the quorum
// rule decides them.
type Protocol struct {
	store   ledger.Store
	roster  roster.Roster
	emitter events.Emitter
}

// NewProtocol wires the protocol to its ledger and roster collaborators.
func NewProtocol(store ledger.Store, r roster.Roster) *Protocol {
	return &Protocol{store: store, roster: r, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil discards events.
func (p *Protocol) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	p.emitter = emitter
}

// CastVote records or replaces the validator's vote and evaluates the quorum
// in the same atomic mutation. At most one caller observes the deciding
// transition.
func (p *Protocol) CastVote(ctx context.Context, validator common.Address, milestoneID string, decision ledger.VoteDecision, comment string) (*Result, error) {
	if p.roster == nil {
		return nil, errNilRoster
	}
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: unknown decision %q", ledger.ErrInvalidInput, decision)
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLength {
		return nil, fmt.Errorf("%w: comment exceeds %d bytes", ledger.ErrInvalidInput, maxCommentLength)
	}
	res := &Result{}
	m, evts, err := ledger.Apply(ctx, p.store, milestoneID, func(tx *ledger.MilestoneTx) error {
		if tx.Milestone.Status != ledger.MilestoneAwaitingApproval {
			return fmt.Errorf("%w: milestone is %s", ledger.ErrMilestoneNotAwaitingApproval, tx.Milestone.Status)
		}
		if !p.roster.IsValidator(validator) {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownValidator, validator.Hex())
		}
		vote := &ledger.Vote{MilestoneID: tx.Milestone.ID, Validator: validator, Decision: decision, Comment: comment, Timestamp: tx.Now}
		tx.PutVote(vote)
		res.Vote = vote
		res.Outcome = p.evaluate(tx)
		tx.Record("vote.cast", validator.Hex(), map[string]string{"decision": string(decision)})
		tx.Emit(newVoteEvent(tx.Milestone, vote, res.Outcome, tx.Now))

		switch res.Outcome.Decision {
		case DecisionRelease:
			if err := escrow.FinalizeRelease(tx, "quorum"); err != nil {
				return err
			}
		case DecisionReject:
			if err := escrow.FinalizeRejection(tx, escrow.ReasonQuorumRejected, "quorum"); err != nil {
				return err
			}
		default:
			return nil
		}
		tx.Emit(newFinalizedEvent(tx.Milestone, res.Outcome, tx.Now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Milestone = m
	p.emit(evts)
	return res, nil
}

// Tally evaluates the milestone's current vote set without changing it.
func (p *Protocol) Tally(ctx context.Context, milestoneID string) (Outcome, error) {
	if p.roster == nil {
		return Outcome{}, errNilRoster
	}
	m, err := p.store.Milestone(ctx, milestoneID)
	if err != nil {
		return Outcome{}, err
	}
	votes, err := p.store.Votes(ctx, milestoneID)
	if err != nil {
		return Outcome{}, err
	}
	return Evaluate(p.members(votes), int(m.RequiredApprovals), p.roster.Size()), nil
}

func (p *Protocol) evaluate(tx *ledger.MilestoneTx) Outcome {
	return Evaluate(p.members(tx.VoteList()), int(tx.Milestone.RequiredApprovals), p.roster.Size())
}

// members drops votes from validators that have since left the roster.
func (p *Protocol) members(votes []*ledger.Vote) []*ledger.Vote {
	out := votes[:0:0]
	for _, v := range votes {
		if p.roster.IsValidator(v.Validator) {
			out = append(out, v)
		}
	}
	return out
}

func (p *Protocol) emit(evts []*types.Event) {
	for _, evt := range evts {
		p.emitter.Emit(events.Wrap(evt))
	}
}

func newVoteEvent(m *ledger.Milestone, v *ledger.Vote, outcome Outcome, at time.Time) *types.Event {
	evt := escrow.NewMilestoneEvent(EventTypeVote, m, at)
	evt.Attributes["validator"] = v.Validator.Hex()
	evt.Attributes["decision"] = string(v.Decision)
	evt.Attributes["approvals"] = strconv.Itoa(outcome.Approvals)
	evt.Attributes["rejections"] = strconv.Itoa(outcome.Rejections)
	return evt
}

func newFinalizedEvent(m *ledger.Milestone, outcome Outcome, at time.Time) *types.Event {
	evt := escrow.NewMilestoneEvent(EventTypeFinalized, m, at)
	evt.Attributes["decision"] = string(outcome.Decision)
	evt.Attributes["approvals"] = strconv.Itoa(outcome.Approvals)
	evt.Attributes["rejections"] = strconv.Itoa(outcome.Rejections)
	evt.Attributes["total"] = strconv.Itoa(outcome.Total)
	return evt
}
