// Package payout drains the release and refund instruction outbox into the
// wallet collaborator.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"givechain/core/events"
	"givechain/core/types"
	"givechain/native/ledger"
	"givechain/observability"
	"givechain/observability/logging"
)

// EventTypeInstructionSent is emitted after the wallet accepted an
// instruction and the outbox recorded it.
const EventTypeInstructionSent = "payout.instruction.sent"

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 100
)

// Summary reports the result of one dispatch pass.
type Summary struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Dispatcher delivers pending instructions at least once. Failed deliveries
// stay pending and are retried on the next pass.
type Dispatcher struct {
	store    ledger.Store
	wallet   Wallet
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *observability.PayoutMetrics
	emitter  events.Emitter
	interval time.Duration
	batch    int
	now      func() time.Time
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithRate paces wallet calls. A non-positive limit disables pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithInterval sets how often Run polls the outbox.
func WithInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.interval = interval }
}

// WithBatchSize caps the instructions handled per pass.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batch = n }
}

// WithEmitter configures the event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(d *Dispatcher) { d.emitter = emitter }
}

// WithClock sets the function used for sent timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.now = clock }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.PayoutMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher constructs a dispatcher over the ledger outbox.
func NewDispatcher(store ledger.Store, wallet Wallet, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		wallet:   wallet,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   slog.Default(),
		metrics:  observability.Payout(),
		emitter:  events.NoopEmitter{},
		interval: defaultInterval,
		batch:    defaultBatchSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.emitter == nil {
		d.emitter = events.NoopEmitter{}
	}
	if d.interval <= 0 {
		d.interval = defaultInterval
	}
	if d.batch <= 0 {
		d.batch = defaultBatchSize
	}
	return d
}

// DispatchPending performs one pass over the outbox in creation order. It
// stops early only when the context is cancelled.
func (d *Dispatcher) DispatchPending(ctx context.Context) (Summary, error) {
	var summary Summary
	if d.wallet == nil {
		return summary, fmt.Errorf("payout: wallet not configured")
	}
	pending, err := d.store.PendingInstructions(ctx, d.batch)
	if err != nil {
		return summary, err
	}
	d.metrics.RecordBacklog(len(pending))
	for _, ins := range pending {
		if err := d.limiter.Wait(ctx); err != nil {
			return summary, err
		}
		if d.deliver(ctx, ins) {
			summary.Sent++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ins *ledger.Instruction) bool {
	log := d.logger.With(
		slog.String("instruction", ins.ID),
		slog.String("kind", string(ins.Kind)),
		slog.String("milestone", ins.MilestoneID),
		slog.String("recipient", logging.MaskTail(ins.Recipient.Hex(), 6)),
	)
	start := time.Now()
	var (
		ref string
		err error
	)
	switch ins.Kind {
	case ledger.InstructionRelease:
		ref, err = d.wallet.Release(ctx, ins.Recipient, ins.Amount, ins.ID)
	case ledger.InstructionRefund:
		ref, err = d.wallet.Refund(ctx, ins.Recipient, ins.Amount, ins.ID)
	default:
		err = fmt.Errorf("payout: unknown instruction kind %q", ins.Kind)
	}
	if err != nil {
		d.metrics.RecordDispatch(string(ins.Kind), "failed", time.Since(start))
		log.Warn("wallet delivery failed", slog.Int("attempt", int(ins.Attempts)+1), slog.Any("error", err))
		if markErr := d.store.MarkInstructionFailed(ctx, ins.ID, err.Error()); markErr != nil {
			log.Error("record delivery failure", slog.Any("error", markErr))
		}
		return false
	}
	sent, err := d.store.MarkInstructionSent(ctx, ins.ID, ref, d.now())
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// another dispatcher already recorded it
		d.metrics.RecordDispatch(string(ins.Kind), "duplicate", time.Since(start))
		return false
	}
	if err != nil {
		d.metrics.RecordDispatch(string(ins.Kind), "unrecorded", time.Since(start))
		log.Error("record delivery", slog.String("wallet_ref", ref), slog.Any("error", err))
		return false
	}
	d.metrics.RecordDispatch(string(ins.Kind), "sent", time.Since(start))
	log.Info("instruction delivered", slog.String("wallet_ref", ref), slog.String("amount", ins.Amount.String()))
	d.emitter.Emit(events.Wrap(newSentEvent(sent)))
	return true
}

// Run dispatches immediately and then on every interval until the context is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		summary, err := d.DispatchPending(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.logger.Error("dispatch pass failed", slog.Any("error", err))
		} else if summary.Sent+summary.Failed > 0 {
			d.logger.Info("dispatch pass", slog.Int("sent", summary.Sent), slog.Int("failed", summary.Failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newSentEvent(ins *ledger.Instruction) *types.Event {
	evt := types.NewEvent(EventTypeInstructionSent, ins.ID, ins.SentAt)
	evt.Attributes["instructionId"] = ins.ID
	evt.Attributes["kind"] = string(ins.Kind)
	evt.Attributes["milestoneId"] = ins.MilestoneID
	evt.Attributes["recipient"] = ins.Recipient.Hex()
	evt.Attributes["amount"] = ins.Amount.String()
	evt.Attributes["walletRef"] = ins.WalletRef
	if ins.DonationID != "" {
		evt.Attributes["donationId"] = ins.DonationID
	}
	return evt
}
