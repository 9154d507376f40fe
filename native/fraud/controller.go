// Package fraud raises fraud alerts and applies the freeze override that
// halts funding and voting on suspect milestones.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"givechain/core/events"
	"givechain/core/types"
	"givechain/native/escrow"
	"givechain/native/ledger"
)

const (
	EventTypeAlertRaised       = "fraud.alert.raised"
	EventTypeAlertDismissed    = "fraud.alert.dismissed"
	EventTypeAlertResolved     = "fraud.alert.resolved"
	EventTypeMilestoneFrozen   = "fraud.milestone.frozen"
	EventTypeMilestoneUnfrozen = "fraud.milestone.unfrozen"

	maxDescriptionLength = 2000
)

// AlertSpec describes a new fraud alert. Leaving MilestoneID empty targets
// every milestone of the NGO.
type AlertSpec struct {
	NGO         common.Address
	MilestoneID string
	Kind        ledger.AlertKind
	Severity    ledger.Severity
	Description string
	Reporter    common.Address
}

// Controller owns fraud alerts and the freeze override.
type Controller struct {
	store   ledger.Store
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewController constructs a controller over the ledger store.
func NewController(store ledger.Store) *Controller {
	return &Controller{store: store, emitter: events.NoopEmitter{}, nowFn: time.Now}
}

// SetEmitter configures the event emitter. Passing nil discards events.
func (c *Controller) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	c.emitter = emitter
}

// SetNowFunc overrides the clock used for alert timestamps.
func (c *Controller) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.nowFn = now
}

func (c *Controller) emit(evts ...*types.Event) {
	for _, evt := range evts {
		if evt != nil {
			c.emitter.Emit(events.Wrap(evt))
		}
	}
}

// RaiseAlert records an active alert. Milestone status is left untouched.
func (c *Controller) RaiseAlert(ctx context.Context, spec AlertSpec) (*ledger.FraudAlert, error) {
	spec.MilestoneID = strings.TrimSpace(spec.MilestoneID)
	spec.Description = strings.TrimSpace(spec.Description)
	if len(spec.Description) > maxDescriptionLength {
		return nil, fmt.Errorf("%w: description exceeds %d bytes", ledger.ErrInvalidInput, maxDescriptionLength)
	}
	if spec.MilestoneID != "" && spec.NGO == (common.Address{}) {
		m, err := c.store.Milestone(ctx, spec.MilestoneID)
		if err != nil {
			return nil, err
		}
		spec.NGO = m.NGO
	}
	now := c.nowFn().UTC()
	alert := &ledger.FraudAlert{
		ID:          uuid.NewString(),
		NGO:         spec.NGO,
		MilestoneID: spec.MilestoneID,
		Kind:        spec.Kind,
		Severity:    spec.Severity,
		Description: spec.Description,
		Reporter:    spec.Reporter,
		Status:      ledger.AlertActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateAlert(ctx, alert); err != nil {
		return nil, err
	}
	c.emit(newAlertEvent(EventTypeAlertRaised, alert, "", now))
	return alert.Clone(), nil
}

// Freeze forces the milestone into the frozen state on the strength of an
// active alert that targets it or its NGO. Votes already cast are kept but
// not evaluated while frozen. Freezing a frozen milestone is a no-op.
func (c *Controller) Freeze(ctx context.Context, alertID, milestoneID, actor string) (*ledger.Milestone, error) {
	alert, err := c.store.Alert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status != ledger.AlertActive {
		return nil, fmt.Errorf("%w: alert %s is %s", ledger.ErrAlertNotActive, alert.ID, alert.Status)
	}
	m, evts, err := ledger.Apply(ctx, c.store, milestoneID, func(tx *ledger.MilestoneTx) error {
		current := findAlert(tx.Alerts, alert.ID)
		if current == nil {
			return fmt.Errorf("%w: alert %s, milestone %s", ledger.ErrAlertTargetMismatch, alert.ID, tx.Milestone.ID)
		}
		if current.Status != ledger.AlertActive {
			return fmt.Errorf("%w: alert %s is %s", ledger.ErrAlertNotActive, current.ID, current.Status)
		}
		return freeze(tx, current, actor)
	})
	if err != nil {
		return nil, err
	}
	c.emit(evts...)
	return m, nil
}

// FreezeNGO freezes every open milestone of the NGO named by an NGO-wide
// alert. Each milestone is frozen in its own mutation; the milestones frozen
// before an error are returned alongside it.
func (c *Controller) FreezeNGO(ctx context.Context, alertID, actor string) ([]*ledger.Milestone, error) {
	alert, err := c.store.Alert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status != ledger.AlertActive {
		return nil, fmt.Errorf("%w: alert %s is %s", ledger.ErrAlertNotActive, alert.ID, alert.Status)
	}
	if alert.MilestoneID != "" {
		return nil, fmt.Errorf("%w: alert %s targets milestone %s only", ledger.ErrAlertTargetMismatch, alert.ID, alert.MilestoneID)
	}
	milestones, err := c.store.Milestones(ctx, ledger.MilestoneFilter{NGO: alert.NGO})
	if err != nil {
		return nil, err
	}
	var frozen []*ledger.Milestone
	for _, m := range milestones {
		if m.Status.Closed() || m.Status == ledger.MilestoneFrozen {
			continue
		}
		updated, err := c.Freeze(ctx, alert.ID, m.ID, actor)
		if errors.Is(err, ledger.ErrAlreadyTerminal) {
			continue
		}
		if err != nil {
			return frozen, err
		}
		frozen = append(frozen, updated)
	}
	return frozen, nil
}

func freeze(tx *ledger.MilestoneTx, alert *ledger.FraudAlert, actor string) error {
	m := tx.Milestone
	switch {
	case m.Status == ledger.MilestoneFrozen:
		return nil
	case m.Status.Closed():
		return fmt.Errorf("%w: milestone %s is %s", ledger.ErrAlreadyTerminal, m.ID, m.Status)
	}
	m.FrozenFrom = m.Status
	m.FrozenBy = alert.ID
	m.Freezes++
	if err := tx.SetStatus(ledger.MilestoneFrozen); err != nil {
		return err
	}
	tx.Record("milestone.frozen", actor, map[string]string{
		"alertId":    alert.ID,
		"frozenFrom": string(m.FrozenFrom),
	})
	evt := escrow.NewMilestoneEvent(EventTypeMilestoneFrozen, m, tx.Now)
	evt.Attributes["alertId"] = alert.ID
	evt.Attributes["frozenFrom"] = string(m.FrozenFrom)
	evt.Attributes["severity"] = string(alert.Severity)
	tx.Emit(evt)
	return nil
}

// DismissAlert marks an active alert as a false positive. Frozen milestones
// stay frozen.
func (c *Controller) DismissAlert(ctx context.Context, alertID, actor string) (*ledger.FraudAlert, error) {
	return c.closeAlert(ctx, alertID, actor, ledger.AlertDismissed, EventTypeAlertDismissed)
}

// ResolveAlert marks an active alert as handled. Frozen milestones stay
// frozen.
func (c *Controller) ResolveAlert(ctx context.Context, alertID, actor string) (*ledger.FraudAlert, error) {
	return c.closeAlert(ctx, alertID, actor, ledger.AlertResolved, EventTypeAlertResolved)
}

func (c *Controller) closeAlert(ctx context.Context, alertID, actor string, status ledger.AlertStatus, eventType string) (*ledger.FraudAlert, error) {
	alert, err := c.store.MutateAlert(ctx, alertID, func(a *ledger.FraudAlert) error {
		if a.Status != ledger.AlertActive {
			return fmt.Errorf("%w: alert %s is %s", ledger.ErrAlertNotActive, a.ID, a.Status)
		}
		a.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(newAlertEvent(eventType, alert, actor, c.nowFn()))
	return alert, nil
}

// Unfreeze lifts the freeze once no active alert targets the milestone or
// its NGO. A milestone with a donation refunded during the freeze can only
// be closed through SettleRefunds. An empty toStatus resumes funding in
// in_progress; the pre-freeze pending or awaiting_approval status can be
// restored exactly by naming it.
func (c *Controller) Unfreeze(ctx context.Context, milestoneID string, toStatus ledger.MilestoneStatus, actor string) (*ledger.Milestone, error) {
	if toStatus == "" {
		toStatus = ledger.MilestoneInProgress
	}
	switch toStatus {
	case ledger.MilestoneInProgress, ledger.MilestoneAwaitingApproval, ledger.MilestonePending:
	default:
		return nil, fmt.Errorf("%w: cannot unfreeze to %s", ledger.ErrInvalidInput, toStatus)
	}
	m, evts, err := ledger.Apply(ctx, c.store, milestoneID, func(tx *ledger.MilestoneTx) error {
		m := tx.Milestone
		if m.Status != ledger.MilestoneFrozen {
			return fmt.Errorf("%w: milestone %s is %s", ledger.ErrInvalidTransition, m.ID, m.Status)
		}
		if active := tx.ActiveAlerts(); len(active) > 0 {
			return fmt.Errorf("%w: %d active alert(s), first %s", ledger.ErrActiveAlertsRemain, len(active), active[0].ID)
		}
		for _, d := range tx.Donations {
			if d.Status == ledger.DonationRefunded {
				return fmt.Errorf("%w: donation %s was refunded while frozen; settle refunds instead", ledger.ErrInvalidTransition, d.ID)
			}
		}
		if toStatus != ledger.MilestoneInProgress && toStatus != m.FrozenFrom {
			return fmt.Errorf("%w: milestone was %s before the freeze", ledger.ErrInvalidTransition, m.FrozenFrom)
		}
		from := m.FrozenFrom
		m.FrozenFrom = ""
		m.FrozenBy = ""
		if err := tx.SetStatus(toStatus); err != nil {
			return err
		}
		tx.Record("milestone.unfrozen", actor, map[string]string{"restored": string(toStatus)})
		evt := escrow.NewMilestoneEvent(EventTypeMilestoneUnfrozen, m, tx.Now)
		evt.Attributes["frozenFrom"] = string(from)
		tx.Emit(evt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(evts...)
	return m, nil
}

func findAlert(alerts []*ledger.FraudAlert, id string) *ledger.FraudAlert {
	for _, a := range alerts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func newAlertEvent(eventType string, a *ledger.FraudAlert, actor string, at time.Time) *types.Event {
	evt := types.NewEvent(eventType, a.ID, at)
	evt.Attributes["alertId"] = a.ID
	evt.Attributes["ngo"] = a.NGO.Hex()
	evt.Attributes["kind"] = string(a.Kind)
	evt.Attributes["severity"] = string(a.Severity)
	evt.Attributes["status"] = string(a.Status)
	if a.MilestoneID != "" {
		evt.Attributes["milestoneId"] = a.MilestoneID
	}
	if actor != "" {
		evt.Attributes["actor"] = actor
	}
	return evt
}
