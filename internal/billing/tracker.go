package billing

import (
	"context"
	"time"
)

// Checker is the capability check consulted on every create.
type Checker interface {
	CanCreateSecret(ctx context.Context, ownerID string) (bool, error)
	AttachmentLimit(ctx context.Context, ownerID string) (int64, error)
	RecordCreation(ctx context.Context, ownerID string) error
}

var _ Checker = (*Tracker)(nil)

// Tracker enforces plan limits against a monthly usage counter. Months are
// calendar months in UTC.
type Tracker struct {
	counter     Counter
	plans       map[Plan]Limits
	owners      map[string]Plan
	defaultPlan Plan
	now         func() time.Time
}

type Option func(*Tracker)

// WithPlans overrides individual plan limits; plans not named keep their
// defaults.
func WithPlans(plans map[Plan]Limits) Option {
	return func(t *Tracker) {
		for p, l := range plans {
			t.plans[p] = l
		}
	}
}

func WithOwnerPlans(owners map[string]Plan) Option {
	return func(t *Tracker) {
		for o, p := range owners {
			t.owners[o] = p
		}
	}
}

func WithDefaultPlan(p Plan) Option {
	return func(t *Tracker) { t.defaultPlan = p }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(counter Counter, opts ...Option) *Tracker {
	t := &Tracker{
		counter:     counter,
		plans:       DefaultPlans(),
		owners:      make(map[string]Plan),
		defaultPlan: PlanFree,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) PlanFor(ownerID string) Plan {
	if p, ok := t.owners[ownerID]; ok {
		return p
	}
	return t.defaultPlan
}

func (t *Tracker) limits(ownerID string) Limits {
	if l, ok := t.plans[t.PlanFor(ownerID)]; ok {
		return l
	}
	return t.plans[PlanFree]
}

func (t *Tracker) CanCreateSecret(ctx context.Context, ownerID string) (bool, error) {
	l := t.limits(ownerID)
	if l.MonthlySecrets == Unlimited {
		return true, nil
	}

	used, err := t.counter.Get(ctx, t.usageKey(ownerID))
	if err != nil {
		return false, err
	}
	return used < int64(l.MonthlySecrets), nil
}

func (t *Tracker) AttachmentLimit(ctx context.Context, ownerID string) (int64, error) {
	return t.limits(ownerID).MaxAttachmentBytes, nil
}

func (t *Tracker) RecordCreation(ctx context.Context, ownerID string) error {
	_, err := t.counter.Incr(ctx, t.usageKey(ownerID), nextMonth(t.now()))
	return err
}

// Usage reports how many secrets the owner created in the current month.
func (t *Tracker) Usage(ctx context.Context, ownerID string) (int64, error) {
	return t.counter.Get(ctx, t.usageKey(ownerID))
}

func (t *Tracker) usageKey(ownerID string) string {
	return "usage:" + ownerID + ":" + t.now().UTC().Format("2006-01")
}

func nextMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
