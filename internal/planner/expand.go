package planner

import (
	"context"
	"fmt"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/store"
)

// Horizon bounds expansion by date, by step count, or both. Steps counts from
// the first occurrence: Steps == 4 means steps 0..3 exist afterwards.
type Horizon struct {
	Until calendar.Date `json:"until"`
	Steps int           `json:"steps"`
}

// HorizonFromToday returns a horizon lookaheadDays past today. today is
// passed in explicitly; the planner never reads the clock for expansion.
func HorizonFromToday(today calendar.Date, lookaheadDays int) Horizon {
	return Horizon{Until: today.AddDays(lookaheadDays)}
}

func (h Horizon) validate() error {
	if h.Until.IsZero() && h.Steps <= 0 {
		return invalid("horizon", "needs an end date or a positive step count")
	}
	if !h.Until.IsZero() && !h.Until.Valid() {
		return invalid("horizon", "end date %s is out of range", h.Until)
	}
	return nil
}

// ExpandResult reports what an expansion created.
type ExpandResult struct {
	SubscriptionID string        `json:"subscription_id"`
	Created        []store.Order `json:"created"`
	NextStep       int           `json:"next_step"`
}

// SubscriptionInput describes a new subscription.
type SubscriptionInput struct {
	CustomerID     string           `json:"customer_id"`
	Recurrence     store.Recurrence `json:"recurrence"`
	StartDate      calendar.Date    `json:"start_date"`
	EndDate        calendar.Date    `json:"end_date"`
	MaxOccurrences int              `json:"max_occurrences"`
	HalfChannel    bool             `json:"half_channel"`
	Lines          []LineInput      `json:"lines"`
}

// Occurrence is one step of a subscription as stored.
type Occurrence struct {
	Step     int           `json:"step"`
	OrderID  string        `json:"order_id,omitempty"`
	Date     calendar.Date `json:"date"`
	Override bool          `json:"override,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	// Expected is the date the recurrence assigns to Step. Zero for steps
	// before the current anchor, whose dates came from an earlier recurrence.
	Expected calendar.Date `json:"expected"`
}

func validateRecurrence(r store.Recurrence) error {
	if r.Unit != store.UnitDay && r.Unit != store.UnitWeek {
		return invalid("recurrence", "unit must be %q or %q", store.UnitDay, store.UnitWeek)
	}
	if r.Every < 1 {
		return invalid("recurrence", "every must be at least 1")
	}
	return nil
}

func templateInputs(tmpl []store.LineTemplate) []LineInput {
	out := make([]LineInput, 0, len(tmpl))
	for _, l := range tmpl {
		out = append(out, LineInput{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return out
}

func templateOf(lines []LineInput) []store.LineTemplate {
	out := make([]store.LineTemplate, 0, len(lines))
	for _, l := range lines {
		out = append(out, store.LineTemplate{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return out
}

// generates reports whether the subscription's own end conditions allow step.
func generates(sub *store.Subscription, step int) bool {
	if sub.MaxOccurrences > 0 && step >= sub.MaxOccurrences {
		return false
	}
	date := sub.DeliveryDateAt(step)
	if !date.Valid() {
		return false
	}
	return sub.EndDate.IsZero() || !date.After(sub.EndDate)
}

// series is a subscription together with its stored occurrences and skips.
type series struct {
	sub    *store.Subscription
	orders []store.Order // ascending step
	byStep map[int]int   // step → index into orders
	skips  map[int]bool
}

// loadSeries reads every occurrence of sub and checks that each step below
// NextStep is represented by exactly one order or skip.
func loadSeries(ctx context.Context, tx store.Store, sub *store.Subscription) (*series, error) {
	orders, err := tx.ListOrdersBySubscription(ctx, sub.ID, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	total, err := tx.CountOrdersBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("count occurrences: %w", err)
	}
	if total != len(orders) {
		return nil, inconsistent(sub.ID, "%d occurrences have no valid step index", total-len(orders))
	}
	skipped, err := tx.ListSubscriptionSkips(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("list skips: %w", err)
	}

	s := &series{
		sub:    sub,
		orders: orders,
		byStep: make(map[int]int, len(orders)),
		skips:  make(map[int]bool, len(skipped)),
	}
	for i, o := range orders {
		step := *o.StepIndex
		if step >= sub.NextStep {
			return nil, inconsistent(sub.ID, "occurrence %s at step %d is beyond next step %d", o.ID, step, sub.NextStep)
		}
		s.byStep[step] = i
	}
	for _, step := range skipped {
		if _, ok := s.byStep[step]; ok {
			return nil, inconsistent(sub.ID, "step %d is both materialized and skipped", step)
		}
		if step < 0 || step >= sub.NextStep {
			return nil, inconsistent(sub.ID, "skip at step %d is outside 0..%d", step, sub.NextStep-1)
		}
		s.skips[step] = true
	}
	for step := 0; step < sub.NextStep; step++ {
		if _, ok := s.byStep[step]; !ok && !s.skips[step] {
			return nil, inconsistent(sub.ID, "step %d has neither an occurrence nor a skip", step)
		}
	}
	return s, nil
}

// order returns the occurrence at step, or nil.
func (s *series) order(step int) *store.Order {
	if i, ok := s.byStep[step]; ok {
		return &s.orders[i]
	}
	return nil
}

// neighbours returns the nearest materialized occurrences before and after
// step. Skipped steps do not count.
func (s *series) neighbours(step int) (prev, next *store.Order) {
	for i := range s.orders {
		o := &s.orders[i]
		switch st := *o.StepIndex; {
		case st < step:
			prev = o
		case st > step && next == nil:
			next = o
		}
	}
	return prev, next
}

// upcoming returns the date the next generated occurrence will get, if the
// subscription will generate one at all.
func (s *series) upcoming() (calendar.Date, bool) {
	if !generates(s.sub, s.sub.NextStep) {
		return calendar.Date{}, false
	}
	return s.sub.DeliveryDateAt(s.sub.NextStep), true
}

func (p *Planner) expandTx(ctx context.Context, t *txn, sub *store.Subscription, h Horizon) (ExpandResult, error) {
	res := ExpandResult{SubscriptionID: sub.ID, NextStep: sub.NextStep}
	if _, err := loadSeries(ctx, t, sub); err != nil {
		return res, err
	}
	cust, err := t.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		if IsNotFound(translate(err, "customer", sub.CustomerID)) {
			return res, inconsistent(sub.ID, "customer %s is missing", sub.CustomerID)
		}
		return res, err
	}

	items := itemCache{}
	from := sub.NextStep
	for step := sub.NextStep; ; step++ {
		if h.Steps > 0 && step >= h.Steps {
			break
		}
		if !generates(sub, step) {
			break
		}
		date := sub.DeliveryDateAt(step)
		if !h.Until.IsZero() && date.After(h.Until) {
			break
		}
		lines, err := p.buildLines(ctx, t, items, date, templateInputs(sub.Template), false)
		if err != nil {
			return res, err
		}
		idx := step
		o := store.Order{
			CustomerID:     cust.ID,
			CustomerName:   cust.Name,
			DeliveryDate:   date,
			SubscriptionID: sub.ID,
			StepIndex:      &idx,
			HalfChannel:    sub.HalfChannel,
			Lines:          lines,
		}
		if err := t.CreateOrder(ctx, &o); err != nil {
			return res, fmt.Errorf("create occurrence %d: %w", step, err)
		}
		res.Created = append(res.Created, o)
		sub.NextStep = step + 1
	}
	res.NextStep = sub.NextStep

	if len(res.Created) == 0 {
		return res, nil
	}
	if err := t.UpdateSubscription(ctx, sub); err != nil {
		return res, fmt.Errorf("advance subscription: %w", err)
	}
	return res, t.audit(ctx, eventbus.SubscriptionExpanded,
		Change{SubscriptionID: sub.ID, OrderIDs: orderIDs(res.Created), Count: len(res.Created)},
		map[string]int{"from_step": from, "next_step": sub.NextStep})
}

// Expand materializes the occurrences of one subscription up to h. Repeating
// a call with the same or a smaller horizon creates and modifies nothing.
func (p *Planner) Expand(ctx context.Context, subscriptionID string, h Horizon) (ExpandResult, error) {
	if err := h.validate(); err != nil {
		return ExpandResult{}, err
	}
	var res ExpandResult
	err := p.mutate(ctx, func(t *txn) error {
		sub, err := t.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return translate(err, "subscription", subscriptionID)
		}
		res, err = p.expandTx(ctx, t, sub, h)
		return err
	})
	if err != nil {
		return ExpandResult{}, err
	}
	if len(res.Created) > 0 {
		p.logger.Info("subscription expanded", "subscription_id", subscriptionID,
			"created", len(res.Created), "next_step", res.NextStep)
	}
	return res, nil
}

// ExpandAll expands every subscription up to h and returns the number of
// occurrences created.
func (p *Planner) ExpandAll(ctx context.Context, h Horizon) (int, error) {
	if err := h.validate(); err != nil {
		return 0, err
	}
	created := 0
	err := p.mutate(ctx, func(t *txn) error {
		subs, err := t.ListSubscriptions(ctx)
		if err != nil {
			return err
		}
		for i := range subs {
			res, err := p.expandTx(ctx, t, &subs[i], h)
			if err != nil {
				return err
			}
			created += len(res.Created)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		p.logger.Info("subscriptions expanded", "created", created, "until", h.Until.String(), "steps", h.Steps)
	}
	return created, nil
}

// CreateSubscription validates and stores a subscription, then expands it up
// to h in the same transaction.
func (p *Planner) CreateSubscription(ctx context.Context, in SubscriptionInput, h Horizon) (*store.Subscription, ExpandResult, error) {
	if err := h.validate(); err != nil {
		return nil, ExpandResult{}, err
	}
	if err := validateRecurrence(in.Recurrence); err != nil {
		return nil, ExpandResult{}, err
	}
	if !in.StartDate.Valid() {
		return nil, ExpandResult{}, invalid("start_date", "a valid start date is required")
	}
	if !in.EndDate.IsZero() && in.EndDate.Before(in.StartDate) {
		return nil, ExpandResult{}, invalid("end_date", "%s is before the start date %s", in.EndDate, in.StartDate)
	}
	if in.MaxOccurrences < 0 {
		return nil, ExpandResult{}, invalid("max_occurrences", "must not be negative")
	}

	sub := &store.Subscription{
		CustomerID:     in.CustomerID,
		Recurrence:     in.Recurrence,
		AnchorDate:     in.StartDate,
		EndDate:        in.EndDate,
		MaxOccurrences: in.MaxOccurrences,
		Template:       templateOf(in.Lines),
		HalfChannel:    in.HalfChannel,
	}
	var res ExpandResult
	err := p.mutate(ctx, func(t *txn) error {
		if _, err := t.GetCustomer(ctx, in.CustomerID); err != nil {
			return translate(err, "customer", in.CustomerID)
		}
		// the first occurrence is checked against the planning floor
		if _, err := p.buildLines(ctx, t, itemCache{}, in.StartDate, in.Lines, true); err != nil {
			return err
		}
		if err := t.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if err := t.audit(ctx, eventbus.SubscriptionCreated, Change{SubscriptionID: sub.ID},
			map[string]any{"recurrence": sub.Recurrence, "start_date": sub.AnchorDate}); err != nil {
			return err
		}
		var err error
		res, err = p.expandTx(ctx, t, sub, h)
		return err
	})
	if err != nil {
		return nil, ExpandResult{}, err
	}
	p.logger.Info("subscription created", "subscription_id", sub.ID, "occurrences", len(res.Created))
	return sub, res, nil
}

// Occurrences lists every generated step of a subscription with its stored
// and its recurrence-derived date.
func (p *Planner) Occurrences(ctx context.Context, subscriptionID string) ([]Occurrence, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sub, err := p.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, translate(err, "subscription", subscriptionID)
	}
	s, err := loadSeries(ctx, p.store, sub)
	if err != nil {
		return nil, err
	}
	out := make([]Occurrence, 0, sub.NextStep)
	for step := 0; step < sub.NextStep; step++ {
		occ := Occurrence{Step: step}
		if step >= sub.AnchorStep {
			occ.Expected = sub.DeliveryDateAt(step)
		}
		if o := s.order(step); o != nil {
			occ.OrderID = o.ID
			occ.Date = o.DeliveryDate
			occ.Override = o.Override
		} else {
			occ.Skipped = true
		}
		out = append(out, occ)
	}
	return out, nil
}
