package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/store"
)

// Scope selects how far an edit or delete of a subscription occurrence reaches.
type Scope string

const (
	// ScopeSingle touches the target occurrence only.
	ScopeSingle Scope = "single"
	// ScopeFuture touches the target and every later occurrence, and the
	// subscription that generates them.
	ScopeFuture Scope = "future"
)

// ParseScope parses "single" or "future"; the empty string means single.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeSingle:
		return ScopeSingle, nil
	case ScopeFuture:
		return ScopeFuture, nil
	}
	return "", invalid("scope", "must be %q or %q, got %q", ScopeSingle, ScopeFuture, s)
}

// Changes lists what an edit modifies. Nil fields stay as they are; a non-nil
// Lines replaces all lines.
type Changes struct {
	DeliveryDate *calendar.Date    `json:"delivery_date,omitempty"`
	Lines        []LineInput       `json:"lines,omitempty"`
	Recurrence   *store.Recurrence `json:"recurrence,omitempty"`
	HalfChannel  *bool             `json:"half_channel,omitempty"`
}

func (c Changes) empty() bool {
	return c.DeliveryDate == nil && c.Lines == nil && c.Recurrence == nil && c.HalfChannel == nil
}

// apply sets the order-level fields of c on o. Dates are handled by the
// caller because their rules depend on the scope.
func (c Changes) apply(o *store.Order) {
	if c.HalfChannel != nil {
		o.HalfChannel = *c.HalfChannel
	}
}

// EditResult lists the orders an edit rewrote. Subscription is the updated
// subscription for FUTURE edits of an occurrence.
type EditResult struct {
	Updated      []store.Order       `json:"updated"`
	Subscription *store.Subscription `json:"subscription,omitempty"`
}

// DeleteResult lists what a delete removed.
type DeleteResult struct {
	DeletedOrderIDs     []string `json:"deleted_order_ids"`
	SubscriptionID      string   `json:"subscription_id,omitempty"`
	SubscriptionDeleted bool     `json:"subscription_deleted"`
}

// resolve loads the subscription and series an occurrence belongs to.
func resolve(ctx context.Context, tx store.Store, o *store.Order) (*series, int, error) {
	sub, err := tx.GetSubscription(ctx, o.SubscriptionID)
	if err != nil {
		if IsNotFound(translate(err, "subscription", o.SubscriptionID)) {
			return nil, 0, inconsistent(o.SubscriptionID, "order %s refers to a missing subscription", o.ID)
		}
		return nil, 0, err
	}
	if o.StepIndex == nil {
		return nil, 0, inconsistent(sub.ID, "order %s has no step index", o.ID)
	}
	s, err := loadSeries(ctx, tx, sub)
	if err != nil {
		return nil, 0, err
	}
	return s, *o.StepIndex, nil
}

// ApplyEdit changes an order. For one-off orders the scope is irrelevant.
func (p *Planner) ApplyEdit(ctx context.Context, orderID string, ch Changes, scope Scope) (EditResult, error) {
	if scope != ScopeSingle && scope != ScopeFuture {
		return EditResult{}, invalid("scope", "unknown scope %q", scope)
	}
	if ch.empty() {
		return EditResult{}, invalid("changes", "nothing to change")
	}
	if ch.DeliveryDate != nil && !ch.DeliveryDate.Valid() {
		return EditResult{}, invalid("delivery_date", "a valid date is required")
	}
	if ch.Recurrence != nil {
		if scope == ScopeSingle {
			return EditResult{}, invalid("recurrence", "can only change with future scope")
		}
		if err := validateRecurrence(*ch.Recurrence); err != nil {
			return EditResult{}, err
		}
	}

	var res EditResult
	err := p.mutate(ctx, func(t *txn) error {
		target, err := t.GetOrder(ctx, orderID)
		if err != nil {
			return translate(err, "order", orderID)
		}
		if target.SubscriptionID == "" {
			if ch.Recurrence != nil {
				return invalid("recurrence", "order %s is not part of a subscription", orderID)
			}
			res, err = p.editOneOff(ctx, t, target, ch)
			return err
		}
		s, step, err := resolve(ctx, t, target)
		if err != nil {
			return err
		}
		if scope == ScopeSingle {
			res, err = p.editSingle(ctx, t, s, step, target, ch)
		} else {
			res, err = p.editFuture(ctx, t, s, step, target, ch)
		}
		return err
	})
	if err != nil {
		return EditResult{}, err
	}
	p.logger.Info("order edited", "order_id", orderID, "scope", scope, "updated", len(res.Updated))
	return res, nil
}

func (p *Planner) editOneOff(ctx context.Context, t *txn, o *store.Order, ch Changes) (EditResult, error) {
	c, err := t.capture(ctx, "", []string{o.ID})
	if err != nil {
		return EditResult{}, err
	}
	if ch.DeliveryDate != nil {
		o.DeliveryDate = *ch.DeliveryDate
	}
	ch.apply(o)
	lines := linesOf(o)
	if ch.Lines != nil {
		lines = ch.Lines
	}
	built, err := p.buildLines(ctx, t, itemCache{}, o.DeliveryDate, lines, true)
	if err != nil {
		return EditResult{}, err
	}
	o.Lines = built
	if err := t.UpdateOrder(ctx, o); err != nil {
		return EditResult{}, fmt.Errorf("update order: %w", err)
	}
	return EditResult{Updated: []store.Order{*o}},
		t.auditUndoable(ctx, eventbus.OrderUpdated, Change{OrderIDs: []string{o.ID}}, c, ch)
}

func (p *Planner) editSingle(ctx context.Context, t *txn, s *series, step int, o *store.Order, ch Changes) (EditResult, error) {
	c, err := t.capture(ctx, "", []string{o.ID})
	if err != nil {
		return EditResult{}, err
	}
	if ch.DeliveryDate != nil && *ch.DeliveryDate != o.DeliveryDate {
		date := *ch.DeliveryDate
		prev, next := s.neighbours(step)
		if prev != nil && !date.After(prev.DeliveryDate) {
			return EditResult{}, invalid("delivery_date", "%s must be after the previous occurrence on %s", date, prev.DeliveryDate)
		}
		if next != nil && !date.Before(next.DeliveryDate) {
			return EditResult{}, invalid("delivery_date", "%s must be before the next occurrence on %s", date, next.DeliveryDate)
		}
		if next == nil {
			if up, ok := s.upcoming(); ok && !date.Before(up) {
				return EditResult{}, invalid("delivery_date", "%s must be before the next scheduled occurrence on %s", date, up)
			}
		}
		o.DeliveryDate = date
	}
	ch.apply(o)
	lines := linesOf(o)
	if ch.Lines != nil {
		lines = ch.Lines
	}
	built, err := p.buildLines(ctx, t, itemCache{}, o.DeliveryDate, lines, true)
	if err != nil {
		return EditResult{}, err
	}
	o.Lines = built
	o.Override = true
	if err := t.UpdateOrder(ctx, o); err != nil {
		return EditResult{}, fmt.Errorf("update occurrence: %w", err)
	}
	change := Change{OrderIDs: []string{o.ID}, SubscriptionID: s.sub.ID, Scope: ScopeSingle}
	return EditResult{Updated: []store.Order{*o}}, t.auditUndoable(ctx, eventbus.OrderUpdated, change, c, ch)
}

// editFuture rewrites the target and every later non-override occurrence and
// moves the subscription onto the new template. Only a date or recurrence
// change re-anchors the subscription and re-dates the propagated occurrences;
// any other edit keeps every stored date.
func (p *Planner) editFuture(ctx context.Context, t *txn, s *series, step int, target *store.Order, ch Changes) (EditResult, error) {
	sub := s.sub
	var ids []string
	for _, o := range s.orders {
		if *o.StepIndex >= step {
			ids = append(ids, o.ID)
		}
	}
	c, err := t.capture(ctx, sub.ID, ids)
	if err != nil {
		return EditResult{}, err
	}

	redate := ch.Recurrence != nil || (ch.DeliveryDate != nil && *ch.DeliveryDate != target.DeliveryDate)
	if ch.Recurrence != nil {
		sub.Recurrence = *ch.Recurrence
	}
	if redate {
		sub.AnchorStep = step
		sub.AnchorDate = target.DeliveryDate
		if ch.DeliveryDate != nil {
			sub.AnchorDate = *ch.DeliveryDate
		}
	}
	if ch.Lines != nil {
		sub.Template = templateOf(ch.Lines)
	}
	if ch.HalfChannel != nil {
		sub.HalfChannel = *ch.HalfChannel
	}

	items := itemCache{}
	var updated []store.Order
	for i := range s.orders {
		o := &s.orders[i]
		st := *o.StepIndex
		if st < step || (o.Override && o.ID != target.ID) {
			continue
		}
		if redate {
			o.DeliveryDate = sub.DeliveryDateAt(st)
		}
		ch.apply(o)
		lines := linesOf(o)
		if ch.Lines != nil {
			lines = ch.Lines
		}
		built, err := p.buildLines(ctx, t, items, o.DeliveryDate, lines, true)
		if err != nil {
			return EditResult{}, err
		}
		o.Lines = built
		o.Override = false
		updated = append(updated, *o)
	}

	if err := checkOrdering(s); err != nil {
		return EditResult{}, err
	}

	for i := range updated {
		if err := t.UpdateOrder(ctx, &updated[i]); err != nil {
			return EditResult{}, fmt.Errorf("update occurrence: %w", err)
		}
	}
	if err := t.UpdateSubscription(ctx, sub); err != nil {
		return EditResult{}, fmt.Errorf("update subscription: %w", err)
	}
	change := Change{OrderIDs: orderIDs(updated), SubscriptionID: sub.ID, Scope: ScopeFuture, Count: len(updated)}
	if err := t.auditUndoable(ctx, eventbus.OrderUpdated, change, c, ch); err != nil {
		return EditResult{}, err
	}
	if err := t.audit(ctx, eventbus.SubscriptionUpdated, Change{SubscriptionID: sub.ID},
		map[string]any{"anchor_step": sub.AnchorStep, "anchor_date": sub.AnchorDate, "recurrence": sub.Recurrence}); err != nil {
		return EditResult{}, err
	}
	return EditResult{Updated: updated, Subscription: sub}, nil
}

// checkOrdering verifies that occurrence dates strictly increase with their
// step, including the next occurrence expansion would generate.
func checkOrdering(s *series) error {
	var prev *store.Order
	for i := range s.orders {
		o := &s.orders[i]
		if prev != nil && !o.DeliveryDate.After(prev.DeliveryDate) {
			return invalid("delivery_date", "occurrence %d on %s would not fall after occurrence %d on %s",
				*o.StepIndex, o.DeliveryDate, *prev.StepIndex, prev.DeliveryDate)
		}
		prev = o
	}
	if up, ok := s.upcoming(); ok && prev != nil && !up.After(prev.DeliveryDate) {
		return invalid("delivery_date", "occurrence %d on %s would not fall before the next scheduled one on %s",
			*prev.StepIndex, prev.DeliveryDate, up)
	}
	return nil
}

// ApplyDelete removes an order. For subscription occurrences SINGLE leaves a
// skip so the step is never regenerated; FUTURE removes the target and every
// later occurrence and stops generation there.
func (p *Planner) ApplyDelete(ctx context.Context, orderID string, scope Scope) (DeleteResult, error) {
	if scope != ScopeSingle && scope != ScopeFuture {
		return DeleteResult{}, invalid("scope", "unknown scope %q", scope)
	}
	var res DeleteResult
	err := p.mutate(ctx, func(t *txn) error {
		target, err := t.GetOrder(ctx, orderID)
		if err != nil {
			return translate(err, "order", orderID)
		}
		if target.SubscriptionID == "" {
			c, err := t.capture(ctx, "", []string{orderID})
			if err != nil {
				return err
			}
			if err := t.DeleteOrder(ctx, orderID); err != nil {
				return translate(err, "order", orderID)
			}
			res = DeleteResult{DeletedOrderIDs: []string{orderID}}
			return t.auditUndoable(ctx, eventbus.OrderDeleted, Change{OrderIDs: []string{orderID}}, c, nil)
		}
		s, step, err := resolve(ctx, t, target)
		if err != nil {
			return err
		}
		if scope == ScopeSingle {
			res, err = p.deleteSingle(ctx, t, s, step, target)
		} else {
			res, err = p.deleteFuture(ctx, t, s, step)
		}
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}
	p.logger.Info("order deleted", "order_id", orderID, "scope", scope,
		"deleted", len(res.DeletedOrderIDs), "subscription_deleted", res.SubscriptionDeleted)
	return res, nil
}

func (p *Planner) deleteSingle(ctx context.Context, t *txn, s *series, step int, o *store.Order) (DeleteResult, error) {
	c, err := t.capture(ctx, s.sub.ID, []string{o.ID})
	if err != nil {
		return DeleteResult{}, err
	}
	if err := t.DeleteOrder(ctx, o.ID); err != nil {
		return DeleteResult{}, fmt.Errorf("delete occurrence: %w", err)
	}
	if err := t.AddSubscriptionSkip(ctx, s.sub.ID, step); err != nil {
		return DeleteResult{}, fmt.Errorf("record skip: %w", err)
	}
	res := DeleteResult{DeletedOrderIDs: []string{o.ID}, SubscriptionID: s.sub.ID}
	deleted, err := dropIfEmpty(ctx, t, s.sub.ID)
	if err != nil {
		return res, err
	}
	res.SubscriptionDeleted = deleted
	return res, t.auditUndoable(ctx, eventbus.OrderDeleted,
		Change{OrderIDs: res.DeletedOrderIDs, SubscriptionID: s.sub.ID, Scope: ScopeSingle},
		c, map[string]int{"step": step})
}

func (p *Planner) deleteFuture(ctx context.Context, t *txn, s *series, step int) (DeleteResult, error) {
	sub := s.sub
	res := DeleteResult{SubscriptionID: sub.ID}
	for _, o := range s.orders {
		if *o.StepIndex >= step {
			res.DeletedOrderIDs = append(res.DeletedOrderIDs, o.ID)
		}
	}
	c, err := t.capture(ctx, sub.ID, res.DeletedOrderIDs)
	if err != nil {
		return res, err
	}
	for _, id := range res.DeletedOrderIDs {
		if err := t.DeleteOrder(ctx, id); err != nil {
			return res, fmt.Errorf("delete occurrence: %w", err)
		}
	}
	change := Change{OrderIDs: res.DeletedOrderIDs, SubscriptionID: sub.ID, Scope: ScopeFuture, Count: len(res.DeletedOrderIDs)}

	if step == 0 {
		if err := t.DeleteSubscription(ctx, sub.ID); err != nil {
			return res, fmt.Errorf("delete subscription: %w", err)
		}
		res.SubscriptionDeleted = true
		if err := t.audit(ctx, eventbus.SubscriptionDeleted, Change{SubscriptionID: sub.ID}, nil); err != nil {
			return res, err
		}
		return res, t.auditUndoable(ctx, eventbus.OrderDeleted, change, c, map[string]int{"from_step": step})
	}

	if err := t.DeleteSubscriptionSkips(ctx, sub.ID, step); err != nil {
		return res, fmt.Errorf("trim skips: %w", err)
	}
	sub.MaxOccurrences = step
	sub.NextStep = step
	if err := t.UpdateSubscription(ctx, sub); err != nil {
		return res, fmt.Errorf("cap subscription: %w", err)
	}
	if err := t.audit(ctx, eventbus.SubscriptionUpdated, Change{SubscriptionID: sub.ID},
		map[string]int{"max_occurrences": step}); err != nil {
		return res, err
	}
	deleted, err := dropIfEmpty(ctx, t, sub.ID)
	if err != nil {
		return res, err
	}
	res.SubscriptionDeleted = deleted
	return res, t.auditUndoable(ctx, eventbus.OrderDeleted, change, c, map[string]int{"from_step": step})
}

// dropIfEmpty deletes a subscription whose last occurrence has gone.
func dropIfEmpty(ctx context.Context, t *txn, subscriptionID string) (bool, error) {
	n, err := t.CountOrdersBySubscription(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := t.DeleteSubscription(ctx, subscriptionID); err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return true, t.audit(ctx, eventbus.SubscriptionDeleted, Change{SubscriptionID: subscriptionID}, nil)
}

// CancelSubscription removes every occurrence and the subscription itself.
func (p *Planner) CancelSubscription(ctx context.Context, subscriptionID string) (DeleteResult, error) {
	var res DeleteResult
	err := p.mutate(ctx, func(t *txn) error {
		sub, err := t.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return translate(err, "subscription", subscriptionID)
		}
		s, err := loadSeries(ctx, t, sub)
		if err != nil {
			return err
		}
		res, err = p.deleteFuture(ctx, t, s, 0)
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}
	p.logger.Info("subscription cancelled", "subscription_id", subscriptionID, "deleted", len(res.DeletedOrderIDs))
	return res, nil
}
