package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/store"
)

// snapshot is the stored state of the rows one mutation touched.
type snapshot struct {
	Orders       []store.Order       `json:"orders"`
	Subscription *store.Subscription `json:"subscription,omitempty"`
	Skips        []int               `json:"skips,omitempty"`
}

func (s *snapshot) orderIndex() map[string]*store.Order {
	idx := make(map[string]*store.Order, len(s.Orders))
	for i := range s.Orders {
		idx[s.Orders[i].ID] = &s.Orders[i]
	}
	return idx
}

// undoRecord is the audit detail of an edit or delete: the request plus the
// rows before and after it.
type undoRecord struct {
	Changes any       `json:"changes,omitempty"`
	Before  *snapshot `json:"before"`
	After   *snapshot `json:"after"`
}

// capture holds the before image of the rows a mutation is about to write.
type capture struct {
	subscriptionID string
	orderIDs       []string
	before         *snapshot
}

func (t *txn) snapshot(ctx context.Context, subscriptionID string, orderIDs []string) (*snapshot, error) {
	snap := &snapshot{Orders: []store.Order{}}
	for _, id := range orderIDs {
		o, err := t.GetOrder(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot order %s: %w", id, err)
		}
		snap.Orders = append(snap.Orders, *o)
	}
	if subscriptionID == "" {
		return snap, nil
	}
	sub, err := t.GetSubscription(ctx, subscriptionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("snapshot subscription %s: %w", subscriptionID, err)
	default:
		snap.Subscription = sub
	}
	skips, err := t.ListSubscriptionSkips(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot skips: %w", err)
	}
	snap.Skips = skips
	return snap, nil
}

// capture records the current state of the given rows. An empty
// subscriptionID leaves the subscription out of the image.
func (t *txn) capture(ctx context.Context, subscriptionID string, orderIDs []string) (*capture, error) {
	before, err := t.snapshot(ctx, subscriptionID, orderIDs)
	if err != nil {
		return nil, err
	}
	return &capture{subscriptionID: subscriptionID, orderIDs: orderIDs, before: before}, nil
}

// auditUndoable logs eventType with the before and after images of c so the
// mutation can be reverted later.
func (t *txn) auditUndoable(ctx context.Context, eventType string, change Change, c *capture, changes any) error {
	after, err := t.snapshot(ctx, c.subscriptionID, c.orderIDs)
	if err != nil {
		return err
	}
	return t.audit(ctx, eventType, change, undoRecord{Changes: changes, Before: c.before, After: after})
}

// RevertResult reports what a revert wrote.
type RevertResult struct {
	Reverted         string   `json:"reverted"`
	SubscriptionID   string   `json:"subscription_id,omitempty"`
	RestoredOrderIDs []string `json:"restored_order_ids"`
	RemovedOrderIDs  []string `json:"removed_order_ids"`
}

// Revert puts the rows an edit or delete touched back into the state they had
// before it, in one transaction. It refuses with a ConflictError when any of
// those rows changed since. Occurrences expanded after a reverted FUTURE edit
// are removed so expansion regenerates them from the restored subscription.
// A revert is itself logged and can be reverted.
func (p *Planner) Revert(ctx context.Context, auditID string) (RevertResult, error) {
	res := RevertResult{Reverted: auditID, RestoredOrderIDs: []string{}, RemovedOrderIDs: []string{}}
	err := p.mutate(ctx, func(t *txn) error {
		ev, err := t.GetAuditEvent(ctx, auditID)
		if err != nil {
			return translate(err, "audit event", auditID)
		}
		var rec undoRecord
		if len(ev.Detail) > 0 {
			if err := json.Unmarshal(ev.Detail, &rec); err != nil {
				return fmt.Errorf("decode audit detail: %w", err)
			}
		}
		if rec.Before == nil || rec.After == nil {
			return invalid("audit_id", "%s event %s cannot be reverted", ev.Action, ev.ID)
		}
		res.SubscriptionID = ev.SubscriptionID
		return p.revertTx(ctx, t, ev.SubscriptionID, rec, &res)
	})
	if err != nil {
		return RevertResult{}, err
	}
	p.logger.Info("change reverted", "audit_id", auditID,
		"restored", len(res.RestoredOrderIDs), "removed", len(res.RemovedOrderIDs))
	return res, nil
}

func (p *Planner) revertTx(ctx context.Context, t *txn, subID string, rec undoRecord, res *RevertResult) error {
	before, after := rec.Before, rec.After
	beforeIdx, afterIdx := before.orderIndex(), after.orderIndex()

	for i := range after.Orders {
		want := &after.Orders[i]
		cur, err := t.GetOrder(ctx, want.ID)
		if errors.Is(err, store.ErrNotFound) {
			return conflict("order %s was deleted since", want.ID)
		}
		if err != nil {
			return err
		}
		if !sameOrder(cur, want) {
			return conflict("order %s was changed since", want.ID)
		}
	}
	for id := range beforeIdx {
		if _, ok := afterIdx[id]; ok {
			continue
		}
		if _, err := t.GetOrder(ctx, id); err == nil {
			return conflict("order %s exists again", id)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if err := checkRestorable(ctx, t, before.Orders); err != nil {
		return err
	}

	subChanged := subscriptionChanged(before.Subscription, after.Subscription)
	var expanded []store.Order
	if subChanged {
		cur, err := t.GetSubscription(ctx, subID)
		switch {
		case after.Subscription == nil && err == nil:
			return conflict("subscription %s exists again", subID)
		case after.Subscription == nil && errors.Is(err, store.ErrNotFound):
		case errors.Is(err, store.ErrNotFound):
			return conflict("subscription %s was deleted since", subID)
		case err != nil:
			return err
		case !sameSubscription(cur, after.Subscription):
			return conflict("subscription %s was changed since", subID)
		case before.Subscription != nil && cur.NextStep > before.Subscription.NextStep:
			later, err := t.ListOrdersBySubscription(ctx, subID, before.Subscription.NextStep, -1)
			if err != nil {
				return err
			}
			for _, o := range later {
				if _, ok := afterIdx[o.ID]; ok {
					continue
				}
				if o.Override {
					return conflict("occurrence %d of subscription %s was edited since", *o.StepIndex, subID)
				}
				expanded = append(expanded, o)
			}
		}
	}

	ids := append(orderIDs(before.Orders), orderIDs(after.Orders)...)
	ids = append(ids, orderIDs(expanded)...)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	c, err := t.capture(ctx, subID, ids)
	if err != nil {
		return err
	}

	if subChanged && before.Subscription != nil {
		sub := *before.Subscription
		if after.Subscription == nil {
			err = t.CreateSubscription(ctx, &sub)
		} else {
			err = t.UpdateSubscription(ctx, &sub)
		}
		if err != nil {
			return fmt.Errorf("restore subscription: %w", err)
		}
		if after.Subscription != nil {
			if err := t.DeleteSubscriptionSkips(ctx, subID, sub.NextStep); err != nil {
				return fmt.Errorf("trim skips: %w", err)
			}
		}
	}
	for _, o := range expanded {
		if err := t.DeleteOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("remove occurrence: %w", err)
		}
		res.RemovedOrderIDs = append(res.RemovedOrderIDs, o.ID)
	}
	for _, o := range after.Orders {
		if _, ok := beforeIdx[o.ID]; ok {
			continue
		}
		if err := t.DeleteOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("remove order: %w", err)
		}
		res.RemovedOrderIDs = append(res.RemovedOrderIDs, o.ID)
	}
	for _, o := range before.Orders {
		if _, ok := afterIdx[o.ID]; ok {
			err = t.UpdateOrder(ctx, &o)
		} else {
			err = t.CreateOrder(ctx, &o)
		}
		if err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
		res.RestoredOrderIDs = append(res.RestoredOrderIDs, o.ID)
	}
	if before.Subscription != nil {
		for _, step := range before.Skips {
			if !slices.Contains(after.Skips, step) {
				if err := t.AddSubscriptionSkip(ctx, subID, step); err != nil {
					return fmt.Errorf("restore skip: %w", err)
				}
			}
		}
		for _, step := range after.Skips {
			if !slices.Contains(before.Skips, step) {
				if err := t.RemoveSubscriptionSkip(ctx, subID, step); err != nil {
					return fmt.Errorf("remove skip: %w", err)
				}
			}
		}
	}
	if subChanged && before.Subscription == nil && after.Subscription != nil {
		if err := t.DeleteSubscription(ctx, subID); err != nil {
			return fmt.Errorf("remove subscription: %w", err)
		}
	}

	change := Change{
		OrderIDs:       append(slices.Clone(res.RestoredOrderIDs), res.RemovedOrderIDs...),
		SubscriptionID: subID,
	}
	return t.auditUndoable(ctx, eventbus.ChangeReverted, change, c, map[string]string{"reverted": res.Reverted})
}

// checkRestorable verifies that the customers and items orders refer to
// still exist.
func checkRestorable(ctx context.Context, t *txn, orders []store.Order) error {
	seen := map[string]bool{}
	for _, o := range orders {
		if !seen["c:"+o.CustomerID] {
			if _, err := t.GetCustomer(ctx, o.CustomerID); errors.Is(err, store.ErrNotFound) {
				return conflict("customer %s no longer exists", o.CustomerID)
			} else if err != nil {
				return err
			}
			seen["c:"+o.CustomerID] = true
		}
		for _, l := range o.Lines {
			if seen["i:"+l.ItemID] {
				continue
			}
			if _, err := t.GetItem(ctx, l.ItemID); errors.Is(err, store.ErrNotFound) {
				return conflict("item %s no longer exists", l.ItemID)
			} else if err != nil {
				return err
			}
			seen["i:"+l.ItemID] = true
		}
	}
	return nil
}

func sameOrder(a, b *store.Order) bool {
	if a.DeliveryDate != b.DeliveryDate || a.Override != b.Override || a.HalfChannel != b.HalfChannel ||
		len(a.Lines) != len(b.Lines) {
		return false
	}
	if (a.StepIndex == nil) != (b.StepIndex == nil) || (a.StepIndex != nil && *a.StepIndex != *b.StepIndex) {
		return false
	}
	for i := range a.Lines {
		if a.Lines[i].ItemID != b.Lines[i].ItemID || !a.Lines[i].Quantity.Equal(b.Lines[i].Quantity) {
			return false
		}
	}
	return true
}

// sameSubscription compares what defines generation. NextStep is left out
// because expansion advances it.
func sameSubscription(a, b *store.Subscription) bool {
	if a.Recurrence != b.Recurrence || a.AnchorDate != b.AnchorDate || a.AnchorStep != b.AnchorStep ||
		a.EndDate != b.EndDate || a.MaxOccurrences != b.MaxOccurrences || a.HalfChannel != b.HalfChannel ||
		len(a.Template) != len(b.Template) {
		return false
	}
	for i := range a.Template {
		if a.Template[i].ItemID != b.Template[i].ItemID || !a.Template[i].Quantity.Equal(b.Template[i].Quantity) {
			return false
		}
	}
	return true
}

func subscriptionChanged(before, after *store.Subscription) bool {
	if before == nil || after == nil {
		return (before == nil) != (after == nil)
	}
	return before.NextStep != after.NextStep || !sameSubscription(before, after)
}
