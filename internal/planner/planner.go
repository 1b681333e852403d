// Package planner is the subscription and schedule derivation engine. It
// expands subscriptions into dated orders, applies scope-aware edits and
// deletes, and derives the weekly delivery, production and transfer views.
//
// Every mutation runs under the planner's write lock inside a single store
// transaction; views take the read lock and never write. Change events are
// published only after the transaction commits.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/store"
)

// Notifier receives change events after a mutation commits.
// *eventbus.Bus implements it.
type Notifier interface {
	PublishType(eventType string, data any)
}

// Options configures a Planner.
type Options struct {
	Logger   *slog.Logger
	Notifier Notifier
	// Today supplies the current date for the planning floor. Defaults to
	// calendar.Today in the local zone.
	Today func() calendar.Date
	// RejectPastProduction makes production dates before Today invalid.
	RejectPastProduction bool
}

// Planner owns the order, subscription and schedule semantics.
type Planner struct {
	mu         sync.RWMutex
	store      store.Store
	logger     *slog.Logger
	notifier   Notifier
	today      func() calendar.Date
	rejectPast bool
}

// New creates a Planner over s.
func New(s store.Store, opts Options) *Planner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	today := opts.Today
	if today == nil {
		today = func() calendar.Date { return calendar.Today(nil) }
	}
	return &Planner{
		store:      s,
		logger:     logger.With("component", "planner"),
		notifier:   opts.Notifier,
		today:      today,
		rejectPast: opts.RejectPastProduction,
	}
}

// Today returns the planner's notion of the current date.
func (p *Planner) Today() calendar.Date {
	return p.today()
}

// Change is the payload published on the event bus after a commit.
type Change struct {
	OrderIDs       []string `json:"order_ids,omitempty"`
	SubscriptionID string   `json:"subscription_id,omitempty"`
	Scope          Scope    `json:"scope,omitempty"`
	Count          int      `json:"count,omitempty"`
}

// txn carries the transaction-bound store and the events to publish once it
// commits.
type txn struct {
	store.Store
	pending []pendingEvent
}

type pendingEvent struct {
	eventType string
	change    Change
}

// audit appends an audit row inside the transaction and queues the matching
// change event.
func (t *txn) audit(ctx context.Context, eventType string, change Change, detail any) error {
	ev := &store.AuditEvent{
		Action:         eventType,
		SubscriptionID: change.SubscriptionID,
	}
	if len(change.OrderIDs) == 1 {
		ev.OrderID = change.OrderIDs[0]
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		ev.Detail = raw
	}
	if err := t.LogAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("log audit event: %w", err)
	}
	t.pending = append(t.pending, pendingEvent{eventType: eventType, change: change})
	return nil
}

// mutate runs fn under the write lock in one transaction and publishes the
// queued change events after commit.
func (p *Planner) mutate(ctx context.Context, fn func(t *txn) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var t *txn
	err := p.store.InTx(ctx, func(tx store.Store) error {
		t = &txn{Store: tx}
		return fn(t)
	})
	if err != nil {
		return err
	}
	if p.notifier != nil {
		for _, ev := range t.pending {
			p.notifier.PublishType(ev.eventType, ev.change)
		}
	}
	return nil
}

// LineInput is one requested order line.
type LineInput struct {
	ItemID   string          `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderInput describes a one-off order.
type OrderInput struct {
	CustomerID   string        `json:"customer_id"`
	DeliveryDate calendar.Date `json:"delivery_date"`
	HalfChannel  bool          `json:"half_channel"`
	Lines        []LineInput   `json:"lines"`
}

// itemCache memoises item lookups within one transaction.
type itemCache map[string]*store.Item

func (c itemCache) get(ctx context.Context, tx store.Store, id string) (*store.Item, error) {
	if it, ok := c[id]; ok {
		return it, nil
	}
	it, err := tx.GetItem(ctx, id)
	if err != nil {
		if translated := translate(err, "item", id); IsNotFound(translated) {
			return nil, invalid("lines", "unknown item %s", id)
		}
		return nil, err
	}
	c[id] = it
	return it, nil
}

// floor is the earliest production date accepted for newly written lines.
func (p *Planner) floor() (calendar.Date, bool) {
	if !p.rejectPast {
		return calendar.Date{}, false
	}
	return p.today(), true
}

// buildLines validates lines for a delivery on delivery and snapshots name,
// price, production date and stage transfers from the current items.
// checkFloor controls whether the planning floor applies.
func (p *Planner) buildLines(ctx context.Context, tx store.Store, items itemCache, delivery calendar.Date, lines []LineInput, checkFloor bool) ([]store.OrderItem, error) {
	if !delivery.Valid() {
		return nil, invalid("delivery_date", "a delivery date is required")
	}
	if len(lines) == 0 {
		return nil, invalid("lines", "an order needs at least one line")
	}
	out := make([]store.OrderItem, 0, len(lines))
	for i, l := range lines {
		if strings.TrimSpace(l.ItemID) == "" {
			return nil, invalid("lines", "line %d: item is required", i+1)
		}
		if !l.Quantity.IsPositive() {
			return nil, invalid("lines", "line %d: quantity must be greater than zero", i+1)
		}
		it, err := items.get(ctx, tx, l.ItemID)
		if err != nil {
			return nil, err
		}
		prod := calendar.ProductionDate(delivery, it.Stages)
		if !prod.Valid() {
			return nil, invalid("delivery_date", "production date for %s falls outside the calendar", it.Name)
		}
		if floor, ok := p.floor(); ok && checkFloor && prod.Before(floor) {
			return nil, invalid("delivery_date", "production of %s would start %s, before %s", it.Name, prod, floor)
		}
		out = append(out, store.OrderItem{
			ItemID:         it.ID,
			ItemName:       it.Name,
			UnitPrice:      it.Price,
			Quantity:       l.Quantity,
			ProductionDate: prod,
			Transfers:      calendar.StageTransfers(delivery, it.Stages),
		})
	}
	return out, nil
}

// linesOf turns stored lines back into inputs, for rebuilding snapshots.
func linesOf(o *store.Order) []LineInput {
	out := make([]LineInput, 0, len(o.Lines))
	for _, l := range o.Lines {
		out = append(out, LineInput{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return out
}

func orderIDs(orders []store.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}

// CreateOrder validates and stores a one-off order.
func (p *Planner) CreateOrder(ctx context.Context, in OrderInput) (*store.Order, error) {
	var created *store.Order
	err := p.mutate(ctx, func(t *txn) error {
		c, err := t.GetCustomer(ctx, in.CustomerID)
		if err != nil {
			return translate(err, "customer", in.CustomerID)
		}
		lines, err := p.buildLines(ctx, t, itemCache{}, in.DeliveryDate, in.Lines, true)
		if err != nil {
			return err
		}
		o := &store.Order{
			CustomerID:   c.ID,
			CustomerName: c.Name,
			DeliveryDate: in.DeliveryDate,
			HalfChannel:  in.HalfChannel,
			Lines:        lines,
		}
		if err := t.CreateOrder(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		created = o
		return t.audit(ctx, eventbus.OrderCreated, Change{OrderIDs: []string{o.ID}},
			map[string]any{"delivery_date": o.DeliveryDate, "lines": len(o.Lines)})
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("order created", "order_id", created.ID, "delivery_date", created.DeliveryDate.String())
	return created, nil
}

// GetOrder returns one order with its lines.
func (p *Planner) GetOrder(ctx context.Context, id string) (*store.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, err := p.store.GetOrder(ctx, id)
	return o, translate(err, "order", id)
}

// GetSubscription returns one subscription.
func (p *Planner) GetSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sub, err := p.store.GetSubscription(ctx, id)
	return sub, translate(err, "subscription", id)
}

// ListSubscriptions returns every subscription.
func (p *Planner) ListSubscriptions(ctx context.Context) ([]store.Subscription, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ListSubscriptions(ctx)
}

// ListAuditEvents returns the mutation log, newest first.
func (p *Planner) ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]store.AuditEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ListAuditEvents(ctx, filter)
}
