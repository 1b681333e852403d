package planner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) PublishType(eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingNotifier) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	p      *Planner
	store  *store.SQLiteStore
	events *recordingNotifier
	bistro *store.Customer
	cafe   *store.Customer
	peas   *store.Item
	radish *store.Item
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "planner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	events := &recordingNotifier{}
	o := Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Notifier: events,
		Today:    func() calendar.Date { return date("2025-08-01") },
	}
	for _, fn := range opts {
		fn(&o)
	}
	f := &fixture{p: New(s, o), store: s, events: events}

	ctx := context.Background()
	f.bistro, err = f.p.CreateCustomer(ctx, CustomerInput{Name: "Green Bistro"})
	require.NoError(t, err)
	f.cafe, err = f.p.CreateCustomer(ctx, CustomerInput{Name: "Corner Cafe"})
	require.NoError(t, err)
	f.peas, err = f.p.CreateItem(ctx, ItemInput{
		Name:      "Pea shoots",
		Price:     decimal.RequireFromString("4.50"),
		SeedGrams: decimal.NewFromInt(120),
		Substrate: "coco",
		Stages:    calendar.Profile{{Name: "germination", Days: 3}, {Name: "growing", Days: 7}},
	})
	require.NoError(t, err)
	f.radish, err = f.p.CreateItem(ctx, ItemInput{
		Name:      "Radish",
		Price:     decimal.NewFromInt(3),
		SeedGrams: decimal.NewFromInt(80),
		Substrate: "hemp",
		Stages:    calendar.Profile{{Name: "germination", Days: 2}, {Name: "growing", Days: 5}},
	})
	require.NoError(t, err)
	return f
}

func date(s string) calendar.Date { return calendar.MustParse(s) }

func qty(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func (f *fixture) lines(item *store.Item, n int64) []LineInput {
	return []LineInput{{ItemID: item.ID, Quantity: qty(n)}}
}

// weekly creates a weekly pea subscription for the bistro.
func (f *fixture) weekly(t *testing.T, start string, n int64, h Horizon) (*store.Subscription, ExpandResult) {
	t.Helper()
	sub, res, err := f.p.CreateSubscription(context.Background(), SubscriptionInput{
		CustomerID: f.bistro.ID,
		Recurrence: store.Recurrence{Unit: store.UnitWeek, Every: 1},
		StartDate:  date(start),
		Lines:      f.lines(f.peas, n),
	}, h)
	require.NoError(t, err)
	return sub, res
}

func (f *fixture) occurrences(t *testing.T, subscriptionID string) []store.Order {
	t.Helper()
	orders, err := f.store.ListOrdersBySubscription(context.Background(), subscriptionID, 0, -1)
	require.NoError(t, err)
	return orders
}

func quantities(orders []store.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Lines[0].Quantity.String())
	}
	return out
}

func deliveryDates(orders []store.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.DeliveryDate.String())
	}
	return out
}

func TestCreateOrderSnapshotsLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.p.CreateOrder(ctx, OrderInput{
		CustomerID:   f.bistro.ID,
		DeliveryDate: date("2025-03-20"),
		Lines:        f.lines(f.peas, 2),
	})
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)

	line := o.Lines[0]
	assert.Equal(t, date("2025-03-10"), line.ProductionDate)
	assert.Equal(t, "Pea shoots", line.ItemName)
	assert.True(t, decimal.RequireFromString("4.50").Equal(line.UnitPrice))
	assert.Equal(t, []calendar.Transfer{
		{Stage: "germination", Date: date("2025-03-13")},
		{Stage: "growing", Date: date("2025-03-20")},
	}, line.Transfers)
	assert.True(t, f.events.has(eventbus.OrderCreated))

	audit, err := f.p.ListAuditEvents(ctx, store.AuditFilter{OrderID: o.ID})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, eventbus.OrderCreated, audit[0].Action)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    OrderInput
		check func(error) bool
	}{
		{"zero quantity", OrderInput{CustomerID: f.bistro.ID, DeliveryDate: date("2025-09-03"), Lines: f.lines(f.peas, 0)}, IsValidation},
		{"negative quantity", OrderInput{CustomerID: f.bistro.ID, DeliveryDate: date("2025-09-03"), Lines: f.lines(f.peas, -1)}, IsValidation},
		{"no lines", OrderInput{CustomerID: f.bistro.ID, DeliveryDate: date("2025-09-03")}, IsValidation},
		{"unknown item", OrderInput{CustomerID: f.bistro.ID, DeliveryDate: date("2025-09-03"),
			Lines: []LineInput{{ItemID: "nope", Quantity: qty(1)}}}, IsValidation},
		{"no date", OrderInput{CustomerID: f.bistro.ID, Lines: f.lines(f.peas, 1)}, IsValidation},
		{"unknown customer", OrderInput{CustomerID: "nobody", DeliveryDate: date("2025-09-03"), Lines: f.lines(f.peas, 1)}, IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.events.count()
			_, err := f.p.CreateOrder(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %v", err)
			assert.Equal(t, before, f.events.count(), "failed mutation must not publish")
		})
	}

	week, err := f.p.DeliverySchedule(ctx, date("2025-09-01"))
	require.NoError(t, err)
	assert.Zero(t, week.Len())
}

func TestPlanningFloorRejectsPastProduction(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RejectPastProduction = true
		o.Today = func() calendar.Date { return date("2025-08-25") }
	})
	ctx := context.Background()

	// production would start on 2025-08-22
	_, err := f.p.CreateOrder(ctx, OrderInput{CustomerID: f.bistro.ID, DeliveryDate: date("2025-09-01"), Lines: f.lines(f.peas, 1)})
	assert.True(t, IsValidation(err), "got %v", err)

	// production starts on 2025-08-31
	_, err = f.p.CreateOrder(ctx, OrderInput{CustomerID: f.bistro.ID, DeliveryDate: date("2025-09-10"), Lines: f.lines(f.peas, 1)})
	assert.NoError(t, err)
}

func TestItemUpdateKeepsSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.p.CreateOrder(ctx, OrderInput{CustomerID: f.bistro.ID, DeliveryDate: date("2025-09-03"), Lines: f.lines(f.peas, 2)})
	require.NoError(t, err)

	_, err = f.p.UpdateItem(ctx, f.peas.ID, ItemInput{
		Name:   "Pea shoots",
		Price:  decimal.NewFromInt(6),
		Stages: calendar.Profile{{Name: "germination", Days: 4}, {Name: "growing", Days: 10}},
	})
	require.NoError(t, err)

	got, err := f.p.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, date("2025-08-24"), got.Lines[0].ProductionDate)
	assert.True(t, decimal.RequireFromString("4.5").Equal(got.Lines[0].UnitPrice))

	err = f.p.DeleteItem(ctx, f.peas.ID)
	assert.True(t, IsValidation(err), "deleting a referenced item: %v", err)
	assert.NoError(t, f.p.DeleteItem(ctx, f.radish.ID))
}

func TestCatalogValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.CreateCustomer(ctx, CustomerInput{Name: "  "})
	assert.True(t, IsValidation(err))
	_, err = f.p.CreateCustomer(ctx, CustomerInput{Name: "Green Bistro"})
	assert.True(t, IsValidation(err), "duplicate name: %v", err)

	_, err = f.p.CreateItem(ctx, ItemInput{Name: "Sunflower"})
	assert.True(t, IsValidation(err), "item without stages: %v", err)
	_, err = f.p.CreateItem(ctx, ItemInput{Name: "Sunflower", Stages: calendar.Profile{{Name: "x", Days: -2}}})
	assert.True(t, IsValidation(err))

	_, err = f.p.GetItem(ctx, "missing")
	assert.True(t, IsNotFound(err))

	c, err := f.p.UpdateCustomer(ctx, f.cafe.ID, CustomerInput{Name: "Corner Cafe", Contact: "0123"})
	require.NoError(t, err)
	assert.Equal(t, "0123", c.Contact)
	require.NoError(t, f.p.DeleteCustomer(ctx, f.cafe.ID))
	_, err = f.p.GetCustomer(ctx, f.cafe.ID)
	assert.True(t, IsNotFound(err))
}
