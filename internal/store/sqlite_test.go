package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutplan/sproutplan/internal/calendar"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCustomerAndItem(t *testing.T, s Store) (*Customer, *Item) {
	t.Helper()
	ctx := context.Background()
	c := &Customer{Name: "Green Bistro"}
	require.NoError(t, s.CreateCustomer(ctx, c))
	it := &Item{
		Name:      "Pea shoots",
		Price:     decimal.RequireFromString("4.50"),
		SeedGrams: decimal.RequireFromString("120"),
		Substrate: "coco",
		Stages:    calendar.Profile{{Name: "germination", Days: 3}, {Name: "growing", Days: 7}},
	}
	require.NoError(t, s.CreateItem(ctx, it))
	return c, it
}

func testOrder(c *Customer, it *Item, delivery calendar.Date) *Order {
	return &Order{
		CustomerID:   c.ID,
		DeliveryDate: delivery,
		Lines: []OrderItem{{
			ItemID:         it.ID,
			ItemName:       it.Name,
			UnitPrice:      it.Price,
			Quantity:       decimal.NewFromInt(2),
			ProductionDate: calendar.ProductionDate(delivery, it.Stages),
			Transfers:      calendar.StageTransfers(delivery, it.Stages),
		}},
	}
}

func TestSQLiteMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	assert.NoError(t, s2.Ping(context.Background()))
}

func TestRebind(t *testing.T) {
	pg := dialect{name: "postgres", positional: true}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)",
		pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))
	lite := dialect{name: "sqlite"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestCustomerCRUD(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	c := &Customer{Name: "Corner Cafe", Contact: "cafe@example.com"}
	require.NoError(t, s.CreateCustomer(ctx, c))
	require.NotEmpty(t, c.ID)

	got, err := s.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Corner Cafe", got.Name)

	err = s.CreateCustomer(ctx, &Customer{Name: "Corner Cafe"})
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	c.Contact = "hello@example.com"
	require.NoError(t, s.UpdateCustomer(ctx, c))
	got, err = s.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello@example.com", got.Contact)

	require.NoError(t, s.DeleteCustomer(ctx, c.ID))
	_, err = s.GetCustomer(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteCustomer(ctx, c.ID), ErrNotFound)
}

func TestItemRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	_, it := seedCustomerAndItem(t, s)

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, it.Price.Equal(got.Price))
	assert.True(t, it.SeedGrams.Equal(got.SeedGrams))
	assert.Equal(t, it.Stages, got.Stages)

	items, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestOrderLinesAndTransfersRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	c, it := seedCustomerAndItem(t, s)

	delivery := calendar.New(2025, time.March, 20)
	o := testOrder(c, it, delivery)
	require.NoError(t, s.CreateOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Green Bistro", got.CustomerName)
	assert.Equal(t, delivery, got.DeliveryDate)
	assert.Nil(t, got.StepIndex)
	require.Len(t, got.Lines, 1)
	line := got.Lines[0]
	assert.Equal(t, calendar.New(2025, time.March, 10), line.ProductionDate)
	assert.True(t, decimal.NewFromInt(2).Equal(line.Quantity))
	require.Len(t, line.Transfers, 2)
	assert.Equal(t, calendar.Transfer{Stage: "germination", Date: calendar.New(2025, time.March, 13)}, line.Transfers[0])
	assert.True(t, decimal.RequireFromString("9").Equal(got.Total()))

	// the referenced item can no longer be deleted
	assert.ErrorIs(t, s.DeleteItem(ctx, it.ID), ErrInUse)
	assert.ErrorIs(t, s.DeleteCustomer(ctx, c.ID), ErrInUse)
}

func TestOrderRangeQueries(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	c, it := seedCustomerAndItem(t, s)

	o := testOrder(c, it, calendar.New(2025, time.March, 20))
	require.NoError(t, s.CreateOrder(ctx, o))

	week := func(d calendar.Date) (calendar.Date, calendar.Date) { return d, d.AddDays(6) }

	from, to := week(calendar.New(2025, time.March, 17))
	orders, err := s.ListOrdersByDeliveryRange(ctx, from, to)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	from, to = week(calendar.New(2025, time.March, 10))
	orders, err = s.ListOrdersByProductionRange(ctx, from, to)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	orders, err = s.ListOrdersByTransferRange(ctx, from, to)
	require.NoError(t, err)
	assert.Len(t, orders, 1, "germination ends on March 13")

	from, to = week(calendar.New(2025, time.March, 24))
	orders, err = s.ListOrdersByDeliveryRange(ctx, from, to)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestUpdateOrderReplacesLines(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	c, it := seedCustomerAndItem(t, s)

	o := testOrder(c, it, calendar.New(2025, time.March, 20))
	require.NoError(t, s.CreateOrder(ctx, o))

	o.Lines[0].ID = ""
	o.Lines[0].Quantity = decimal.NewFromInt(5)
	o.Lines = append(o.Lines, o.Lines[0])
	o.Lines[1].Quantity = decimal.NewFromInt(1)
	require.NoError(t, s.UpdateOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 2)
	assert.True(t, decimal.NewFromInt(5).Equal(got.Lines[0].Quantity))
	assert.True(t, decimal.NewFromInt(1).Equal(got.Lines[1].Quantity))

	require.NoError(t, s.DeleteOrder(ctx, o.ID))
	_, err = s.GetOrder(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptionOccurrencesAndSkips(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	c, it := seedCustomerAndItem(t, s)

	sub := &Subscription{
		CustomerID: c.ID,
		Recurrence: Recurrence{Unit: UnitWeek, Every: 1},
		AnchorDate: calendar.New(2025, time.March, 3),
		Template:   []LineTemplate{{ItemID: it.ID, Quantity: decimal.NewFromInt(3)}},
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	for step := 0; step < 3; step++ {
		o := testOrder(c, it, sub.DeliveryDateAt(step))
		o.SubscriptionID = sub.ID
		o.StepIndex = &step
		require.NoError(t, s.CreateOrder(ctx, o))
	}

	dup := testOrder(c, it, sub.DeliveryDateAt(1))
	dup.SubscriptionID = sub.ID
	one := 1
	dup.StepIndex = &one
	assert.ErrorIs(t, s.CreateOrder(ctx, dup), ErrConflict)

	occ, err := s.ListOrdersBySubscription(ctx, sub.ID, 1, -1)
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, 1, *occ[0].StepIndex)
	assert.Equal(t, calendar.New(2025, time.March, 10), occ[0].DeliveryDate)

	n, err := s.CountOrdersBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.AddSubscriptionSkip(ctx, sub.ID, 4))
	require.NoError(t, s.AddSubscriptionSkip(ctx, sub.ID, 4))
	require.NoError(t, s.AddSubscriptionSkip(ctx, sub.ID, 6))
	skips, err := s.ListSubscriptionSkips(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, skips)

	require.NoError(t, s.DeleteSubscriptionSkips(ctx, sub.ID, 5))
	skips, err = s.ListSubscriptionSkips(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, skips)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.EndDate.IsZero())
	assert.Equal(t, sub.Template[0].ItemID, got.Template[0].ItemID)

	got.EndDate = calendar.New(2025, time.June, 30)
	got.NextStep = 3
	require.NoError(t, s.UpdateSubscription(ctx, got))
	got, err = s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, calendar.New(2025, time.June, 30), got.EndDate)
	assert.Equal(t, 3, got.NextStep)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	_, err = s.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInTxRollsBack(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.CreateCustomer(ctx, &Customer{Name: "Ghost"}); err != nil {
			return err
		}
		// nested calls join the outer transaction
		return tx.InTx(ctx, func(inner Store) error {
			if err := inner.CreateCustomer(ctx, &Customer{Name: "Ghost 2"}); err != nil {
				return err
			}
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	assert.Empty(t, customers)
}

func TestAuditEvents(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogAuditEvent(ctx, &AuditEvent{Action: "order.create", OrderID: "o1", Detail: []byte(`{"lines":1}`)}))
	require.NoError(t, s.LogAuditEvent(ctx, &AuditEvent{Action: "order.delete", OrderID: "o1"}))
	require.NoError(t, s.LogAuditEvent(ctx, &AuditEvent{Action: "subscription.create", SubscriptionID: "s1"}))

	events, err := s.ListAuditEvents(ctx, AuditFilter{OrderID: "o1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = s.ListAuditEvents(ctx, AuditFilter{Action: "order.create"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"lines":1}`, string(events[0].Detail))

	events, err = s.ListAuditEvents(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
