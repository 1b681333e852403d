package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutplan/sproutplan/internal/calendar"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPostgresMigration verifies that migrations run without error on a fresh database.
func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

// TestPostgresOrderFlow exercises dates, numerics and positional parameters
// through the full customer -> item -> order path.
func TestPostgresOrderFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	suffix := uuid.New().String()[:8]

	c := &Customer{Name: "pg-customer-" + suffix}
	require.NoError(t, s.CreateCustomer(ctx, c))
	it := &Item{
		Name:   "pg-item-" + suffix,
		Price:  decimal.RequireFromString("3.25"),
		Stages: calendar.Profile{{Name: "germination", Days: 2}, {Name: "growing", Days: 8}},
	}
	require.NoError(t, s.CreateItem(ctx, it))

	delivery := calendar.New(2031, time.May, 9)
	o := testOrder(c, it, delivery)
	require.NoError(t, s.CreateOrder(ctx, o))
	t.Cleanup(func() { _ = s.DeleteOrder(ctx, o.ID) })

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery, got.DeliveryDate)
	require.Len(t, got.Lines, 1)
	assert.True(t, decimal.RequireFromString("3.25").Equal(got.Lines[0].UnitPrice))
	assert.Equal(t, calendar.New(2031, time.April, 29), got.Lines[0].ProductionDate)

	orders, err := s.ListOrdersByProductionRange(ctx, calendar.New(2031, time.April, 28), calendar.New(2031, time.May, 4))
	require.NoError(t, err)
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	assert.Contains(t, ids, o.ID)
}
