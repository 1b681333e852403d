// Package store defines the data-access interface for the planner and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sproutplan/sproutplan/internal/calendar"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInUse is returned when deleting a row that other rows still reference.
	ErrInUse = errors.New("still referenced")
)

// Store is the persistence interface for the planner.
type Store interface {
	// Customers
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
	UpdateCustomer(ctx context.Context, c *Customer) error
	DeleteCustomer(ctx context.Context, id string) error

	// Items
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id string) (*Item, error)
	ListItems(ctx context.Context) ([]Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, id string) error

	// Orders (lines are written and read together with their order)
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	DeleteOrder(ctx context.Context, id string) error
	ListOrdersByDeliveryRange(ctx context.Context, from, to calendar.Date) ([]Order, error)
	ListOrdersByProductionRange(ctx context.Context, from, to calendar.Date) ([]Order, error)
	ListOrdersByTransferRange(ctx context.Context, from, to calendar.Date) ([]Order, error)
	// ListOrdersBySubscription returns occurrences with fromStep <= step_index
	// and, when toStep >= 0, step_index <= toStep, ordered by step index.
	ListOrdersBySubscription(ctx context.Context, subscriptionID string, fromStep, toStep int) ([]Order, error)
	CountOrdersBySubscription(ctx context.Context, subscriptionID string) (int, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error

	// Skipped steps of a subscription (single-deleted occurrences)
	AddSubscriptionSkip(ctx context.Context, subscriptionID string, step int) error
	RemoveSubscriptionSkip(ctx context.Context, subscriptionID string, step int) error
	ListSubscriptionSkips(ctx context.Context, subscriptionID string) ([]int, error)
	DeleteSubscriptionSkips(ctx context.Context, subscriptionID string, fromStep int) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	GetAuditEvent(ctx context.Context, id string) (*AuditEvent, error)
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// InTx runs fn inside one transaction. fn receives a Store bound to the
	// transaction; returning an error rolls everything back. Nested calls join
	// the outer transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Customer is someone who receives deliveries.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is a product with its growth profile.
type Item struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Price     decimal.Decimal  `json:"price"`
	SeedGrams decimal.Decimal  `json:"seed_grams"` // seed weight per unit (tray)
	Substrate string           `json:"substrate,omitempty"`
	Stages    calendar.Profile `json:"stages"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Recurrence units.
const (
	UnitDay  = "day"
	UnitWeek = "week"
)

// Recurrence is the step between two occurrences of a subscription.
type Recurrence struct {
	Unit  string `json:"unit"`  // "day" or "week"
	Every int    `json:"every"` // >= 1
}

// IntervalDays returns the number of calendar days between two steps.
func (r Recurrence) IntervalDays() int {
	if r.Unit == UnitWeek {
		return r.Every * 7
	}
	return r.Every
}

// LineTemplate is one line a subscription copies into every occurrence.
type LineTemplate struct {
	ItemID   string          `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Subscription is a recurring delivery definition.
type Subscription struct {
	ID             string         `json:"id"`
	CustomerID     string         `json:"customer_id"`
	Recurrence     Recurrence     `json:"recurrence"`
	AnchorDate     calendar.Date  `json:"anchor_date"`
	AnchorStep     int            `json:"anchor_step"`
	EndDate        calendar.Date  `json:"end_date"`        // zero = open ended
	MaxOccurrences int            `json:"max_occurrences"` // 0 = unbounded
	NextStep       int            `json:"next_step"`       // steps below this are materialized or skipped
	Template       []LineTemplate `json:"template"`
	HalfChannel    bool           `json:"half_channel"` // copied onto every generated occurrence
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DeliveryDateAt returns the delivery date the recurrence assigns to step.
// Only meaningful for step >= AnchorStep.
func (s *Subscription) DeliveryDateAt(step int) calendar.Date {
	return s.AnchorDate.AddDays((step - s.AnchorStep) * s.Recurrence.IntervalDays())
}

// Order is one delivery to one customer.
type Order struct {
	ID             string        `json:"id"`
	CustomerID     string        `json:"customer_id"`
	CustomerName   string        `json:"customer_name,omitempty"` // joined on read
	DeliveryDate   calendar.Date `json:"delivery_date"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	StepIndex      *int          `json:"step_index,omitempty"`
	Override       bool          `json:"override"`
	HalfChannel    bool          `json:"half_channel"` // delivered through the half channel
	Lines          []OrderItem   `json:"lines"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Total returns the order value at the snapshotted unit prices.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.UnitPrice.Mul(l.Quantity))
	}
	return total
}

// OrderItem is one line of an order. ItemName, UnitPrice, ProductionDate and
// Transfers are snapshots taken when the line was written.
type OrderItem struct {
	ID             string              `json:"id"`
	ItemID         string              `json:"item_id"`
	ItemName       string              `json:"item_name"`
	UnitPrice      decimal.Decimal     `json:"unit_price"`
	Quantity       decimal.Decimal     `json:"quantity"`
	ProductionDate calendar.Date       `json:"production_date"`
	Transfers      []calendar.Transfer `json:"transfers"`
}

// AuditEvent is a log entry for every committed mutation.
type AuditEvent struct {
	ID             string          `json:"id"`
	Action         string          `json:"action"`
	OrderID        string          `json:"order_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	Action         string
	OrderID        string
	SubscriptionID string
	Limit          int
	Offset         int
}
