package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sproutplan/sproutplan/internal/calendar"
)

// ErrConflict is returned when a unique constraint (e.g. a customer or item
// name) is violated.
var ErrConflict = errors.New("already exists")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the few differences between the SQL the drivers accept.
type dialect struct {
	name       string
	positional bool // $1, $2 ... instead of ?
}

// rebind rewrites ? placeholders for drivers that use positional parameters.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store over database/sql. The SQLite and PostgreSQL
// stores embed it and only differ in driver setup and migrations.
type sqlStore struct {
	db      *sql.DB
	q       querier
	tx      *sql.Tx
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, q: db, dialect: d}
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) InTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlStore{db: s.db, q: tx, tx: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStep(step *int) sql.NullInt64 {
	if step == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*step), Valid: true}
}

func now() time.Time {
	return time.Now().UTC()
}

// --- Customers ---

func (s *sqlStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.exec(ctx,
		"INSERT INTO customers (id, name, contact, created_at) VALUES (?, ?, ?, ?)",
		c.ID, c.Name, c.Contact, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("customer %q: %w", c.Name, ErrConflict)
	}
	return err
}

func (s *sqlStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	err := s.queryRow(ctx,
		"SELECT id, name, contact, created_at FROM customers WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.Contact, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("customer", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := s.query(ctx, "SELECT id, name, contact, created_at FROM customers ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var customers []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Contact, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *sqlStore) UpdateCustomer(ctx context.Context, c *Customer) error {
	res, err := s.exec(ctx,
		"UPDATE customers SET name = ?, contact = ? WHERE id = ?",
		c.Name, c.Contact, c.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("customer %q: %w", c.Name, ErrConflict)
	}
	if err != nil {
		return err
	}
	return checkAffected(res, "customer", c.ID)
}

func (s *sqlStore) DeleteCustomer(ctx context.Context, id string) error {
	var refs int
	err := s.queryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM orders WHERE customer_id = ?) +
		        (SELECT COUNT(*) FROM subscriptions WHERE customer_id = ?)`,
		id, id).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("customer %s: %w", id, ErrInUse)
	}
	res, err := s.exec(ctx, "DELETE FROM customers WHERE id = ?", id)
	if err != nil {
		return err
	}
	return checkAffected(res, "customer", id)
}

// --- Items ---

const itemColumns = "id, name, price, seed_grams, substrate, stages, created_at, updated_at"

func scanItem(scan func(dest ...any) error) (*Item, error) {
	var (
		it     Item
		stages string
	)
	if err := scan(&it.ID, &it.Name, &it.Price, &it.SeedGrams, &it.Substrate, &stages, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stages), &it.Stages); err != nil {
		return nil, fmt.Errorf("decode stages of item %s: %w", it.ID, err)
	}
	return &it, nil
}

func (s *sqlStore) CreateItem(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}
	item.UpdatedAt = item.CreatedAt
	stages, err := json.Marshal(item.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	_, err = s.exec(ctx,
		"INSERT INTO items ("+itemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		item.ID, item.Name, item.Price, item.SeedGrams, item.Substrate, string(stages), item.CreatedAt, item.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("item %q: %w", item.Name, ErrConflict)
	}
	return err
}

func (s *sqlStore) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.queryRow(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	it, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("item", id)
	}
	return it, err
}

func (s *sqlStore) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := s.query(ctx, "SELECT "+itemColumns+" FROM items ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// UpdateItem rewrites an item. Order lines keep their own snapshots, so a
// changed growth profile only affects lines written afterwards.
func (s *sqlStore) UpdateItem(ctx context.Context, item *Item) error {
	item.UpdatedAt = now()
	stages, err := json.Marshal(item.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	res, err := s.exec(ctx,
		"UPDATE items SET name = ?, price = ?, seed_grams = ?, substrate = ?, stages = ?, updated_at = ? WHERE id = ?",
		item.Name, item.Price, item.SeedGrams, item.Substrate, string(stages), item.UpdatedAt, item.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("item %q: %w", item.Name, ErrConflict)
	}
	if err != nil {
		return err
	}
	return checkAffected(res, "item", item.ID)
}

func (s *sqlStore) DeleteItem(ctx context.Context, id string) error {
	var refs int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM order_items WHERE item_id = ?", id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("item %s: %w", id, ErrInUse)
	}
	res, err := s.exec(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return err
	}
	return checkAffected(res, "item", id)
}

// --- Orders ---

const orderSelect = `SELECT o.id, o.customer_id, c.name, o.delivery_date, o.subscription_id, o.step_index,
	o.override, o.half_channel, o.created_at, o.updated_at
	FROM orders o JOIN customers c ON c.id = o.customer_id`

const orderOrdering = " ORDER BY o.delivery_date, c.name, o.id"

func (s *sqlStore) CreateOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	o.UpdatedAt = o.CreatedAt
	return s.InTx(ctx, func(tx Store) error {
		ts := tx.(*sqlStore)
		_, err := ts.exec(ctx,
			`INSERT INTO orders (id, customer_id, delivery_date, subscription_id, step_index, override, half_channel,
			 created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.CustomerID, o.DeliveryDate, nullString(o.SubscriptionID), nullStep(o.StepIndex),
			o.Override, o.HalfChannel, o.CreatedAt, o.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("order for subscription %s step %v: %w", o.SubscriptionID, derefStep(o.StepIndex), ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return ts.insertLines(ctx, o)
	})
}

func derefStep(step *int) any {
	if step == nil {
		return nil
	}
	return *step
}

func (s *sqlStore) insertLines(ctx context.Context, o *Order) error {
	for i := range o.Lines {
		line := &o.Lines[i]
		if line.ID == "" {
			line.ID = uuid.New().String()
		}
		_, err := s.exec(ctx,
			`INSERT INTO order_items (id, order_id, seq, item_id, item_name, unit_price, quantity, production_date)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID, o.ID, i, line.ItemID, line.ItemName, line.UnitPrice, line.Quantity, line.ProductionDate)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
		for j, tr := range line.Transfers {
			_, err := s.exec(ctx,
				"INSERT INTO order_item_transfers (order_item_id, seq, stage, transfer_date) VALUES (?, ?, ?, ?)",
				line.ID, j, tr.Stage, tr.Date)
			if err != nil {
				return fmt.Errorf("insert transfer: %w", err)
			}
		}
	}
	return nil
}

func (s *sqlStore) deleteLines(ctx context.Context, orderID string) error {
	if _, err := s.exec(ctx,
		"DELETE FROM order_item_transfers WHERE order_item_id IN (SELECT id FROM order_items WHERE order_id = ?)",
		orderID); err != nil {
		return fmt.Errorf("delete transfers: %w", err)
	}
	if _, err := s.exec(ctx, "DELETE FROM order_items WHERE order_id = ?", orderID); err != nil {
		return fmt.Errorf("delete order lines: %w", err)
	}
	return nil
}

func (s *sqlStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	orders, err := s.listOrders(ctx, " WHERE o.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, notFound("order", id)
	}
	return &orders[0], nil
}

// UpdateOrder rewrites the order row and replaces all of its lines.
func (s *sqlStore) UpdateOrder(ctx context.Context, o *Order) error {
	o.UpdatedAt = now()
	return s.InTx(ctx, func(tx Store) error {
		ts := tx.(*sqlStore)
		res, err := ts.exec(ctx,
			`UPDATE orders SET customer_id = ?, delivery_date = ?, subscription_id = ?, step_index = ?,
			 override = ?, half_channel = ?, updated_at = ? WHERE id = ?`,
			o.CustomerID, o.DeliveryDate, nullString(o.SubscriptionID), nullStep(o.StepIndex),
			o.Override, o.HalfChannel, o.UpdatedAt, o.ID)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := checkAffected(res, "order", o.ID); err != nil {
			return err
		}
		if err := ts.deleteLines(ctx, o.ID); err != nil {
			return err
		}
		return ts.insertLines(ctx, o)
	})
}

func (s *sqlStore) DeleteOrder(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx Store) error {
		ts := tx.(*sqlStore)
		if err := ts.deleteLines(ctx, id); err != nil {
			return err
		}
		res, err := ts.exec(ctx, "DELETE FROM orders WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		return checkAffected(res, "order", id)
	})
}

func (s *sqlStore) ListOrdersByDeliveryRange(ctx context.Context, from, to calendar.Date) ([]Order, error) {
	return s.listOrders(ctx, " WHERE o.delivery_date >= ? AND o.delivery_date <= ?"+orderOrdering, from, to)
}

func (s *sqlStore) ListOrdersByProductionRange(ctx context.Context, from, to calendar.Date) ([]Order, error) {
	return s.listOrders(ctx,
		` WHERE o.id IN (SELECT order_id FROM order_items WHERE production_date >= ? AND production_date <= ?)`+orderOrdering,
		from, to)
}

func (s *sqlStore) ListOrdersByTransferRange(ctx context.Context, from, to calendar.Date) ([]Order, error) {
	return s.listOrders(ctx,
		` WHERE o.id IN (SELECT i.order_id FROM order_items i
			JOIN order_item_transfers t ON t.order_item_id = i.id
			WHERE t.transfer_date >= ? AND t.transfer_date <= ?)`+orderOrdering,
		from, to)
}

func (s *sqlStore) ListOrdersBySubscription(ctx context.Context, subscriptionID string, fromStep, toStep int) ([]Order, error) {
	where := " WHERE o.subscription_id = ? AND o.step_index >= ?"
	args := []any{subscriptionID, fromStep}
	if toStep >= 0 {
		where += " AND o.step_index <= ?"
		args = append(args, toStep)
	}
	return s.listOrders(ctx, where+" ORDER BY o.step_index", args...)
}

func (s *sqlStore) CountOrdersBySubscription(ctx context.Context, subscriptionID string) (int, error) {
	var n int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM orders WHERE subscription_id = ?", subscriptionID).Scan(&n)
	return n, err
}

func (s *sqlStore) listOrders(ctx context.Context, clause string, args ...any) ([]Order, error) {
	rows, err := s.query(ctx, orderSelect+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []Order
	for rows.Next() {
		var (
			o     Order
			subID sql.NullString
			step  sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.CustomerName, &o.DeliveryDate, &subID, &step,
			&o.Override, &o.HalfChannel, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.SubscriptionID = subID.String
		if step.Valid {
			v := int(step.Int64)
			o.StepIndex = &v
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	if err := s.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// maxInParams bounds the size of generated IN (...) lists.
const maxInParams = 500

func (s *sqlStore) attachLines(ctx context.Context, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		index[o.ID] = i
	}
	for start := 0; start < len(orders); start += maxInParams {
		end := min(start+maxInParams, len(orders))
		ids := make([]any, 0, end-start)
		for _, o := range orders[start:end] {
			ids = append(ids, o.ID)
		}
		if err := s.attachChunk(ctx, orders, index, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) attachChunk(ctx context.Context, orders []Order, index map[string]int, ids []any) error {
	in := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")"

	transfers := make(map[string][]calendar.Transfer)
	trows, err := s.query(ctx,
		`SELECT t.order_item_id, t.stage, t.transfer_date FROM order_item_transfers t
		 JOIN order_items i ON i.id = t.order_item_id
		 WHERE i.order_id IN `+in+` ORDER BY t.order_item_id, t.seq`, ids...)
	if err != nil {
		return fmt.Errorf("query transfers: %w", err)
	}
	for trows.Next() {
		var (
			lineID string
			tr     calendar.Transfer
		)
		if err := trows.Scan(&lineID, &tr.Stage, &tr.Date); err != nil {
			_ = trows.Close()
			return err
		}
		transfers[lineID] = append(transfers[lineID], tr)
	}
	if err := trows.Err(); err != nil {
		_ = trows.Close()
		return err
	}
	_ = trows.Close()

	rows, err := s.query(ctx,
		`SELECT id, order_id, item_id, item_name, unit_price, quantity, production_date
		 FROM order_items WHERE order_id IN `+in+` ORDER BY order_id, seq`, ids...)
	if err != nil {
		return fmt.Errorf("query order lines: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			line    OrderItem
			orderID string
		)
		if err := rows.Scan(&line.ID, &orderID, &line.ItemID, &line.ItemName, &line.UnitPrice,
			&line.Quantity, &line.ProductionDate); err != nil {
			return err
		}
		line.Transfers = transfers[line.ID]
		i := index[orderID]
		orders[i].Lines = append(orders[i].Lines, line)
	}
	return rows.Err()
}

// --- Subscriptions ---

const subscriptionColumns = `id, customer_id, recur_unit, recur_every, anchor_date, anchor_step, end_date,
	max_occurrences, next_step, template, half_channel, created_at, updated_at`

func scanSubscription(scan func(dest ...any) error) (*Subscription, error) {
	var (
		sub      Subscription
		template string
	)
	if err := scan(&sub.ID, &sub.CustomerID, &sub.Recurrence.Unit, &sub.Recurrence.Every, &sub.AnchorDate,
		&sub.AnchorStep, &sub.EndDate, &sub.MaxOccurrences, &sub.NextStep, &template,
		&sub.HalfChannel, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(template), &sub.Template); err != nil {
		return nil, fmt.Errorf("decode template of subscription %s: %w", sub.ID, err)
	}
	return &sub, nil
}

func (s *sqlStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	sub.UpdatedAt = sub.CreatedAt
	template, err := json.Marshal(sub.Template)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	_, err = s.exec(ctx,
		"INSERT INTO subscriptions ("+subscriptionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		sub.ID, sub.CustomerID, sub.Recurrence.Unit, sub.Recurrence.Every, sub.AnchorDate, sub.AnchorStep,
		sub.EndDate, sub.MaxOccurrences, sub.NextStep, string(template), sub.HalfChannel, sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (s *sqlStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := s.queryRow(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ?", id)
	sub, err := scanSubscription(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("subscription", id)
	}
	return sub, err
}

func (s *sqlStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.query(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *sqlStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = now()
	template, err := json.Marshal(sub.Template)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	res, err := s.exec(ctx,
		`UPDATE subscriptions SET customer_id = ?, recur_unit = ?, recur_every = ?, anchor_date = ?, anchor_step = ?,
		 end_date = ?, max_occurrences = ?, next_step = ?, template = ?, half_channel = ?, updated_at = ? WHERE id = ?`,
		sub.CustomerID, sub.Recurrence.Unit, sub.Recurrence.Every, sub.AnchorDate, sub.AnchorStep,
		sub.EndDate, sub.MaxOccurrences, sub.NextStep, string(template), sub.HalfChannel, sub.UpdatedAt, sub.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "subscription", sub.ID)
}

func (s *sqlStore) DeleteSubscription(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx Store) error {
		ts := tx.(*sqlStore)
		if _, err := ts.exec(ctx, "DELETE FROM subscription_skips WHERE subscription_id = ?", id); err != nil {
			return err
		}
		res, err := ts.exec(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
		if err != nil {
			return err
		}
		return checkAffected(res, "subscription", id)
	})
}

func (s *sqlStore) AddSubscriptionSkip(ctx context.Context, subscriptionID string, step int) error {
	_, err := s.exec(ctx,
		"INSERT INTO subscription_skips (subscription_id, step_index) VALUES (?, ?) ON CONFLICT DO NOTHING",
		subscriptionID, step)
	return err
}

func (s *sqlStore) ListSubscriptionSkips(ctx context.Context, subscriptionID string) ([]int, error) {
	rows, err := s.query(ctx,
		"SELECT step_index FROM subscription_skips WHERE subscription_id = ? ORDER BY step_index", subscriptionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var steps []int
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *sqlStore) RemoveSubscriptionSkip(ctx context.Context, subscriptionID string, step int) error {
	_, err := s.exec(ctx,
		"DELETE FROM subscription_skips WHERE subscription_id = ? AND step_index = ?", subscriptionID, step)
	return err
}

func (s *sqlStore) DeleteSubscriptionSkips(ctx context.Context, subscriptionID string, fromStep int) error {
	_, err := s.exec(ctx,
		"DELETE FROM subscription_skips WHERE subscription_id = ? AND step_index >= ?", subscriptionID, fromStep)
	return err
}

// --- Audit ---

func (s *sqlStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}
	detail := ""
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.exec(ctx,
		"INSERT INTO audit_events (id, action, order_id, subscription_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		event.ID, event.Action, event.OrderID, event.SubscriptionID, detail, event.CreatedAt)
	return err
}

func (s *sqlStore) GetAuditEvent(ctx context.Context, id string) (*AuditEvent, error) {
	var (
		e      AuditEvent
		detail string
	)
	err := s.queryRow(ctx,
		"SELECT id, action, order_id, subscription_id, detail, created_at FROM audit_events WHERE id = ?", id).
		Scan(&e.ID, &e.Action, &e.OrderID, &e.SubscriptionID, &detail, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("audit event", id)
	}
	if err != nil {
		return nil, err
	}
	if detail != "" {
		e.Detail = json.RawMessage(detail)
	}
	return &e, nil
}

func (s *sqlStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := "SELECT id, action, order_id, subscription_id, detail, created_at FROM audit_events WHERE 1=1"
	var args []any
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.OrderID != "" {
		query += " AND order_id = ?"
		args = append(args, filter.OrderID)
	}
	if filter.SubscriptionID != "" {
		query += " AND subscription_id = ?"
		args = append(args, filter.SubscriptionID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var (
			e      AuditEvent
			detail string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.OrderID, &e.SubscriptionID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
