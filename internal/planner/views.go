package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/store"
)

// WeekDays is the length of every schedule window.
const WeekDays = 7

// Week maps each day of a 7-day window to its entries. Days without entries
// have no key; On returns an empty slice for them.
type Week[T any] struct {
	Start calendar.Date         `json:"start"`
	Days  map[calendar.Date][]T `json:"days"`
}

func newWeek[T any](start calendar.Date) Week[T] {
	return Week[T]{Start: start, Days: make(map[calendar.Date][]T)}
}

// End returns the last day of the window.
func (w Week[T]) End() calendar.Date {
	return w.Start.AddDays(WeekDays - 1)
}

// Dates returns the seven days of the window in order.
func (w Week[T]) Dates() []calendar.Date {
	out := make([]calendar.Date, WeekDays)
	for i := range out {
		out[i] = w.Start.AddDays(i)
	}
	return out
}

// On returns the entries of day d, never nil.
func (w Week[T]) On(d calendar.Date) []T {
	if entries, ok := w.Days[d]; ok {
		return entries
	}
	return []T{}
}

func (w Week[T]) contains(d calendar.Date) bool {
	return !d.Before(w.Start) && !d.After(w.End())
}

// Len returns the number of entries across the window.
func (w Week[T]) Len() int {
	n := 0
	for _, entries := range w.Days {
		n += len(entries)
	}
	return n
}

// StageContext places a production line within its growth profile.
type StageContext struct {
	FirstStage string              `json:"first_stage"`
	Transfers  []calendar.Transfer `json:"transfers"`
}

// ProductionEntry is one order line whose production starts on the day.
type ProductionEntry struct {
	Order *store.Order    `json:"order"`
	Line  store.OrderItem `json:"line"`
	Stage StageContext    `json:"stage"`
}

// TransferEntry is one order line moving from Stage to NextStage on the day.
type TransferEntry struct {
	Order     *store.Order    `json:"order"`
	Line      store.OrderItem `json:"line"`
	Stage     string          `json:"stage"`
	NextStage string          `json:"next_stage"`
}

// ProductionTotal aggregates one item's production on one day.
type ProductionTotal struct {
	ItemID    string          `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Quantity  decimal.Decimal `json:"quantity"`
	SeedGrams decimal.Decimal `json:"seed_grams"`
	Substrate string          `json:"substrate,omitempty"`
	// HalfChannel is the part of Quantity ordered for the half channel.
	HalfChannel decimal.Decimal `json:"half_channel"`
}

// TransferTotal aggregates one item's transfers between two stages on one day.
type TransferTotal struct {
	ItemID    string          `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Stage     string          `json:"stage"`
	NextStage string          `json:"next_stage"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// firstItemName is the sort key of an order in the delivery view.
func firstItemName(o *store.Order) string {
	if len(o.Lines) == 0 {
		return ""
	}
	return o.Lines[0].ItemName
}

// lessBy orders entries by customer name, then item name, then order ID.
func lessBy(aCustomer, aItem, aID, bCustomer, bItem, bID string) bool {
	if aCustomer != bCustomer {
		return aCustomer < bCustomer
	}
	if aItem != bItem {
		return aItem < bItem
	}
	return aID < bID
}

func (p *Planner) listWindow(ctx context.Context, weekStart calendar.Date,
	list func(context.Context, calendar.Date, calendar.Date) ([]store.Order, error)) ([]store.Order, error) {
	if !weekStart.Valid() {
		return nil, invalid("week", "a valid week start is required")
	}
	orders, err := list(ctx, weekStart, weekStart.AddDays(WeekDays-1))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// DeliverySchedule returns the orders delivered in the 7 days from weekStart.
func (p *Planner) DeliverySchedule(ctx context.Context, weekStart calendar.Date) (Week[*store.Order], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	week := newWeek[*store.Order](weekStart)
	orders, err := p.listWindow(ctx, weekStart, p.store.ListOrdersByDeliveryRange)
	if err != nil {
		return week, err
	}
	for i := range orders {
		o := &orders[i]
		if week.contains(o.DeliveryDate) {
			week.Days[o.DeliveryDate] = append(week.Days[o.DeliveryDate], o)
		}
	}
	for _, entries := range week.Days {
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			return lessBy(a.CustomerName, firstItemName(a), a.ID, b.CustomerName, firstItemName(b), b.ID)
		})
	}
	return week, nil
}

// ProductionSchedule returns the order lines whose production starts in the
// 7 days from weekStart.
func (p *Planner) ProductionSchedule(ctx context.Context, weekStart calendar.Date) (Week[ProductionEntry], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.productionSchedule(ctx, weekStart)
}

func (p *Planner) productionSchedule(ctx context.Context, weekStart calendar.Date) (Week[ProductionEntry], error) {
	week := newWeek[ProductionEntry](weekStart)
	orders, err := p.listWindow(ctx, weekStart, p.store.ListOrdersByProductionRange)
	if err != nil {
		return week, err
	}
	for i := range orders {
		o := &orders[i]
		for _, line := range o.Lines {
			if !week.contains(line.ProductionDate) {
				continue
			}
			stage := StageContext{Transfers: line.Transfers}
			if len(line.Transfers) > 0 {
				stage.FirstStage = line.Transfers[0].Stage
			}
			week.Days[line.ProductionDate] = append(week.Days[line.ProductionDate],
				ProductionEntry{Order: o, Line: line, Stage: stage})
		}
	}
	for _, entries := range week.Days {
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			return lessBy(a.Order.CustomerName, a.Line.ItemName, a.Order.ID, b.Order.CustomerName, b.Line.ItemName, b.Order.ID)
		})
	}
	return week, nil
}

// TransferSchedule returns every stage boundary except the final one (which
// is the delivery itself) falling in the 7 days from weekStart.
func (p *Planner) TransferSchedule(ctx context.Context, weekStart calendar.Date) (Week[TransferEntry], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transferSchedule(ctx, weekStart)
}

func (p *Planner) transferSchedule(ctx context.Context, weekStart calendar.Date) (Week[TransferEntry], error) {
	week := newWeek[TransferEntry](weekStart)
	orders, err := p.listWindow(ctx, weekStart, p.store.ListOrdersByTransferRange)
	if err != nil {
		return week, err
	}
	for i := range orders {
		o := &orders[i]
		for _, line := range o.Lines {
			for k := 0; k+1 < len(line.Transfers); k++ {
				tr := line.Transfers[k]
				if !week.contains(tr.Date) {
					continue
				}
				week.Days[tr.Date] = append(week.Days[tr.Date], TransferEntry{
					Order:     o,
					Line:      line,
					Stage:     tr.Stage,
					NextStage: line.Transfers[k+1].Stage,
				})
			}
		}
	}
	for _, entries := range week.Days {
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			return lessBy(a.Order.CustomerName, a.Line.ItemName, a.Order.ID, b.Order.CustomerName, b.Line.ItemName, b.Order.ID)
		})
	}
	return week, nil
}

// ProductionPlan is a production week with its per-item totals, read from
// the same committed state.
type ProductionPlan struct {
	Entries Week[ProductionEntry]
	Totals  Week[ProductionTotal]
}

// TransferPlan is a transfer week with its per-item totals.
type TransferPlan struct {
	Entries Week[TransferEntry]
	Totals  Week[TransferTotal]
}

// ProductionPlan returns the production schedule and its totals under one
// read lock.
func (p *Planner) ProductionPlan(ctx context.Context, weekStart calendar.Date) (ProductionPlan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	week, err := p.productionSchedule(ctx, weekStart)
	if err != nil {
		return ProductionPlan{Entries: week, Totals: newWeek[ProductionTotal](weekStart)}, err
	}
	totals, err := p.productionTotals(ctx, week)
	return ProductionPlan{Entries: week, Totals: totals}, err
}

// TransferPlan returns the transfer schedule and its totals under one read
// lock.
func (p *Planner) TransferPlan(ctx context.Context, weekStart calendar.Date) (TransferPlan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	week, err := p.transferSchedule(ctx, weekStart)
	return TransferPlan{Entries: week, Totals: transferTotals(week)}, err
}

// ProductionTotals sums the production schedule per day and item. Seed weight
// and substrate come from the current item.
func (p *Planner) ProductionTotals(ctx context.Context, weekStart calendar.Date) (Week[ProductionTotal], error) {
	plan, err := p.ProductionPlan(ctx, weekStart)
	return plan.Totals, err
}

func (p *Planner) productionTotals(ctx context.Context, week Week[ProductionEntry]) (Week[ProductionTotal], error) {
	totals := newWeek[ProductionTotal](week.Start)
	items, err := p.itemIndex(ctx)
	if err != nil {
		return totals, err
	}
	for day, entries := range week.Days {
		byItem := make(map[string]*ProductionTotal)
		var keys []string
		for _, e := range entries {
			t, ok := byItem[e.Line.ItemID]
			if !ok {
				t = &ProductionTotal{ItemID: e.Line.ItemID, ItemName: e.Line.ItemName}
				if it, ok := items[e.Line.ItemID]; ok {
					t.Substrate = it.Substrate
				}
				byItem[e.Line.ItemID] = t
				keys = append(keys, e.Line.ItemID)
			}
			t.Quantity = t.Quantity.Add(e.Line.Quantity)
			if e.Order.HalfChannel {
				t.HalfChannel = t.HalfChannel.Add(e.Line.Quantity)
			}
			if it, ok := items[e.Line.ItemID]; ok {
				t.SeedGrams = t.SeedGrams.Add(it.SeedGrams.Mul(e.Line.Quantity))
			}
		}
		out := make([]ProductionTotal, 0, len(keys))
		for _, k := range keys {
			out = append(out, *byItem[k])
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].ItemName != out[j].ItemName {
				return out[i].ItemName < out[j].ItemName
			}
			return out[i].ItemID < out[j].ItemID
		})
		totals.Days[day] = out
	}
	return totals, nil
}

// TransferTotals sums the transfer schedule per day, item and stage boundary.
func (p *Planner) TransferTotals(ctx context.Context, weekStart calendar.Date) (Week[TransferTotal], error) {
	plan, err := p.TransferPlan(ctx, weekStart)
	return plan.Totals, err
}

func transferTotals(week Week[TransferEntry]) Week[TransferTotal] {
	totals := newWeek[TransferTotal](week.Start)
	for day, entries := range week.Days {
		byKey := make(map[string]*TransferTotal)
		var keys []string
		for _, e := range entries {
			key := e.Line.ItemID + "\x00" + e.Stage
			t, ok := byKey[key]
			if !ok {
				t = &TransferTotal{ItemID: e.Line.ItemID, ItemName: e.Line.ItemName, Stage: e.Stage, NextStage: e.NextStage}
				byKey[key] = t
				keys = append(keys, key)
			}
			t.Quantity = t.Quantity.Add(e.Line.Quantity)
		}
		out := make([]TransferTotal, 0, len(keys))
		for _, k := range keys {
			out = append(out, *byKey[k])
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].ItemName != out[j].ItemName {
				return out[i].ItemName < out[j].ItemName
			}
			return out[i].Stage < out[j].Stage
		})
		totals.Days[day] = out
	}
	return totals
}

func (p *Planner) itemIndex(ctx context.Context) (map[string]store.Item, error) {
	items, err := p.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	index := make(map[string]store.Item, len(items))
	for _, it := range items {
		index[it.ID] = it
	}
	return index, nil
}
