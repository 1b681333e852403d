package planner

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/store"
)

// CustomerInput creates or updates a customer.
type CustomerInput struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// ItemInput creates or updates an item.
type ItemInput struct {
	Name      string           `json:"name"`
	Price     decimal.Decimal  `json:"price"`
	SeedGrams decimal.Decimal  `json:"seed_grams"`
	Substrate string           `json:"substrate"`
	Stages    calendar.Profile `json:"stages"`
}

func (in CustomerInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "customer name is required")
	}
	return nil
}

func (in ItemInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "item name is required")
	}
	if in.Price.IsNegative() {
		return invalid("price", "must not be negative")
	}
	if in.SeedGrams.IsNegative() {
		return invalid("seed_grams", "must not be negative")
	}
	if err := in.Stages.Validate(); err != nil {
		return invalid("stages", "%v", err)
	}
	return nil
}

func catalogChange(kind, id string) map[string]string {
	return map[string]string{"kind": kind, "id": id}
}

// CreateCustomer adds a customer.
func (p *Planner) CreateCustomer(ctx context.Context, in CustomerInput) (*store.Customer, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	c := &store.Customer{Name: strings.TrimSpace(in.Name), Contact: in.Contact}
	err := p.mutate(ctx, func(t *txn) error {
		if err := t.CreateCustomer(ctx, c); err != nil {
			return translate(err, "customer", c.Name)
		}
		return t.audit(ctx, eventbus.CatalogChanged, Change{}, catalogChange("customer.create", c.ID))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCustomer returns one customer.
func (p *Planner) GetCustomer(ctx context.Context, id string) (*store.Customer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, err := p.store.GetCustomer(ctx, id)
	return c, translate(err, "customer", id)
}

// ListCustomers returns all customers ordered by name.
func (p *Planner) ListCustomers(ctx context.Context) ([]store.Customer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ListCustomers(ctx)
}

// UpdateCustomer renames a customer or changes the contact details.
func (p *Planner) UpdateCustomer(ctx context.Context, id string, in CustomerInput) (*store.Customer, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var c *store.Customer
	err := p.mutate(ctx, func(t *txn) error {
		var err error
		if c, err = t.GetCustomer(ctx, id); err != nil {
			return translate(err, "customer", id)
		}
		c.Name = strings.TrimSpace(in.Name)
		c.Contact = in.Contact
		if err := t.UpdateCustomer(ctx, c); err != nil {
			return translate(err, "customer", id)
		}
		return t.audit(ctx, eventbus.CatalogChanged, Change{}, catalogChange("customer.update", id))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCustomer removes a customer without orders or subscriptions.
func (p *Planner) DeleteCustomer(ctx context.Context, id string) error {
	return p.mutate(ctx, func(t *txn) error {
		if err := t.DeleteCustomer(ctx, id); err != nil {
			return translate(err, "customer", id)
		}
		return t.audit(ctx, eventbus.CatalogChanged, Change{}, catalogChange("customer.delete", id))
	})
}

// CreateItem adds an item with its growth profile.
func (p *Planner) CreateItem(ctx context.Context, in ItemInput) (*store.Item, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	it := &store.Item{
		Name:      strings.TrimSpace(in.Name),
		Price:     in.Price,
		SeedGrams: in.SeedGrams,
		Substrate: in.Substrate,
		Stages:    in.Stages,
	}
	err := p.mutate(ctx, func(t *txn) error {
		if err := t.CreateItem(ctx, it); err != nil {
			return translate(err, "item", it.Name)
		}
		return t.audit(ctx, eventbus.CatalogChanged, Change{}, catalogChange("item.create", it.ID))
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// GetItem returns one item.
func (p *Planner) GetItem(ctx context.Context, id string) (*store.Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, err := p.store.GetItem(ctx, id)
	return it, translate(err, "item", id)
}

// ListItems returns all items ordered by name.
func (p *Planner) ListItems(ctx context.Context) ([]store.Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ListItems(ctx)
}

// UpdateItem changes an item. Existing order lines keep their snapshots; only
// lines written afterwards see the new price or growth profile.
func (p *Planner) UpdateItem(ctx context.Context, id string, in ItemInput) (*store.Item, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var it *store.Item
	err := p.mutate(ctx, func(t *txn) error {
		var err error
		if it, err = t.GetItem(ctx, id); err != nil {
			return translate(err, "item", id)
		}
		it.Name = strings.TrimSpace(in.Name)
		it.Price = in.Price
		it.SeedGrams = in.SeedGrams
		it.Substrate = in.Substrate
		it.Stages = in.Stages
		if err := t.UpdateItem(ctx, it); err != nil {
			return translate(err, "item", id)
		}
		return t.audit(ctx, eventbus.CatalogChanged, Change{}, catalogChange("item.update", id))
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// DeleteItem removes an item no order line or subscription template uses.
func (p *Planner) DeleteItem(ctx context.Context, id string) error {
	return p.mutate(ctx, func(t *txn) error {
		subs, err := t.ListSubscriptions(ctx)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			for _, l := range sub.Template {
				if l.ItemID == id {
					return invalid("item", "used by subscription %s", sub.ID)
				}
			}
		}
		if err := t.DeleteItem(ctx, id); err != nil {
			return translate(err, "item", id)
		}
		return t.audit(ctx, eventbus.CatalogChanged, Change{}, catalogChange("item.delete", id))
	})
}
