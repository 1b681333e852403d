package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/store"
)

// auditEvents lists the audit rows for action, newest first.
func (f *fixture) auditEvents(t *testing.T, action string) []store.AuditEvent {
	t.Helper()
	events, err := f.p.ListAuditEvents(context.Background(), store.AuditFilter{Action: action})
	require.NoError(t, err)
	return events
}

// onlyEvent returns the single audit row for action.
func (f *fixture) onlyEvent(t *testing.T, action string) store.AuditEvent {
	t.Helper()
	events := f.auditEvents(t, action)
	require.Len(t, events, 1, action)
	return events[0]
}

func TestRevertFutureEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, res := f.weekly(t, "2025-09-01", 2, Horizon{Steps: 4})

	_, err := f.p.ApplyEdit(ctx, res.Created[2].ID, Changes{
		DeliveryDate: ptr(date("2025-09-16")),
		Lines:        f.lines(f.peas, 5),
	}, ScopeFuture)
	require.NoError(t, err)

	rev, err := f.p.Revert(ctx, f.onlyEvent(t, eventbus.OrderUpdated).ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{res.Created[2].ID, res.Created[3].ID}, rev.RestoredOrderIDs)
	assert.Empty(t, rev.RemovedOrderIDs)
	assert.Equal(t, sub.ID, rev.SubscriptionID)

	occ := f.occurrences(t, sub.ID)
	assert.Equal(t, []string{"2025-09-01", "2025-09-08", "2025-09-15", "2025-09-22"}, deliveryDates(occ))
	assert.Equal(t, []string{"2", "2", "2", "2"}, quantities(occ))
	assert.Equal(t, date("2025-09-12"), occ[3].Lines[0].ProductionDate)

	got, err := f.p.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AnchorStep)
	assert.Equal(t, date("2025-09-01"), got.AnchorDate)
	assert.Equal(t, "2", got.Template[0].Quantity.String())
	assert.True(t, f.events.has(eventbus.ChangeReverted))
}

// Occurrences generated from the edited template after the edit are removed
// and come back from the restored one.
func TestRevertFutureEditAfterExpansion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, res := f.weekly(t, "2025-09-01", 2, Horizon{Steps: 4})

	_, err := f.p.ApplyEdit(ctx, res.Created[2].ID, Changes{Lines: f.lines(f.peas, 5)}, ScopeFuture)
	require.NoError(t, err)
	more, err := f.p.Expand(ctx, sub.ID, Horizon{Steps: 6})
	require.NoError(t, err)
	require.Len(t, more.Created, 2)

	rev, err := f.p.Revert(ctx, f.onlyEvent(t, eventbus.OrderUpdated).ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, orderIDs(more.Created), rev.RemovedOrderIDs)

	assert.Equal(t, []string{"2", "2", "2", "2"}, quantities(f.occurrences(t, sub.ID)))
	got, err := f.p.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.NextStep)

	again, err := f.p.Expand(ctx, sub.ID, Horizon{Steps: 6})
	require.NoError(t, err)
	require.Len(t, again.Created, 2)
	assert.Equal(t, "2", again.Created[0].Lines[0].Quantity.String())
}

func TestRevertRefusesWhenExpandedOccurrenceWasEdited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, res := f.weekly(t, "2025-09-01", 2, Horizon{Steps: 3})

	_, err := f.p.ApplyEdit(ctx, res.Created[1].ID, Changes{Lines: f.lines(f.peas, 5)}, ScopeFuture)
	require.NoError(t, err)
	edit := f.onlyEvent(t, eventbus.OrderUpdated)
	more, err := f.p.Expand(ctx, sub.ID, Horizon{Steps: 4})
	require.NoError(t, err)
	_, err = f.p.ApplyEdit(ctx, more.Created[0].ID, Changes{Lines: f.lines(f.radish, 1)}, ScopeSingle)
	require.NoError(t, err)

	_, err = f.p.Revert(ctx, edit.ID)
	assert.True(t, IsConflict(err), "got %v", err)
	assert.Equal(t, []string{"2", "5", "5", "1"}, quantities(f.occurrences(t, sub.ID)))
}

func TestRevertSingleDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, res := f.weekly(t, "2025-09-01", 2, Horizon{Steps: 3})

	_, err := f.p.ApplyDelete(ctx, res.Created[1].ID, ScopeSingle)
	require.NoError(t, err)

	rev, err := f.p.Revert(ctx, f.onlyEvent(t, eventbus.OrderDeleted).ID)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Created[1].ID}, rev.RestoredOrderIDs)

	restored, err := f.p.GetOrder(ctx, res.Created[1].ID)
	require.NoError(t, err)
	assert.Equal(t, date("2025-09-08"), restored.DeliveryDate)
	assert.Equal(t, 1, *restored.StepIndex)

	occ, err := f.p.Occurrences(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.False(t, occ[1].Skipped)
}

func TestRevertCancelRestoresSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, res := f.weekly(t, "2025-09-01", 2, Horizon{Steps: 3})
	_, err := f.p.ApplyDelete(ctx, res.Created[1].ID, ScopeSingle)
	require.NoError(t, err)

	_, err = f.p.CancelSubscription(ctx, sub.ID)
	require.NoError(t, err)
	events := f.auditEvents(t, eventbus.OrderDeleted)
	require.Len(t, events, 2)
	var cancel store.AuditEvent
	for _, ev := range events {
		if ev.OrderID == "" {
			cancel = ev
		}
	}
	require.NotEmpty(t, cancel.ID)

	rev, err := f.p.Revert(ctx, cancel.ID)
	require.NoError(t, err)
	assert.Len(t, rev.RestoredOrderIDs, 2)

	got, err := f.p.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.NextStep)
	assert.Equal(t, []string{"2025-09-01", "2025-09-15"}, deliveryDates(f.occurrences(t, sub.ID)))

	occ, err := f.p.Occurrences(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.True(t, occ[1].Skipped, "the earlier single delete stays in place")
}

func TestRevertRefusesChangedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, res := f.weekly(t, "2025-09-01", 2, Horizon{Steps: 4})

	_, err := f.p.ApplyEdit(ctx, res.Created[2].ID, Changes{Lines: f.lines(f.peas, 5)}, ScopeFuture)
	require.NoError(t, err)
	_, err = f.p.ApplyEdit(ctx, res.Created[3].ID, Changes{Lines: f.lines(f.peas, 7)}, ScopeSingle)
	require.NoError(t, err)

	var future, single store.AuditEvent
	for _, ev := range f.auditEvents(t, eventbus.OrderUpdated) {
		if ev.OrderID == res.Created[3].ID {
			single = ev
		} else {
			future = ev
		}
	}
	require.NotEmpty(t, future.ID)
	require.NotEmpty(t, single.ID)

	_, err = f.p.Revert(ctx, future.ID)
	assert.True(t, IsConflict(err), "got %v", err)
	assert.Equal(t, []string{"2", "2", "5", "7"}, quantities(f.occurrences(t, sub.ID)))

	// Undoing the later edit first clears the way.
	_, err = f.p.Revert(ctx, single.ID)
	require.NoError(t, err)
	_, err = f.p.Revert(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "2", "2", "2"}, quantities(f.occurrences(t, sub.ID)))

	_, err = f.p.Revert(ctx, future.ID)
	assert.True(t, IsConflict(err), "a change cannot be reverted twice: %v", err)
}

func TestRevertOfRevertRedoes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, res := f.weekly(t, "2025-09-01", 2, Horizon{Steps: 4})

	_, err := f.p.ApplyEdit(ctx, res.Created[2].ID, Changes{Lines: f.lines(f.peas, 5), HalfChannel: ptr(true)}, ScopeFuture)
	require.NoError(t, err)
	_, err = f.p.Revert(ctx, f.onlyEvent(t, eventbus.OrderUpdated).ID)
	require.NoError(t, err)

	_, err = f.p.Revert(ctx, f.onlyEvent(t, eventbus.ChangeReverted).ID)
	require.NoError(t, err)

	occ := f.occurrences(t, sub.ID)
	assert.Equal(t, []string{"2", "2", "5", "5"}, quantities(occ))
	assert.True(t, occ[3].HalfChannel)
	got, err := f.p.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "5", got.Template[0].Quantity.String())
	assert.True(t, got.HalfChannel)
}

func TestRevertRejectsPlainEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.weekly(t, "2025-09-01", 2, Horizon{Steps: 1})

	_, err := f.p.Revert(ctx, f.onlyEvent(t, eventbus.SubscriptionCreated).ID)
	assert.True(t, IsValidation(err), "got %v", err)
	_, err = f.p.Revert(ctx, "missing")
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestRevertNeedsCatalogRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.p.CreateOrder(ctx, OrderInput{CustomerID: f.cafe.ID, DeliveryDate: date("2025-09-03"), Lines: f.lines(f.radish, 1)})
	require.NoError(t, err)
	_, err = f.p.ApplyDelete(ctx, o.ID, ScopeSingle)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteItem(ctx, f.radish.ID))

	_, err = f.p.Revert(ctx, f.onlyEvent(t, eventbus.OrderDeleted).ID)
	assert.True(t, IsConflict(err), "got %v", err)
}
