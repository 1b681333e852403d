package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/planner"
	"github.com/sproutplan/sproutplan/internal/store"
)

// --- Customers ---

func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.planner.ListCustomers(r.Context())
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	if customers == nil {
		customers = []store.Customer{}
	}
	writeJSON(w, http.StatusOK, customers)
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var in planner.CustomerInput
	if !s.decodeBody(w, r, &in, false) {
		return
	}
	c, err := s.planner.CreateCustomer(r.Context(), in)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := s.planner.GetCustomer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	var in planner.CustomerInput
	if !s.decodeBody(w, r, &in, false) {
		return
	}
	c, err := s.planner.UpdateCustomer(r.Context(), chi.URLParam(r, "customerID"), in)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := s.planner.DeleteCustomer(r.Context(), chi.URLParam(r, "customerID")); err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Items ---

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.planner.ListItems(r.Context())
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	if items == nil {
		items = []store.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var in planner.ItemInput
	if !s.decodeBody(w, r, &in, false) {
		return
	}
	it, err := s.planner.CreateItem(r.Context(), in)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.planner.GetItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var in planner.ItemInput
	if !s.decodeBody(w, r, &in, false) {
		return
	}
	it, err := s.planner.UpdateItem(r.Context(), chi.URLParam(r, "itemID"), in)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.planner.DeleteItem(r.Context(), chi.URLParam(r, "itemID")); err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Orders ---

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var in planner.OrderInput
	if !s.decodeBody(w, r, &in, false) {
		return
	}
	o, err := s.planner.CreateOrder(r.Context(), in)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.planner.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleEditOrder(w http.ResponseWriter, r *http.Request) {
	scope, err := planner.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	var ch planner.Changes
	if !s.decodeBody(w, r, &ch, false) {
		return
	}
	res, err := s.planner.ApplyEdit(r.Context(), chi.URLParam(r, "orderID"), ch, scope)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	scope, err := planner.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	res, err := s.planner.ApplyDelete(r.Context(), chi.URLParam(r, "orderID"), scope)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Subscriptions ---

type createSubscriptionRequest struct {
	planner.SubscriptionInput
	Horizon *planner.Horizon `json:"horizon,omitempty"`
}

type subscriptionResponse struct {
	Subscription *store.Subscription  `json:"subscription"`
	Occurrences  []planner.Occurrence `json:"occurrences"`
}

// horizon returns the requested horizon, or the configured lookahead from
// today when none was given.
func (s *Server) horizon(h *planner.Horizon) planner.Horizon {
	if h != nil && (!h.Until.IsZero() || h.Steps > 0) {
		return *h
	}
	return planner.HorizonFromToday(s.planner.Today(), s.lookahead)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.planner.ListSubscriptions(r.Context())
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	if subs == nil {
		subs = []store.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	sub, res, err := s.planner.CreateSubscription(r.Context(), req.SubscriptionInput, s.horizon(req.Horizon))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscription": sub,
		"expansion":    res,
	})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriptionID")
	sub, err := s.planner.GetSubscription(r.Context(), id)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	occ, err := s.planner.Occurrences(r.Context(), id)
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: sub, Occurrences: occ})
}

func (s *Server) handleExpandSubscription(w http.ResponseWriter, r *http.Request) {
	var h planner.Horizon
	if !s.decodeBody(w, r, &h, true) {
		return
	}
	res, err := s.planner.Expand(r.Context(), chi.URLParam(r, "subscriptionID"), s.horizon(&h))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	res, err := s.planner.CancelSubscription(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Schedules ---

type scheduleResponse struct {
	Kind    string        `json:"kind"`
	Start   calendar.Date `json:"start"`
	End     calendar.Date `json:"end"`
	Entries any           `json:"entries"`
	Totals  any           `json:"totals,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if kind != "delivery" && kind != "production" && kind != "transfer" {
		writeError(w, http.StatusNotFound, "unknown schedule "+strconv.Quote(kind))
		return
	}

	start := s.planner.Today().StartOfWeek()
	if v := r.URL.Query().Get("week"); v != "" {
		d, err := calendar.ParseDate(v)
		if err != nil || !d.Valid() {
			writeError(w, http.StatusBadRequest, "week must be a date such as 2025-03-10")
			return
		}
		start = d
	}
	if s.expandOnRead {
		s.expandForRead(r, kind, start)
	}

	ctx := r.Context()
	resp := scheduleResponse{Kind: kind, Start: start, End: start.AddDays(planner.WeekDays - 1)}
	var err error
	switch kind {
	case "delivery":
		resp.Entries, err = s.planner.DeliverySchedule(ctx, start)
	case "production":
		var plan planner.ProductionPlan
		plan, err = s.planner.ProductionPlan(ctx, start)
		resp.Entries, resp.Totals = plan.Entries, plan.Totals
	case "transfer":
		var plan planner.TransferPlan
		plan, err = s.planner.TransferPlan(ctx, start)
		resp.Entries, resp.Totals = plan.Entries, plan.Totals
	}
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// expandForRead materializes subscription occurrences far enough ahead for
// the requested week. Production and transfer weeks need deliveries up to the
// longest growth period past the week. Weeks starting beyond the lookahead
// are served from what exists, so a read never expands further than the
// lookahead plus one week and one growth period. Failures are logged; the
// schedule is still served.
func (s *Server) expandForRead(r *http.Request, kind string, start calendar.Date) {
	ctx := r.Context()
	h := planner.HorizonFromToday(s.planner.Today(), s.lookahead)
	if start.After(h.Until) {
		s.logger.Debug("expand on read skipped", "week", start.String(), "lookahead_until", h.Until.String())
		return
	}
	until := start.AddDays(planner.WeekDays - 1)
	if kind != "delivery" {
		items, err := s.planner.ListItems(ctx)
		if err != nil {
			s.logger.Warn("expand on read: list items", "error", err)
			return
		}
		longest := 0
		for _, it := range items {
			longest = max(longest, it.Stages.TotalDays())
		}
		until = until.AddDays(longest)
	}

	if until.After(h.Until) {
		h.Until = until
	}
	if _, err := s.planner.ExpandAll(ctx, h); err != nil {
		s.logger.Warn("expand on read failed", "until", h.Until.String(), "error", err)
	}
}

// --- Audit ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	offset := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.planner.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:         q.Get("action"),
		OrderID:        q.Get("order_id"),
		SubscriptionID: q.Get("subscription_id"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	res, err := s.planner.Revert(r.Context(), chi.URLParam(r, "auditID"))
	if err != nil {
		s.writePlannerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
