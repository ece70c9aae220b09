package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"

	respond "github.com/civicmap/civicmap/server/internal/api/respond"
	"github.com/civicmap/civicmap/server/internal/api/validate"
	"github.com/civicmap/civicmap/server/internal/match"
	"github.com/civicmap/civicmap/server/internal/model"
	"github.com/civicmap/civicmap/server/internal/store"
)

// SubscriptionHandler serves the per-user surface: newsfeed,
// subscription counts and subscription creation.
type SubscriptionHandler struct {
	matcher *match.Matcher
	store   store.Store
}

func NewSubscriptionHandler(m *match.Matcher, st store.Store) *SubscriptionHandler {
	return &SubscriptionHandler{matcher: m, store: st}
}

// Newsfeed GET /api/users/{userId}/newsfeed?page=&pageSize=
func (h *SubscriptionHandler) Newsfeed(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	q := r.URL.Query()
	page, pageSize, err := validate.Page(q.Get("page"), q.Get("pageSize"), 20, 100)
	if err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}

	feed, err := h.matcher.NewsFeed(r.Context(), userID, page, pageSize)
	if err != nil {
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, feed)
}

// Counts GET /api/users/{userId}/subscriptions/counts
func (h *SubscriptionHandler) Counts(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	counts, err := h.matcher.CountsForUser(r.Context(), userID)
	if err != nil {
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"counts": counts, "count": len(counts)})
}

// CreateSubscription POST /api/users/{userId}/subscriptions
func (h *SubscriptionHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var req struct {
		AppIDs    []int64                    `json:"apps"`
		Geom      *geojson.FeatureCollection `json:"geom"`
		Frequency string                     `json:"frequency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON")
		return
	}
	if err := validate.Subscription(userID, req.Geom, req.Frequency); err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}

	sub := &model.Subscription{
		UserID:    userID,
		AppIDs:    req.AppIDs,
		Geom:      req.Geom,
		Frequency: model.SubscriptionFrequency(req.Frequency),
		Active:    true,
	}
	out, err := h.store.Subscriptions().Create(r.Context(), sub)
	if err != nil {
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusCreated, out)
}
