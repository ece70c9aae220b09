package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	respond "github.com/civicmap/civicmap/server/internal/api/respond"
	"github.com/civicmap/civicmap/server/internal/model"
	syncpkg "github.com/civicmap/civicmap/server/internal/sync"
)

// SyncHandler triggers integration runs over HTTP.
type SyncHandler struct {
	svc *syncpkg.Service
}

func NewSyncHandler(svc *syncpkg.Service) *SyncHandler { return &SyncHandler{svc: svc} }

// RunSync POST /api/sync/{appKey}
func (h *SyncHandler) RunSync(w http.ResponseWriter, r *http.Request) {
	appKey := mux.Vars(r)["appKey"]
	run, err := h.svc.Run(r.Context(), appKey)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respond.WriteNotFound(w, err.Error())
			return
		}
		if errors.Is(err, model.ErrNoResponse) {
			respond.WriteError(w, http.StatusBadGateway, err.Error())
			return
		}
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, run)
}

// ListIntegrations GET /api/sync
func (h *SyncHandler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	keys := h.svc.AppKeys()
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"apps": keys, "count": len(keys)})
}
