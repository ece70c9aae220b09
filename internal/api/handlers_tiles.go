package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	respond "github.com/civicmap/civicmap/server/internal/api/respond"
	"github.com/civicmap/civicmap/server/internal/api/validate"
	"github.com/civicmap/civicmap/server/internal/tiles"
)

// TilesHandler is the HTTP transport over the tile service.
type TilesHandler struct {
	svc *tiles.Service
}

func NewTilesHandler(svc *tiles.Service) *TilesHandler { return &TilesHandler{svc: svc} }

// GetTile GET /api/tiles/{z}/{x}/{y}?query=...
func (h *TilesHandler) GetTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	z, x, y, err := validate.TileCoords(vars["z"], vars["x"], vars["y"])
	if err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}

	data, err := h.svc.GetTile(r.Context(), z, x, y, r.URL.Query().Get("query"))
	if err != nil {
		respond.WriteInternalError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetClusterItems GET /api/clusters/{clusterId}/items?page=&pageSize=&sort=&query=
func (h *TilesHandler) GetClusterItems(w http.ResponseWriter, r *http.Request) {
	clusterID, err := strconv.ParseInt(mux.Vars(r)["clusterId"], 10, 64)
	if err != nil {
		respond.WriteBadRequest(w, "clusterId must be an integer")
		return
	}
	q := r.URL.Query()
	page, pageSize, err := validate.Page(q.Get("page"), q.Get("pageSize"), 20, 100)
	if err != nil {
		respond.WriteBadRequest(w, err.Error())
		return
	}
	sort := q.Get("sort")
	if sort == "" {
		sort = "startAt desc"
	}

	res, err := h.svc.GetClusterItems(r.Context(), clusterID, page, pageSize, sort, q.Get("query"))
	if err != nil {
		respond.WriteInternalError(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, res)
}
