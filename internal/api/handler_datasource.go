package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/caravel-bi/caravel/internal/domain"
)

func datasourceParams(r *http.Request) (string, int64, error) {
	typeTag := chi.URLParam(r, "datasourceType")
	id, err := strconv.ParseInt(chi.URLParam(r, "datasourceID"), 10, 64)
	if err != nil {
		return "", 0, domain.ErrValidation("datasource id must be an integer")
	}
	return typeTag, id, nil
}

// DatasourceMetadata describes a datasource to the explore UI: which
// columns can group and filter, where time lives, and the metric menu.
func (h *Handler) DatasourceMetadata(w http.ResponseWriter, r *http.Request) {
	typeTag, dsID, err := datasourceParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ds, err := h.Registry.GetEager(r.Context(), typeTag, dsID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Security.CheckDatasourceAccess(r.Context(), identityFrom(r), ds); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":          ds.Type(),
		"id":            ds.ID(),
		"name":          ds.Name(),
		"columns":       ds.ColumnNames(),
		"gb_cols":       ds.GroupbyColumnNames(),
		"filter_cols":   ds.FilterableColumnNames(),
		"dttm_cols":     ds.DttmCols(),
		"main_dttm_col": ds.MainDttmCol(),
		"metrics_combo": ds.MetricsCombo(),
	})
}

// DatasourceRefresh re-reads column and metric metadata from the backing
// store and persists what it finds. Only owners, the creator, or admins may
// refresh.
func (h *Handler) DatasourceRefresh(w http.ResponseWriter, r *http.Request) {
	typeTag, dsID, err := datasourceParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ds, err := h.Registry.Get(r.Context(), typeTag, dsID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id := identityFrom(r)
	if err := h.Security.CheckOwnership(id, ds.CreatedBy(), ds.Owners()); err != nil {
		h.writeError(w, err)
		return
	}
	refreshed, err := h.Registry.Refresh(r.Context(), typeTag, dsID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"id":     refreshed.ID(),
	})
}
