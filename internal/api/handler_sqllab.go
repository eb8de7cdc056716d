package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caravel-bi/caravel/internal/domain"
)

// sqlJSONRequest is the wire form of a SQL Lab submission.
type sqlJSONRequest struct {
	DatabaseID   int64  `json:"database_id"`
	SQL          string `json:"sql"`
	Schema       string `json:"schema"`
	TabName      string `json:"tab"`
	SQLEditorID  string `json:"sql_editor_id"`
	ClientID     string `json:"client_id"`
	Limit        int    `json:"queryLimit"`
	SelectAsCTA  bool   `json:"select_as_cta"`
	TmpTableName string `json:"tmp_table_name"`
	RunAsync     bool   `json:"runAsync"`
}

// SQLJSON persists a SQL Lab query record and executes it. Databases
// flagged allow_run_async run on a background goroutine and the PENDING
// record is returned immediately; otherwise execution is synchronous.
func (h *Handler) SQLJSON(w http.ResponseWriter, r *http.Request) {
	var body sqlJSONRequest
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	if body.SQL == "" {
		h.writeError(w, domain.ErrValidation("sql is required"))
		return
	}
	db, err := h.Databases.GetByID(r.Context(), body.DatabaseID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id := identityFrom(r)
	if err := h.Security.CheckDatabaseAccess(r.Context(), id, db); err != nil {
		h.writeError(w, err)
		return
	}
	if !db.ExposeInSQLLab {
		h.writeError(w, domain.ErrAccessDenied("Database %s is not exposed in SQL Lab", db.DatabaseName))
		return
	}
	runAsync := body.RunAsync && db.AllowRunAsync
	if !runAsync && !db.AllowRunSync {
		h.writeError(w, domain.ErrAccessDenied("Database %s does not allow synchronous queries", db.DatabaseName))
		return
	}

	if body.ClientID == "" {
		body.ClientID = uuid.NewString()[:10]
	}
	limit := body.Limit
	if limit == 0 {
		limit = h.DefaultRowLimit
	}
	q, err := h.Queries.Create(r.Context(), &domain.Query{
		ClientID:     body.ClientID,
		DatabaseID:   body.DatabaseID,
		UserName:     id.Username,
		Status:       domain.StatusPending,
		TabName:      body.TabName,
		SQLEditorID:  body.SQLEditorID,
		Schema:       body.Schema,
		SQL:          body.SQL,
		Limit:        limit,
		SelectAsCTA:  body.SelectAsCTA,
		TmpTableName: body.TmpTableName,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if runAsync {
		h.Executor.RunAsync(q.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"query_id":  q.ID,
			"client_id": q.ClientID,
			"status":    q.Status,
		})
		return
	}

	payload, err := h.Executor.Run(r.Context(), q.ID, true)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// FetchResults retrieves an async payload from the results backend. The
// caller needs access to the database the query ran against.
func (h *Handler) FetchResults(w http.ResponseWriter, r *http.Request) {
	resultsKey := chi.URLParam(r, "resultsKey")
	q, err := h.Queries.GetByResultsKey(r.Context(), resultsKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	db, err := h.Databases.GetByID(r.Context(), q.DatabaseID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Security.CheckDatabaseAccess(r.Context(), identityFrom(r), db); err != nil {
		h.writeError(w, err)
		return
	}
	payload, err := h.Executor.FetchResults(r.Context(), resultsKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// StopQuery cancels a running query by its client id. Only the submitting
// user or an admin may stop a query.
func (h *Handler) StopQuery(w http.ResponseWriter, r *http.Request) {
	q, err := h.Queries.GetByClientID(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Security.CheckOwnership(identityFrom(r), q.UserName, nil); err != nil {
		h.writeError(w, err)
		return
	}
	h.Executor.Stop(q.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"query_id": q.ID,
		"status":   q.Status,
	})
}
