package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/query"
	"github.com/koustreak/querygate/internal/store"
)

func (h *handler) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.deps.Connections.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := connectionList{Databases: make([]connectionView, 0, len(conns)), Total: len(conns)}
	for _, c := range conns {
		out.Databases = append(out.Databases, newConnectionView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getConnection(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Connections.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(c))
}

// upsertConnection answers 200 for both create and replace.
func (h *handler) upsertConnection(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, _, err := h.deps.Connections.Upsert(r.Context(), chi.URLParam(r, "name"), req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(c))
}

func (h *handler) deleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Connections.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getMetadata(w http.ResponseWriter, r *http.Request) {
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, errs.Newf(errs.KindValidation, "refresh must be a boolean, got %q", v))
			return
		}
		refresh = b
	}

	c, ok := h.connection(w, r)
	if !ok {
		return
	}
	snap, err := h.deps.Metadata.Extract(r.Context(), c, refresh)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) runQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, ok := h.connection(w, r)
	if !ok {
		return
	}
	res, err := h.deps.Queries.Execute(r.Context(), c, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// runNaturalQuery generates SQL for a prompt and, when asked to, runs it
// through the same pipeline as a raw query. An execution failure keeps the
// generated statement in the error details.
func (h *handler) runNaturalQuery(w http.ResponseWriter, r *http.Request) {
	var req naturalRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if h.deps.Generator == nil {
		writeError(w, r, errs.New(errs.KindAIServiceUnavailable, "natural language queries are not configured"))
		return
	}
	c, ok := h.connection(w, r)
	if !ok {
		return
	}

	gen, err := h.deps.Generator.Generate(r.Context(), c, req.Prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}

	execute := h.cfg.AutoExecute
	if req.Execute != nil {
		execute = *req.Execute
	}
	out := naturalResponse{Generation: gen}
	if execute {
		res, err := h.deps.Queries.Execute(r.Context(), c, query.Request{SQL: gen.GeneratedSQL})
		if err != nil {
			if e, ok := errs.As(err); ok {
				err = e.WithDetails(map[string]any{"generatedSql": gen.GeneratedSQL})
			}
			writeError(w, r, err)
			return
		}
		out.Result = res
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) connection(w http.ResponseWriter, r *http.Request) (*store.Connection, bool) {
	c, err := h.deps.Connections.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return c, true
}

// decode reads a single JSON object from the body into dst.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errs.Newf(errs.KindValidation, "request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return errs.New(errs.KindValidation, "request body is required")
		default:
			return errs.Wrap(errs.KindValidation, "request body is not valid JSON", err)
		}
	}
	if dec.More() {
		return errs.New(errs.KindValidation, "request body must hold a single JSON object")
	}
	return nil
}
