package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/engine"
	"github.com/akhilkashyap777/Ace-in-the-Hole/internal/vaultstore"
)

// api is the loopback control surface UI collaborators talk to. It never
// leaves the machine; the transfer listener is the only outward-facing one.
type api struct {
	eng *engine.Engine
	log *zap.Logger
}

func newAPI(eng *engine.Engine, log *zap.Logger) http.Handler {
	a := &api{eng: eng, log: log}
	mux := chi.NewRouter()

	mux.Get("/api/health", a.handleHealth)
	mux.Get("/api/items", a.handleList)
	mux.Post("/api/items", a.handleAdd)
	mux.Get("/api/items/{id}", a.handleGet)
	mux.Get("/api/items/{id}/meta", a.handleMeta)
	mux.Put("/api/items/{id}/name", a.handleRename)
	mux.Post("/api/items/{id}/recycle", a.handleRecycle)
	mux.Post("/api/items/{id}/restore", a.handleRestore)
	mux.Delete("/api/items/{id}", a.handlePurge)
	mux.Get("/api/bin", a.handleBin)
	mux.Post("/api/bin/sweep", a.handleSweep)
	mux.Get("/api/stats", a.handleStats)
	mux.Get("/api/check", a.handleCheck)
	mux.Get("/api/audit", a.handleAudit)
	mux.Post("/api/pair", a.handlePair)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "unlocked": a.eng.Unlocked()})
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := a.eng.List(vaultstore.Category(r.URL.Query().Get("category")))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) handleAdd(w http.ResponseWriter, r *http.Request) {
	category := vaultstore.Category(r.URL.Query().Get("category"))
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	meta, err := a.eng.Add(r.Context(), category, name, r.Body)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	rc, err := a.eng.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		a.log.Warn("item download aborted", zap.Error(err))
	}
}

func (a *api) handleMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := a.eng.GetMeta(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *api) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := a.eng.Rename(chi.URLParam(r, "id"), body.Name); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRecycle(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Recycle(chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Restore(chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Purge(chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleBin(w http.ResponseWriter, r *http.Request) {
	entries, err := a.eng.ListRecycled()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handleSweep(w http.ResponseWriter, r *http.Request) {
	purged, err := a.eng.PurgeExpired(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.Stats()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleCheck(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "1"
	report, err := a.eng.Check(r.Context(), deep)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.eng.AuditEntries()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handlePair(w http.ResponseWriter, r *http.Request) {
	payload, err := a.eng.CreatePairing()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payload": payload.Encode(),
		"code":    payload.Code,
	})
}

func (a *api) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vaultstore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, vaultstore.ErrBadCategory),
		errors.Is(err, vaultstore.ErrNotRecycled),
		errors.Is(err, vaultstore.ErrAlreadyRecycled),
		errors.Is(err, vaultstore.ErrActivePurge):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.log.Error("control api error", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
