package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Guizzs26/curral-sync/internal/cache"
	"github.com/Guizzs26/curral-sync/internal/db"
	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Engine interface {
	ForceSync(ctx context.Context) (models.Report, error)
	Submit(ctx context.Context, collection string, rec models.Record) (service.SubmitResult, error)
	Enqueue(ctx context.Context, kind, url, method string, payload any) (service.SubmitResult, error)
}

type Store interface {
	Put(ctx context.Context, collection string, rec models.Record) (int64, error)
	Get(ctx context.Context, collection string, id int64) (models.Record, error)
	QueryByIndex(ctx context.Context, collection, index string, value any) ([]models.Record, error)
	ListPending(ctx context.Context) ([]models.OutboxEntry, error)
	Stats(ctx context.Context) (models.Stats, error)
}

type Feedback interface {
	Failed(ctx context.Context) ([]models.OutboxEntry, error)
	Requeue(ctx context.Context, ids []int64) (int64, error)
}

type State interface {
	Online() bool
}

// ConnectivitySetter is implemented by signals the browser can drive
type ConnectivitySetter interface {
	Set(online bool) bool
}

type Deps struct {
	Engine   Engine
	Store    Store
	Feedback Feedback
	Registry models.Registry
	State    State
	// Connectivity is nil when the state comes from a file hook
	Connectivity ConnectivitySetter
	Hub          http.Handler
	Proxy        http.Handler
	// Background and BackgroundTask are optional; a record saved offline registers the task
	Background     *cache.BackgroundSync
	BackgroundTask cache.Task
	Logger         *slog.Logger
}

type handler struct {
	Deps
	logger *slog.Logger
}

// NewRouter mounts the local API under /_agent and hands every other path to the proxy
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d, logger: d.Logger.With("component", "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	if d.Hub != nil {
		r.Handle("/ws", d.Hub)
	}

	r.Route("/_agent", func(r chi.Router) {
		r.Post("/connectivity", h.setConnectivity)
		r.Post("/sync", h.forceSync)
		r.Get("/stats", h.stats)

		r.Get("/outbox/pending", h.listPending)
		r.Get("/outbox/failed", h.listFailed)
		r.Post("/outbox/requeue", h.requeue)
		r.Post("/outbox", h.enqueue)

		r.Post("/records/{collection}", h.saveRecord)
		r.Get("/records/{collection}", h.queryRecords)
		r.Get("/records/{collection}/{id}", h.getRecord)
	})

	if d.Proxy != nil {
		r.Handle("/*", d.Proxy)
	}
	return r
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Default().Error("Failed to write JSON response", "error", err)
		}
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]any{"error": message, "success": false})
}

// statusFor maps store errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, db.ErrUnknownCollection):
		return http.StatusNotFound
	case errors.Is(err, db.ErrUnknownIndex), errors.Is(err, db.ErrNotSyncable), errors.Is(err, service.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrConstraint):
		return http.StatusConflict
	case errors.Is(err, db.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		h.logger.Error("Request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	respondWithError(w, code, err.Error())
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": h.State.Online()})
}

func (h *handler) setConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.Connectivity == nil {
		respondWithError(w, http.StatusConflict, "conectividade controlada por arquivo de estado")
		return
	}
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		respondWithError(w, http.StatusBadRequest, "campo 'online' obrigatório")
		return
	}
	changed := h.Connectivity.Set(*body.Online)
	respondWithJSON(w, http.StatusOK, map[string]any{"online": *body.Online, "changed": changed})
}

func (h *handler) forceSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.ForceSync(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *handler) listPending(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListPending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(entries))
}

func (h *handler) listFailed(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Feedback.Failed(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(entries))
}

func (h *handler) requeue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []int64 `json:"ids"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondWithError(w, http.StatusBadRequest, "payload inválido: "+err.Error())
			return
		}
	}
	n, err := h.Feedback.Requeue(r.Context(), body.IDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind    string          `json:"type"`
		URL     string          `json:"url"`
		Method  string          `json:"method"`
		Payload json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "payload inválido: "+err.Error())
		return
	}
	var payload any
	if len(body.Payload) > 0 {
		payload = body.Payload
	}
	res, err := h.Engine.Enqueue(r.Context(), body.Kind, body.URL, body.Method, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !res.Synced {
		h.registerBackground(r.Context())
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{"id": res.EntryID, "synced": res.Synced, "success": true})
}

func (h *handler) saveRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	c, ok := h.Registry.Lookup(collection)
	if !ok {
		respondWithError(w, http.StatusNotFound, db.ErrUnknownCollection.Error()+": "+collection)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var rec models.Record
	if err := dec.Decode(&rec); err != nil || rec == nil {
		respondWithError(w, http.StatusBadRequest, "registro inválido")
		return
	}

	if !c.Syncable() {
		id, err := h.Store.Put(r.Context(), collection, rec)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		respondWithJSON(w, http.StatusCreated, map[string]any{"id": id, "success": true})
		return
	}

	res, err := h.Engine.Submit(r.Context(), collection, rec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !res.Synced {
		h.registerBackground(r.Context())
	}
	respondWithJSON(w, http.StatusCreated, res)
}

// registerBackground asks for a deferred drain when the write could not go out right away
func (h *handler) registerBackground(ctx context.Context) {
	if h.Background == nil || h.BackgroundTask == nil || h.State.Online() {
		return
	}
	if err := h.Background.Register(cache.TagSyncPendingData, h.BackgroundTask); err != nil && !errors.Is(err, cache.ErrUnsupported) {
		h.logger.WarnContext(ctx, "Background sync registration failed", "error", err)
	}
}

func (h *handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "id inválido")
		return
	}
	rec, err := h.Store.Get(r.Context(), chi.URLParam(r, "collection"), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *handler) queryRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index := q.Get("index")
	if index == "" || !q.Has("value") {
		respondWithError(w, http.StatusBadRequest, "parâmetros 'index' e 'value' obrigatórios")
		return
	}
	recs, err := h.Store.QueryByIndex(r.Context(), chi.URLParam(r, "collection"), index, q.Get("value"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(recs))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
