package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirillkom/scanmate-sync/internal/config"
	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
	"github.com/kirillkom/scanmate-sync/internal/observability/metrics"
)

const maxRequestBodyBytes = 1 << 20

type Router struct {
	cfg      config.Config
	registry ports.DocumentRegistry
	intake   ports.DocumentIntake
	sync     ports.SyncController

	metrics        *metrics.HTTPServerMetrics
	metricsHandler http.Handler
}

// RouterOption wires optional observability into the router.
type RouterOption func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics, handler http.Handler) RouterOption {
	return func(rt *Router) {
		rt.metrics = m
		rt.metricsHandler = handler
	}
}

func NewRouter(
	cfg config.Config,
	registry ports.DocumentRegistry,
	intake ports.DocumentIntake,
	sync ports.SyncController,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:      cfg,
		registry: registry,
		intake:   intake,
		sync:     sync,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metricsHandler != nil {
		mux.Handle("GET /metrics", rt.metricsHandler)
	}

	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("POST /v1/documents", rt.importDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("PATCH /v1/documents/{id}", rt.updateDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.removeDocument)
	mux.HandleFunc("PUT /v1/documents/{id}/status", rt.setDocumentStatus)

	mux.HandleFunc("POST /v1/sync/enqueue", rt.enqueueSync)
	mux.HandleFunc("GET /v1/sync/queue", rt.syncQueue)
	mux.HandleFunc("GET /v1/sync/state", rt.syncState)
	mux.HandleFunc("POST /v1/sync/drain", rt.drainSync)
	mux.HandleFunc("POST /v1/sync/restore", rt.restoreFromCloud)
	mux.HandleFunc("POST /v1/sync/session", rt.signIn)
	mux.HandleFunc("DELETE /v1/sync/session", rt.signOut)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, rt.recordRejection)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.recordRejection)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) recordRejection(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejection(reason)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"hydrated": rt.registry.Hydrated(),
	})
}

// requireHydrated answers 503 until the registry has loaded from disk.
func (rt *Router) requireHydrated(w http.ResponseWriter) bool {
	if rt.registry.Hydrated() {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":    "document registry is not hydrated yet",
		"hydrated": false,
	})
	return false
}

func (rt *Router) listDocuments(w http.ResponseWriter, _ *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": rt.registry.List()})
}

func (rt *Router) importDocument(w http.ResponseWriter, r *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	var req struct {
		Title     string `json:"title"`
		LocalPath string `json:"localPath"`
		Pages     int    `json:"pages"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := rt.intake.Import(r.Context(), req.Title, req.LocalPath, req.Pages)
	if err != nil {
		writeError(w, r, "import document", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	rec, ok := rt.registry.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "document not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) updateDocument(w http.ResponseWriter, r *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	var patch domain.DocumentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.Empty() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "patch has no fields"})
		return
	}

	rec, err := rt.registry.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, r, "update document", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) removeDocument(w http.ResponseWriter, r *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	if err := rt.registry.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, "remove document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) setDocumentStatus(w http.ResponseWriter, r *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	var req struct {
		Status domain.DocumentStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}

	rec, err := rt.registry.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, r, "set document status", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) enqueueSync(w http.ResponseWriter, r *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	var req struct {
		DocumentID string          `json:"documentId"`
		Kind       domain.TaskKind `json:"kind"`
		CloudID    string          `json:"cloudId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = domain.TaskUpload
	}

	documentID := strings.TrimSpace(req.DocumentID)
	added, err := rt.sync.Enqueue(r.Context(), documentID, req.Kind, strings.TrimSpace(req.CloudID))
	if err != nil {
		writeError(w, r, "enqueue sync task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"taskId": domain.TaskKey(documentID),
		"added":  added,
	})
}

func (rt *Router) syncQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": rt.sync.Queue()})
}

func (rt *Router) syncState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       rt.sync.State(),
		"account":     rt.sync.Account(),
		"queueLength": len(rt.sync.Queue()),
	})
}

func (rt *Router) drainSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"drained": rt.sync.Drain(r.Context())})
}

func (rt *Router) restoreFromCloud(w http.ResponseWriter, r *http.Request) {
	if !rt.requireHydrated(w) {
		return
	}
	n, err := rt.sync.RestoreFromCloud(r.Context())
	if err != nil {
		writeError(w, r, "restore from cloud", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": n})
}

func (rt *Router) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"ownerId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := rt.sync.SignIn(r.Context(), req.OwnerID); err != nil {
		writeError(w, r, "sign in", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": rt.sync.Account()})
}

func (rt *Router) signOut(w http.ResponseWriter, r *http.Request) {
	if err := rt.sync.SignOut(r.Context()); err != nil {
		writeError(w, r, "sign out", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"operation", op,
			"error", err,
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
