// Package api serves the run catalog and canonical-key lookups over HTTP
// and MCP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hazyhaar/crosswalk/pkg/kit"
)

type endpoints struct {
	latestRun kit.Endpoint
	sources   kit.Endpoint
	canonical kit.Endpoint
	health    kit.Endpoint
}

func newEndpoints(st Store, keys Keyer, logger *slog.Logger) endpoints {
	if logger == nil {
		logger = slog.Default()
	}
	wrap := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(logged(logger, name), kit.Recover())(ep)
	}
	return endpoints{
		latestRun: wrap("latest_run", latestRunEndpoint(st)),
		sources:   wrap("list_sources", listSourcesEndpoint(st)),
		canonical: wrap("canonical_key", canonicalEndpoint(keys)),
		health:    wrap("health", healthEndpoint(st)),
	}
}

// NewRouter returns an http.Handler with all read-only API routes.
func NewRouter(st Store, keys Keyer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &handler{ep: newEndpoints(st, keys, logger)}

	mux.HandleFunc("GET /v1/health", h.handleHealth)
	mux.HandleFunc("GET /v1/runs/latest", h.handleLatestRun)
	mux.HandleFunc("GET /v1/sources", h.handleSources)
	mux.HandleFunc("GET /v1/canonical", h.handleCanonical)

	return requestScoped(cors(mux))
}

type handler struct {
	ep endpoints
}

func (h *handler) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	resp, err := h.ep.latestRun(r.Context(), nil)
	if errors.Is(err, errNoRun) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleSources(w http.ResponseWriter, r *http.Request) {
	resp, err := h.ep.sources(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleCanonical(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.ep.canonical(r.Context(), &canonicalReq{City: q.Get("city"), Country: q.Get("country")})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.ep.health(r.Context(), nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requestScoped tags the request context with the transport and a request
// id, reusing X-Request-ID when the caller sends one.
func requestScoped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := kit.WithRequestID(kit.WithTransport(r.Context(), "http"), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cors is a simple CORS middleware for browser-based clients.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
