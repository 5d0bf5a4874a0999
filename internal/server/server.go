// Package server exposes the tool runtime over HTTP: listing with conditional
// revalidation, dispatch, the masked configuration surface, the control
// dashboard, metrics, and the live event feed.
package server

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kyralabs/toolgate/internal/config"
	"github.com/kyralabs/toolgate/internal/events"
	"github.com/kyralabs/toolgate/internal/health"
	"github.com/kyralabs/toolgate/internal/kernel"
	"github.com/kyralabs/toolgate/internal/observe"
	"github.com/kyralabs/toolgate/internal/registry"
	"github.com/kyralabs/toolgate/internal/sanitize"
)

// maxRequestBody caps request body sizes on the JSON endpoints.
const maxRequestBody = 8 << 20

// Options wires the server to its collaborators. Loader and Dispatcher are
// required; the rest may be nil, disabling the corresponding route.
type Options struct {
	Loader     *registry.Loader
	Dispatcher *kernel.Dispatcher
	EnvFile    *config.EnvFile
	Hub        *events.Hub
	Metrics    *observe.Metrics
	Sanitize   sanitize.Options
	Logger     *slog.Logger

	// ReloadPerRequest forces a registry rebuild before every dispatch.
	ReloadPerRequest bool
}

// Server is the HTTP surface of the tool runtime.
type Server struct {
	loader           *registry.Loader
	dispatcher       *kernel.Dispatcher
	envFile          *config.EnvFile
	hub              *events.Hub
	metrics          *observe.Metrics
	sanOpts          sanitize.Options
	log              *slog.Logger
	reloadPerRequest bool
}

// New creates a Server over the given collaborators.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		loader:           opts.Loader,
		dispatcher:       opts.Dispatcher,
		envFile:          opts.EnvFile,
		hub:              opts.Hub,
		metrics:          opts.Metrics,
		sanOpts:          opts.Sanitize,
		log:              log,
		reloadPerRequest: opts.ReloadPerRequest,
	}
}

// Handler builds the routed handler with CORS and observability middleware
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("OPTIONS /tools", noContent)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("OPTIONS /execute", noContent)

	if s.envFile != nil {
		mux.HandleFunc("GET /config", s.handleConfigStatus)
		mux.HandleFunc("POST /config", s.handleConfigUpdate)
		mux.HandleFunc("OPTIONS /config", noContent)
	}

	mux.HandleFunc("GET /control", serveControlHTML)
	mux.HandleFunc("GET /control.js", serveControlJS)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		mux.Handle("GET /events", s.hub)
	}

	health.New(s.healthCheckers()...).Register(mux)

	return observe.Middleware(s.metrics)(corsMiddleware(mux))
}

func (s *Server) healthCheckers() []health.Checker {
	return []health.Checker{{
		Name:  "registry",
		Check: func(ctx context.Context) error { return s.loader.MaybeReload(ctx, false) },
	}}
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleListTools serves the registry snapshot with a content-hash ETag.
// The body is the name-sorted descriptor array in compact JSON; byte-for-byte
// identical bodies carry identical ETags.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("reload") == "1"
	if err := s.loader.MaybeReload(r.Context(), force); err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := json.Marshal(s.loader.Registry().Snapshot())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum := sha1.Sum(body)
	etag := hex.EncodeToString(sum[:])

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(body)
}

// etagMatches reports whether the If-None-Match header value names etag.
// Quoted and weak forms are accepted alongside the bare hex digest.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// executeRequest is the dispatch request body. tool_reg is the legacy alias
// for tool.
type executeRequest struct {
	Tool    string         `json:"tool"`
	ToolReg string         `json:"tool_reg"`
	Params  map[string]any `json:"params"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()

	var req executeRequest
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, &kernel.Error{
			Kind:    kernel.KindValidation,
			Message: "request body is not a valid execute request: " + err.Error(),
		})
		return
	}

	name := req.Tool
	if name == "" {
		name = req.ToolReg
	}
	if name == "" {
		s.writeError(w, r, &kernel.Error{
			Kind:    kernel.KindValidation,
			Message: "request is missing the tool name",
		})
		return
	}

	result, err := s.dispatcher.Execute(r.Context(), name, req.Params, s.reloadPerRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.envFile.Status()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))

	var updates map[string]string
	if err := dec.Decode(&updates); err != nil {
		s.writeError(w, r, &kernel.Error{
			Kind:    kernel.KindValidation,
			Message: "request body must map configuration keys to string values",
		})
		return
	}

	if err := s.envFile.Set(updates); err != nil {
		var unknown *config.UnknownKeyError
		if errors.As(err, &unknown) {
			s.writeError(w, r, &kernel.Error{
				Kind:    kernel.KindBadRequest,
				Message: err.Error(),
			})
			return
		}
		s.log.Error("config update failed", slog.String("error", err.Error()))
		s.writeError(w, r, err)
		return
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.log.Info("configuration updated", slog.Any("keys", keys))
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": keys})
}

// writeJSON sanitises v and writes it as compact JSON.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sanitize.Marshal(v, s.sanOpts)
	if err != nil {
		s.log.Error("response encoding failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"response encoding failed","error_type":"execution_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

// writeError renders err as the structured error body with its mapped status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ke := kernel.AsError(err)
	status := ke.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error_type", string(ke.Kind)),
			slog.String("error", ke.Message))
	} else {
		s.log.Debug("request rejected",
			slog.String("path", r.URL.Path),
			slog.String("error_type", string(ke.Kind)),
			slog.String("error", ke.Message))
	}
	s.writeJSON(w, status, ke.Body())
}
