package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/orchestrator"
	"github.com/k11v/appbuild/internal/status"
)

//go:embed openapi.json
var openAPIDoc []byte

// Orchestrator admits requests and reports their status.
type Orchestrator interface {
	Admit(ctx context.Context, req *build.Request) (*orchestrator.Admission, error)
	Status(nonce string) (build.StatusRecord, error)
}

type handler struct {
	mux          *http.ServeMux
	orchestrator Orchestrator
	maxBodyBytes int64
	version      string
	log          *slog.Logger
	now          func() time.Time
}

func newHandler(cfg *Config, params *Params, log *slog.Logger) *handler {
	mux := http.NewServeMux()
	h := &handler{
		mux:          mux,
		orchestrator: params.Orchestrator,
		maxBodyBytes: cfg.maxBodyBytes(),
		version:      params.version(),
		log:          log,
		now:          time.Now,
	}

	if params.Development {
		mux.HandleFunc("GET /swagger/doc.json", h.GetOpenAPIDoc)
		mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}

	mux.HandleFunc("GET /{$}", h.GetRoot)
	mux.HandleFunc("GET /health", h.GetHealth)
	mux.HandleFunc("POST /api-endpoint", h.CreateBuild)
	mux.HandleFunc("GET /status/{nonce}", h.GetStatus)
	if params.Metrics != nil {
		mux.Handle("GET /metrics", params.Metrics)
	}

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status   string `json:"status"`
		Service  string `json:"service"`
		Version  string `json:"version"`
		Deployed bool   `json:"deployed"`
	}

	h.writeJSON(w, http.StatusOK, response{Status: "ok", Service: "appbuild", Version: h.version, Deployed: true})
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
		Version   string    `json:"version"`
	}

	h.writeJSON(w, http.StatusOK, response{Status: "ok", Timestamp: h.now().UTC(), Version: h.version})
}

func (h *handler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	type acceptedResponse struct {
		Status    string    `json:"status"`
		Message   string    `json:"message"`
		Task      string    `json:"task"`
		Round     int       `json:"round"`
		Nonce     string    `json:"nonce"`
		Timestamp time.Time `json:"timestamp"`
	}

	type duplicateResponse struct {
		Status  string             `json:"status"`
		Message string             `json:"message"`
		Current build.StatusRecord `json:"current"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req build.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, build.KindValidation, fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit))
			return
		}
		h.writeError(w, http.StatusUnprocessableEntity, build.KindValidation, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if dec.More() {
		h.writeError(w, http.StatusUnprocessableEntity, build.KindValidation, "invalid request body: multiple top-level values")
		return
	}

	admission, err := h.orchestrator.Admit(r.Context(), &req)
	if err != nil {
		h.writeAdmitError(w, err)
		return
	}

	if admission.Duplicate {
		h.writeJSON(w, http.StatusOK, duplicateResponse{
			Status:  "duplicate",
			Message: "request with this nonce was already received",
			Current: admission.Status,
		})
		return
	}

	h.writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:    "accepted",
		Message:   "request accepted for processing",
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		Timestamp: h.now().UTC(),
	})
}

func (h *handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	nonce := r.PathValue("nonce")

	rec, err := h.orchestrator.Status(nonce)
	if errors.Is(err, status.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, build.KindTaskNotFound, fmt.Sprintf("no request with nonce %s", nonce))
		return
	}
	if err != nil {
		h.log.Error("failed to get status", "nonce", nonce, "error", err)
		h.writeError(w, http.StatusInternalServerError, build.KindInternal, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handler) GetOpenAPIDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIDoc)
}

func (h *handler) writeAdmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrShuttingDown) {
		h.writeError(w, http.StatusServiceUnavailable, build.KindInternal, "server is shutting down")
		return
	}

	kind := build.KindOf(err)
	code := statusCode(kind)
	if code == http.StatusInternalServerError {
		h.log.Error("failed to admit request", "error", err)
		h.writeError(w, code, kind, "internal server error")
		return
	}
	h.writeError(w, code, kind, err.Error())
}

// statusCode maps an admission error kind to an HTTP status code.
func statusCode(kind build.Kind) int {
	switch kind {
	case build.KindAuth:
		return http.StatusUnauthorized
	case build.KindValidation:
		return http.StatusUnprocessableEntity
	case build.KindTaskNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, code int, kind build.Kind, message string) {
	type response struct {
		Error build.ErrorDetail `json:"error"`
	}

	h.writeJSON(w, code, response{Error: build.ErrorDetail{Kind: kind, Message: message}})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to encode response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
