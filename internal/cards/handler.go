// internal/cards/handler.go
package cards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxUploadBytes = 10 << 20

// Extractor reads a candidate identifier from a card image. It returns
// ErrNoMatch when the image holds no identifier.
type Extractor interface {
	Extract(ctx context.Context, filename string, image io.Reader) (string, error)
}

// PinVerifier checks the operator PIN guarding destructive commands.
type PinVerifier interface {
	Verify(pin string) bool
}

type Handler struct {
	service Service
	ocr     Extractor
	pin     PinVerifier
	logger  *slog.Logger

	mu   sync.RWMutex
	mode Mode
}

type HandlerOption func(*Handler)

func WithExtractor(e Extractor) HandlerOption {
	return func(h *Handler) { h.ocr = e }
}

func WithPin(v PinVerifier) HandlerOption {
	return func(h *Handler) { h.pin = v }
}

func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service: service,
		logger:  slog.Default(),
		mode:    ModeRegister,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the operator command surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/mode", h.HandleGetMode)
	r.Put("/mode", h.HandleSetMode)
	r.Post("/scan", h.HandleScan)
	r.Post("/ocr", h.HandleOCR)
	r.Get("/records", h.HandleRecords)
	r.Get("/records/export.csv", h.HandleExport)
	r.Get("/records/{identifier}", h.HandleRecord)
	r.Get("/activity", h.HandleActivity)
	r.Get("/queue", h.HandleQueue)
	r.Post("/queue/flush", h.HandleFlush)
	r.Delete("/data", h.HandleClear)
	return r
}

func (h *Handler) currentMode() Mode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Health
	}{Status: "ok", Health: health})
}

func (h *Handler) HandleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]Mode{"mode": h.currentMode()})
}

func (h *Handler) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Mode.Valid() {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("%s: %q", ErrInvalidMode, req.Mode))
		return
	}

	h.mu.Lock()
	h.mode = req.Mode
	h.mu.Unlock()

	h.logger.Info("scan mode changed", "mode", req.Mode)
	writeJSON(w, http.StatusOK, map[string]Mode{"mode": req.Mode})
}

func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
		Mode Mode   `json:"mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = h.currentMode()
	}
	h.scan(w, r, mode, req.Code)
}

func (h *Handler) HandleOCR(w http.ResponseWriter, r *http.Request) {
	if h.ocr == nil {
		writeError(w, http.StatusNotImplemented, "optical extraction is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image uploaded")
		return
	}
	defer file.Close()

	identifier, err := h.ocr.Extract(r.Context(), header.Filename, file)
	if errors.Is(err, ErrNoMatch) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"notice": "no identifier found in the image"})
		return
	}
	if err != nil {
		h.logger.Error("optical extraction failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to process the image")
		return
	}

	h.scan(w, r, h.currentMode(), identifier)
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request, mode Mode, code string) {
	res, err := h.service.Scan(r.Context(), mode, code)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if res.Ignored {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Records(r.Context(), r.URL.Query().Get("q")))
}

func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Card(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	records := h.service.Records(r.Context(), r.URL.Query().Get("q"))
	name := fmt.Sprintf("cards_%s.csv", time.Now().Format("2006-01-02"))

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := WriteCSV(w, records); err != nil {
		h.logger.Error("failed to write csv export", "error", err)
	}
}

func (h *Handler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.service.Activity(r.Context(), limit))
}

func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Pending      []PendingOperation `json:"pending"`
		EvictedTotal int                `json:"evicted_total"`
	}{Pending: h.service.Pending(r.Context()), EvictedTotal: health.EvictedTotal})
}

func (h *Handler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Flush(r.Context())
	if err != nil {
		h.logger.Warn("flush did not complete", "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if h.pin != nil && !h.pin.Verify(r.Header.Get("X-Operator-Pin")) {
		writeError(w, http.StatusUnauthorized, "operator pin required")
		return
	}
	if err := h.service.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidIdentifier), errors.Is(err, ErrInvalidMode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrDuplicateRegistration), errors.Is(err, ErrAlreadyWithdrawn):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
