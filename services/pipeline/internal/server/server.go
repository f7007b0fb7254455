package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"printframe/internal/ratelimit"
	"printframe/internal/servicetoken"
	"printframe/internal/util"
	"printframe/pkg/domain"
	"printframe/services/pipeline/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Tokens verifies internal bearer tokens; nil disables authentication.
	Tokens                   *servicetoken.Manager
	StatusRateLimitPerMinute int
	TrustedProxies           *util.TrustedProxies
	CORSAllowedOrigins       []string
	MaxUploadBytes           int64
}

// Server exposes the pipeline over HTTP.
type Server struct {
	app            *app.App
	tokens         *servicetoken.Manager
	statusLimiter  *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	statusLimit := cfg.StatusRateLimitPerMinute
	if statusLimit <= 0 {
		statusLimit = 120
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(cfg.App.RedisClient(), "printframe:ratelimit:status", statusLimit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init status limiter: %w", err)
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		statusLimiter:  limiter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSAllowedOrigins,
		maxUploadBytes: maxUpload,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithRequestLog,
		util.WithSecurityHeaders,
		util.WithCORS(s.corsOrigins),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/batches", s.withInternal(s.handleBatches))
	s.mux.Handle("/batches/", s.withInternal(s.handleBatchByID))
	s.mux.Handle("/images/", s.withInternal(s.handleImageByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next(w, r)
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, "pipeline.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			s.audit(r, "pipeline.authorize", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if r.Method != http.MethodGet {
			s.audit(r, "pipeline.authorize", "success", "subject", claims.Subject)
		}
		next(w, r)
	})
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	batch, err := s.app.CreateBatch(r.Context(), req.OwnerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/batches/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			batch, err := s.app.GetBatch(r.Context(), id)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, batch)
		case http.MethodDelete:
			if err := s.app.DeleteBatch(r.Context(), id); err != nil {
				writeAppError(w, err)
				return
			}
			s.audit(r, "pipeline.batch.delete", "success", "batch_id", id)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "images":
		switch r.Method {
		case http.MethodGet:
			images, err := s.app.ListImages(r.Context(), id)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"images": images, "count": len(images)})
		case http.MethodPost:
			s.handleAddImage(w, r, id)
		default:
			methodNotAllowed(w)
		}
	case "dispatch":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		res, err := s.app.DispatchBatch(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if !s.allowRate(w, r, id) {
			return
		}
		agg, err := s.app.BatchStatus(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agg)
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleDownload(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAddImage(w http.ResponseWriter, r *http.Request, batchID string) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var req registerImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		img, err := s.app.RegisterImage(r.Context(), batchID, req.SourceURI, req.Crop)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, img)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required (field: image)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read image failed")
		return
	}
	var crop *domain.CropRegion
	if raw := strings.TrimSpace(r.FormValue("crop")); raw != "" {
		crop = &domain.CropRegion{}
		if err := json.Unmarshal([]byte(raw), crop); err != nil {
			writeError(w, http.StatusBadRequest, "invalid crop")
			return
		}
	}
	img, err := s.app.UploadImage(r.Context(), batchID, data, crop)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, batchID string) {
	format := r.URL.Query().Get("format")
	body, contentType, err := s.app.Download(r.Context(), batchID, format)
	if err != nil {
		writeAppError(w, err)
		return
	}
	ext := "zip"
	if contentType == "application/pdf" {
		ext = "pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.%s"`, batchID, ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleImageByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/images/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "resubmit" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		img, err := s.app.ResubmitImage(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, img)
		return
	}
	switch r.Method {
	case http.MethodGet:
		img, err := s.app.GetImage(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, img)
	case http.MethodDelete:
		if err := s.app.DeleteImage(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate applies the per-batch status quota. Limiter errors fail open.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, batchID string) bool {
	key := batchID + "|" + util.ClientIP(r, s.trusted)
	ok, err := s.statusLimiter.Allow(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("ratelimit.unavailable", "err", err)
		return true
	}
	if ok {
		return true
	}
	s.audit(r, "pipeline.status.ratelimit", "fail", "batch_id", batchID)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many status requests")
	return false
}

type createBatchRequest struct {
	OwnerID string `json:"ownerId"`
}

type registerImageRequest struct {
	SourceURI string             `json:"sourceUri"`
	Crop      *domain.CropRegion `json:"crop,omitempty"`
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
