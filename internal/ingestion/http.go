package ingestion

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/auth"
	"github.com/your-org/tileflow/internal/eventbus"
	"github.com/your-org/tileflow/internal/store"
	"github.com/your-org/tileflow/pkg/metrics"
)

// HTTPHandler exposes REST endpoints for the ingestion service.
type HTTPHandler struct {
	service      *Service
	verifier     auth.Verifier
	logger       *zap.Logger
	maxSizeBytes int64
	formMemBytes int64
	router       chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(service *Service, verifier auth.Verifier, logger *zap.Logger, maxSizeBytes, formMemBytes int64) *HTTPHandler {
	h := &HTTPHandler{
		service:      service,
		verifier:     verifier,
		logger:       logger,
		maxSizeBytes: maxSizeBytes,
		formMemBytes: formMemBytes,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(h.verifier))
		r.Post("/datasets", h.handleCreateDataset)
		r.Get("/datasets/{datasetID}", h.handleGetDataset)
		r.Post("/datasets/{datasetID}/files", h.handleUploadFile)
		r.Post("/datasets/{datasetID}/attachments", h.handleUploadAttachment)
		r.Post("/files/{fileID}/reprocess", h.handleReprocess)
		r.Get("/files/{fileID}/preview", h.handlePreview)
		r.Get("/attachments/{attachmentID}", h.handleGetAttachment)
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ds, err := h.service.CreateDataset(r.Context(), owner(r), body.Name)
	if err != nil {
		h.fail(w, "create dataset", err)
		return
	}
	writeJSON(w, http.StatusCreated, datasetJSON(ds))
}

func (h *HTTPHandler) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "datasetID")
	if !ok {
		return
	}
	view, err := h.service.GetDataset(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, "get dataset", err)
		return
	}
	files := make([]map[string]any, 0, len(view.Files))
	for _, f := range view.Files {
		files = append(files, fileJSON(f))
	}
	out := datasetJSON(view.Dataset)
	out["files"] = files
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "datasetID")
	if !ok {
		return
	}
	file, header, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	result, err := h.service.UploadFile(r.Context(), owner(r), id, file, header.Size, uploadOptions(header))
	if err != nil {
		h.fail(w, "upload file", err)
		return
	}
	out := fileJSON(result.File)
	out["dataset_status"] = result.Dataset
	out["checksum"] = result.Checksum
	out["size_bytes"] = result.Size
	writeJSON(w, http.StatusAccepted, out)
}

func (h *HTTPHandler) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "datasetID")
	if !ok {
		return
	}
	file, header, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	result, err := h.service.UploadAttachment(r.Context(), owner(r), id, file, header.Size, uploadOptions(header))
	if err != nil {
		h.fail(w, "upload attachment", err)
		return
	}
	out := attachmentJSON(result.Attachment, nil)
	out["checksum"] = result.Checksum
	out["size_bytes"] = result.Size
	writeJSON(w, http.StatusAccepted, out)
}

func (h *HTTPHandler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "fileID")
	if !ok {
		return
	}
	file, err := h.service.Reprocess(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, "reprocess file", err)
		return
	}
	writeJSON(w, http.StatusAccepted, fileJSON(file))
}

func (h *HTTPHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "fileID")
	if !ok {
		return
	}
	preview, err := h.service.PreviewURL(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, "presign preview", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        preview.URL,
		"expires_at": preview.ExpiresAt,
	})
}

func (h *HTTPHandler) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "attachmentID")
	if !ok {
		return
	}
	view, err := h.service.GetAttachment(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, "get attachment", err)
		return
	}
	writeJSON(w, http.StatusOK, attachmentJSON(view.Attachment, view.Tags))
}

func (h *HTTPHandler) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	if r.ContentLength > 0 && r.ContentLength > h.maxSizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return nil, nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSizeBytes+1<<20)
	if err := r.ParseMultipartForm(h.formMemBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return nil, nil, false
	}
	if header.Size > h.maxSizeBytes {
		file.Close()
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds max size limit")
		return nil, nil, false
	}
	return file, header, true
}

// fail maps service errors onto status codes. Unexpected errors are logged
// and reported without detail.
func (h *HTTPHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrNoPreview):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnsupportedMedia):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, eventbus.ErrBrokerUnavailable):
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func owner(r *http.Request) string {
	p, _ := auth.FromContext(r.Context())
	return p.Subject
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func uploadOptions(header *multipart.FileHeader) UploadOptions {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return UploadOptions{Filename: header.Filename, ContentType: contentType}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
