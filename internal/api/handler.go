package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"btdrop/internal/cleanup"
	"btdrop/internal/logging"
	"btdrop/internal/session"

	"github.com/gorilla/mux"
)

const (
	// multipartMemory is held in RAM per upload request; larger parts spill to disk.
	multipartMemory = 32 << 20
	// multipartOverhead covers boundaries and part headers on top of file bytes.
	multipartOverhead = 1 << 20
)

// StatsSource reports registry statistics.
type StatsSource interface {
	Stats(ctx context.Context) (*cleanup.Stats, error)
}

// Handler handles HTTP requests.
type Handler struct {
	sessions     *session.Service
	stats        StatsSource
	maxBodyBytes int64
	router       *mux.Router
	now          func() time.Time
}

// NewHandler creates a new HTTP handler. maxTotalSize bounds the request
// body of an upload.
func NewHandler(sessions *session.Service, stats StatsSource, maxTotalSize int64) *Handler {
	h := &Handler{
		sessions:     sessions,
		stats:        stats,
		maxBodyBytes: maxTotalSize + multipartOverhead,
		router:       mux.NewRouter(),
		now:          time.Now,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.router.HandleFunc("/api/upload", h.handleUpload).Methods(http.MethodPost)
	h.router.HandleFunc("/api/upload/{code}", h.handleInfo).Methods(http.MethodGet)
	h.router.HandleFunc("/api/download/{code}", h.handleInfo).Methods(http.MethodGet)
	h.router.HandleFunc("/api/download/{code}/zip", h.handleZip).Methods(http.MethodGet)
	h.router.HandleFunc("/api/download/{code}/{fileId}", h.handleDownload).Methods(http.MethodGet)
	h.router.HandleFunc("/api/health", h.handleHealth).Methods(http.MethodGet)
	h.router.HandleFunc("/api/stats", h.handleStats).Methods(http.MethodGet)

	h.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "Endpoint not found"})
	})
}

// Router exposes the route table so callers can mount extra endpoints.
func (h *Handler) Router() *mux.Router {
	return h.router
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// envelope is the JSON shape of every API response except health.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error, fallback string) {
	status, msg := statusFor(err, fallback)
	if status >= http.StatusInternalServerError {
		logging.Internal.Printf("%s: %v", fallback, err)
	}
	writeJSON(w, status, envelope{Error: msg})
}

func statusFor(err error, fallback string) (int, string) {
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		switch ve.Reason {
		case session.ReasonSizeExceeded:
			return http.StatusRequestEntityTooLarge, ve.Error()
		case session.ReasonTypeRejected:
			return http.StatusUnsupportedMediaType, ve.Error()
		case session.ReasonNoFiles:
			return http.StatusBadRequest, "No files provided"
		default:
			return http.StatusBadRequest, ve.Error()
		}
	}

	switch {
	case errors.Is(err, session.ErrInvalidCodeFormat):
		return http.StatusBadRequest, "Invalid code format"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "Code not found"
	case errors.Is(err, session.ErrExpired):
		return http.StatusGone, "Code has expired"
	case errors.Is(err, session.ErrFileNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, session.ErrContentMissing):
		return http.StatusNotFound, "File not found in storage"
	case errors.Is(err, session.ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable, "No download codes available, please try again later"
	}
	return http.StatusInternalServerError, fallback
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr), errors.Is(err, multipart.ErrMessageTooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, envelope{Error: "Total upload size exceeds limit"})
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			writeJSON(w, http.StatusBadRequest, envelope{Error: "No files provided"})
		default:
			logging.HTTP.Printf("malformed upload from %s: %v", extractIP(r, false), err)
			writeJSON(w, http.StatusBadRequest, envelope{Error: "Malformed upload request"})
		}
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logging.Internal.Printf("failed to remove multipart temp files: %v", err)
		}
	}()

	headers := r.MultipartForm.File["files"]
	uploads := make([]session.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			logging.Internal.Printf("failed to open multipart file %q: %v", fh.Filename, err)
			writeJSON(w, http.StatusInternalServerError, envelope{Error: "Failed to upload files"})
			return
		}
		defer f.Close()

		uploads = append(uploads, session.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Content:     f,
		})
	}

	result, err := h.sessions.CreateSession(r.Context(), uploads)
	if err != nil {
		writeError(w, err, "Failed to upload files")
		return
	}

	writeData(w, result)
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.GetSessionInfo(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, err, "Failed to get session")
		return
	}
	writeData(w, info)
}

func (h *Handler) handleZip(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, envelope{Error: "ZIP download not implemented yet"})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	code, fileID := vars["code"], vars["fileId"]

	dl, err := h.sessions.DownloadFile(r.Context(), code, fileID)
	if err != nil {
		writeError(w, err, "Failed to download file")
		return
	}
	defer dl.Content.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(dl.Name))

	// ServeContent handles Range requests and Content-Length
	if rs, ok := dl.Content.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", dl.ModTime, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Content); err != nil {
		logging.HTTP.Printf("download interrupted code=%s file_id=%s: %v", code, fileID, err)
	}
}

// contentDisposition builds an attachment header; non-ASCII names use the
// RFC 2231 encoding.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return `attachment; filename="download"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "OK", Timestamp: h.now().UTC()})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		writeError(w, err, "Failed to get stats")
		return
	}
	writeData(w, stats)
}
