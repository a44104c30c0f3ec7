// Package api exposes the submission pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/attachment"
	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
	"github.com/mechnerve/mechnerve-website/internal/pipeline"
	"github.com/mechnerve/mechnerve-website/internal/validation"
)

const (
	messageInternal    = pipeline.MessageFailed
	messageRateLimited = "Too many requests. Please wait a moment and try again."
	messageTooLarge    = "The request is too large."
	messageBadRequest  = "The request could not be read."

	// formOverhead is the allowance for form fields on top of the upload limit.
	formOverhead = 1 << 20
	// multipartMemory is kept in memory before the multipart reader spills to disk.
	multipartMemory = 1 << 20
)

// uploadFields are the multipart field names accepted for the career document.
var uploadFields = []string{"attachment", "file", "resume"}

// Service is the part of the pipeline the handlers call.
type Service interface {
	Handle(ctx context.Context, kind models.Kind, raw map[string]string, upload *attachment.Upload) pipeline.Result
	ReadAll(ctx context.Context) ([]models.FallbackRecord, error)
	StoredCount(ctx context.Context) (int, error)
	TransportConfigured() bool
}

type response struct {
	Success      bool                    `json:"success"`
	Message      string                  `json:"message"`
	Delivered    *bool                   `json:"delivered,omitempty"`
	SubmissionID string                  `json:"id,omitempty"`
	Errors       []validation.FieldError `json:"errors,omitempty"`
}

// Handler serves the submission endpoints.
type Handler struct {
	service     Service
	maxBytes    int64
	logger      zerolog.Logger
	mirrorReady func() bool
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithMirrorReadiness adds kafka_mirror_ready to the health report.
func WithMirrorReadiness(ready func() bool) HandlerOption {
	return func(h *Handler) {
		h.mirrorReady = ready
	}
}

// NewHandler builds a Handler. maxUpload bounds the attachment size; request
// bodies may exceed it by a small allowance for form fields.
func NewHandler(svc Service, maxUpload int64, log zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:  svc,
		maxBytes: maxUpload + formOverhead,
		logger:   logger.Component(log, "http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Contact handles the contact form.
func (h *Handler) Contact(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindContact)
}

// Career handles job applications with a resume document.
func (h *Handler) Career(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindCareer)
}

// Collaboration handles partnership requests.
func (h *Handler) Collaboration(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindCollaboration)
}

// Submissions lists the undelivered submissions held in the fallback store.
func (h *Handler) Submissions(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ReadAll(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read fallback records")
		writeJSON(w, http.StatusInternalServerError, response{Message: messageInternal})
		return
	}
	if records == nil {
		records = []models.FallbackRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(records),
		"submissions": records,
	})
}

// Health reports liveness, whether delivery is configured and, when a Kafka
// mirror is wired, whether it is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"ok":                   true,
		"transport_configured": h.service.TransportConfigured(),
	}
	if n, err := h.service.StoredCount(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("fallback store unavailable for health check")
		body["fallback_records"] = nil
	} else {
		body["fallback_records"] = n
	}
	if h.mirrorReady != nil {
		body["kafka_mirror_ready"] = h.mirrorReady()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, kind models.Kind) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	fields, upload, cleanup, err := h.decode(r)
	defer cleanup()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Message: messageTooLarge})
			return
		}
		h.logger.Debug().Err(err).Str("kind", string(kind)).Msg("undecodable submission body")
		writeJSON(w, http.StatusBadRequest, response{Message: messageBadRequest})
		return
	}

	res := h.service.Handle(r.Context(), kind, fields, upload)
	writeResult(w, res)
}

// decode reads form fields from a JSON, urlencoded or multipart body. The
// returned cleanup must always be called.
func (h *Handler) decode(r *http.Request) (map[string]string, *attachment.Upload, func(), error) {
	noop := func() {}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "application/json":
		fields, err := decodeJSONFields(r.Body)
		return fields, nil, noop, err

	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, nil, noop, err
		}
		form := r.MultipartForm
		cleanup := func() {
			if err := form.RemoveAll(); err != nil {
				h.logger.Warn().Err(err).Msg("failed to remove multipart temp files")
			}
		}

		fields := firstValues(form.Value)
		fh := firstFile(form)
		if fh == nil {
			return fields, nil, cleanup, nil
		}
		f, err := fh.Open()
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("open upload: %w", err)
		}
		upload := &attachment.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Reader:      f,
		}
		return fields, upload, func() {
			_ = f.Close()
			cleanup()
		}, nil

	default:
		if err := r.ParseForm(); err != nil {
			return nil, nil, noop, err
		}
		return firstValues(r.PostForm), nil, noop, nil
	}
}

func decodeJSONFields(body io.Reader) (map[string]string, error) {
	var raw map[string]any
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json body: %w", err)
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64, bool:
			fields[k] = fmt.Sprint(val)
		}
	}
	return fields, nil
}

func firstValues(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func firstFile(form *multipart.Form) *multipart.FileHeader {
	for _, name := range uploadFields {
		if files := form.File[name]; len(files) > 0 {
			return files[0]
		}
	}
	for _, files := range form.File {
		if len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

func writeResult(w http.ResponseWriter, res pipeline.Result) {
	switch res.Status {
	case pipeline.StatusAccepted:
		delivered := res.Delivered
		writeJSON(w, http.StatusOK, response{
			Success:      true,
			Message:      res.UserMessage,
			Delivered:    &delivered,
			SubmissionID: res.SubmissionID,
		})
	case pipeline.StatusRejected:
		writeJSON(w, http.StatusBadRequest, response{
			Message: res.UserMessage,
			Errors:  res.Errors,
		})
	default:
		writeJSON(w, http.StatusInternalServerError, response{Message: messageInternal})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
