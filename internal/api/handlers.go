package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"secshare.io/engine/internal/auth"
	"secshare.io/engine/internal/engine"
	"secshare.io/engine/internal/models"
)

// SecretService is the part of the engine the handlers depend on.
type SecretService interface {
	Policy() engine.Policy
	Create(ctx context.Context, req engine.CreateRequest) (models.SecretSummary, error)
	List(ctx context.Context, ownerID string) ([]models.SecretSummary, error)
	Reveal(ctx context.Context, id string, who engine.Requester) (*engine.Revealed, error)
	Delete(ctx context.Context, ownerID, id string) error
	GetLogs(ctx context.Context, ownerID, id string) ([]models.AccessLogEntry, error)
}

type Handler struct {
	secrets      SecretService
	baseURL      string
	maxBodyBytes int64
	log          logrus.FieldLogger
}

func NewHandler(secrets SecretService, baseURL string, maxBodyBytes int64, log logrus.FieldLogger) *Handler {
	return &Handler{
		secrets:      secrets,
		baseURL:      strings.TrimRight(baseURL, "/"),
		maxBodyBytes: maxBodyBytes,
		log:          log,
	}
}

type AttachmentRequest struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// CreateRequest uses pointers so an omitted field can fall back to the
// default while an explicit zero is rejected.
type CreateRequest struct {
	Content        string             `json:"content"`
	MaxViews       *int               `json:"max_views,omitempty"`
	ExpiresInHours *int               `json:"expires_in_hours,omitempty"`
	Attachment     *AttachmentRequest `json:"attachment,omitempty"`
}

type CreateResponse struct {
	models.SecretSummary
	URL string `json:"url"`
}

// RevealResponse carries the attachment as a data URL. AttachmentMissing is
// set, with no URL, when the secret had an attachment that could not be read.
type RevealResponse struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	CurrentViews      int       `json:"current_views"`
	MaxViews          int       `json:"max_views"`
	ExpiresAt         time.Time `json:"expires_at"`
	HasAttachment     bool      `json:"has_attachment"`
	AttachmentURL     string    `json:"attachment_url,omitempty"`
	AttachmentName    string    `json:"attachment_name,omitempty"`
	AttachmentMissing bool      `json:"attachment_missing,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
		h.error(w, http.StatusBadRequest, "invalid_parameter", "invalid request body")
		return
	}

	policy := h.secrets.Policy()
	in := engine.CreateRequest{
		OwnerID:  owner,
		Content:  req.Content,
		MaxViews: policy.DefaultMaxViews,
		TTL:      policy.DefaultTTL,
	}
	if req.MaxViews != nil {
		in.MaxViews = *req.MaxViews
	}
	if req.ExpiresInHours != nil {
		in.TTL = time.Duration(*req.ExpiresInHours) * time.Hour
	}
	if a := req.Attachment; a != nil {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			h.error(w, http.StatusBadRequest, "invalid_parameter", "attachment data must be base64")
			return
		}
		in.Attachment = &engine.AttachmentInput{Name: a.Name, Data: data}
	}

	summary, err := h.secrets.Create(r.Context(), in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, CreateResponse{
		SecretSummary: summary,
		URL:           h.baseURL + "/s/" + summary.ID,
	})
}

func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	secrets, err := h.secrets.List(r.Context(), owner)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, secrets)
}

// RevealSecret consumes a view on every successful GET.
func (h *Handler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	secret, err := h.secrets.Reveal(r.Context(), id, engine.Requester{
		Address:  clientIP(r),
		ClientID: r.UserAgent(),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := RevealResponse{
		ID:           secret.ID,
		Content:      secret.Content,
		CurrentViews: secret.CurrentViews,
		MaxViews:     secret.MaxViews,
		ExpiresAt:    secret.ExpiresAt,
	}
	if a := secret.Attachment; a != nil {
		resp.HasAttachment = true
		resp.AttachmentName = a.Name
		if a.Missing {
			resp.AttachmentMissing = true
		} else {
			resp.AttachmentURL = dataURL(a.Name, a.Data)
		}
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	if err := h.secrets.Delete(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	entries, err := h.secrets.GetLogs(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, entries)
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (h *Handler) error(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, code, message)
}

func dataURL(name string, data []byte) string {
	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	if base, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = base
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
