// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unclebandit/quicksend/internal/auth"
	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/service"
)

const maxUploadMemory = 32 << 20

// CampaignAPI is the part of the campaign service the HTTP layer uses.
type CampaignAPI interface {
	SubmitCampaign(ctx context.Context, req service.SubmitCampaignRequest) (*service.SubmitCampaignResult, error)
	ListCampaigns(ctx context.Context, userID int64, page, pageSize int, status string) ([]model.Campaign, map[string]int, error)
	GetCampaignDetailsWithStats(ctx context.Context, userID, campaignID int64) (*service.CampaignDetails, error)
	Statistics(ctx context.Context, userID int64) (map[string]int, error)
}

var _ CampaignAPI = (*service.CampaignService)(nil)

type CampaignController struct {
	CampaignService CampaignAPI
	Log             logger.Logger
	validator       *validator.Validate
}

func NewCampaignController(svc CampaignAPI, log logger.Logger) *CampaignController {
	return &CampaignController{
		CampaignService: svc,
		Log:             log,
		validator:       validator.New(),
	}
}

type recipientInput struct {
	Email string `json:"email" validate:"required,email"`
}

// createCampaignBody is the JSON document carried in the "body" form field.
type createCampaignBody struct {
	SenderName string           `json:"sender_name" validate:"max=100"`
	Subject    string           `json:"subject" validate:"required,max=998"`
	Body       string           `json:"body" validate:"required"`
	Recipients []recipientInput `json:"recipients" validate:"required,min=1,dive"`
	Date       string           `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time       string           `json:"time" validate:"omitempty,datetime=15:04"`
	Timezone   string           `json:"timezone" validate:"omitempty,timezone"`
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/statistics", c.Statistics)
	r.Get("/campaigns/{id}", c.GetCampaignDetails)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	var body createCampaignBody
	if err := json.Unmarshal([]byte(r.FormValue("body")), &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := c.validator.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := service.SubmitCampaignRequest{
		UserID:     userID,
		SenderName: body.SenderName,
		Subject:    body.Subject,
		Body:       body.Body,
		Date:       body.Date,
		Time:       body.Time,
		Timezone:   body.Timezone,
	}
	for _, rcpt := range body.Recipients {
		req.Recipients = append(req.Recipients, rcpt.Email)
	}

	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot read file "+fh.Filename)
			return
		}
		defer f.Close()
		req.Files = append(req.Files, service.Upload{Filename: fh.Filename, Content: f})
	}

	result, err := c.CampaignService.SubmitCampaign(r.Context(), req)
	if err != nil {
		c.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), userID, page, pageSize, status)
	if err != nil {
		c.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), userID, id)
	if err != nil {
		c.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) Statistics(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stats, err := c.CampaignService.Statistics(r.Context(), userID)
	if err != nil {
		c.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// writeServiceError maps typed service errors onto HTTP statuses.
func (c *CampaignController) writeServiceError(w http.ResponseWriter, err error) {
	var (
		quotaErr  *appErrors.QuotaExceededError
		schedErr  *appErrors.SchedulingError
		attachErr *appErrors.AttachmentError
		validErr  *appErrors.ValidationError
		notFound  *appErrors.ErrCampaignNotFound
	)

	switch {
	case errors.As(err, &quotaErr):
		if quotaErr.Reason == appErrors.ReasonQuotaUnavailable {
			c.Log.Error("quota store unavailable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "quota temporarily unavailable", "reason": quotaErr.Reason})
			return
		}
		writeJSON(w, http.StatusForbidden, map[string]string{"error": quotaErr.Error(), "reason": quotaErr.Reason})
	case errors.As(err, &schedErr):
		writeError(w, http.StatusUnprocessableEntity, schedErr.Error())
	case errors.As(err, &attachErr), errors.As(err, &validErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	default:
		c.Log.Error("campaign request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
