package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/quicksend/internal/auth"
	"github.com/unclebandit/quicksend/internal/controller"
	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/service"
)

const secret = "controller-test"

// --- Mock Service ---

type mockCampaignAPI struct {
	submitErr error
	got       service.SubmitCampaignRequest
	files     map[string]string
	campaigns []model.Campaign
}

func (m *mockCampaignAPI) SubmitCampaign(ctx context.Context, req service.SubmitCampaignRequest) (*service.SubmitCampaignResult, error) {
	m.got = req
	m.files = map[string]string{}
	for _, f := range req.Files {
		b, _ := io.ReadAll(f.Content)
		m.files[f.Filename] = string(b)
	}
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	at := time.Date(2026, 5, 10, 11, 30, 0, 0, time.UTC)
	return &service.SubmitCampaignResult{CampaignID: 11, Status: model.StatusScheduled, ScheduledAt: &at, JobID: "job-1"}, nil
}

func (m *mockCampaignAPI) ListCampaigns(ctx context.Context, userID int64, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(m.campaigns) {
		start = len(m.campaigns)
	}
	if end > len(m.campaigns) {
		end = len(m.campaigns)
	}
	return m.campaigns[start:end], map[string]int{
		"page": page, "page_size": pageSize, "total_count": len(m.campaigns),
		"total_pages": (len(m.campaigns) + pageSize - 1) / pageSize,
	}, nil
}

func (m *mockCampaignAPI) GetCampaignDetailsWithStats(ctx context.Context, userID, campaignID int64) (*service.CampaignDetails, error) {
	if campaignID != 7 || userID != 1 {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	return &service.CampaignDetails{ID: 7, Subject: "Launch", Stats: map[string]int{"sent": 2}}, nil
}

func (m *mockCampaignAPI) Statistics(ctx context.Context, userID int64) (map[string]int, error) {
	return map[string]int{"campaigns_count": 4, "recipients_count": 40}, nil
}

// --- helpers ---

func newRouter(api controller.CampaignAPI) http.Handler {
	ctrl := controller.NewCampaignController(api, logger.Discard())
	r := chi.NewRouter()
	r.Use(auth.Middleware(secret))
	ctrl.Routes(r)
	return r
}

func authorize(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	token, err := auth.GenerateJWT(1, secret, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func multipartRequest(t *testing.T, body any, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	doc, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("body", string(doc)))
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/campaigns", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return authorize(t, req)
}

func validBody() map[string]any {
	return map[string]any{
		"sender_name": "Shop",
		"subject":     "Spring sale",
		"body":        "<p>Hello</p>",
		"recipients":  []map[string]string{{"email": "a@example.com"}, {"email": "b@example.com"}},
		"date":        "2026-05-10",
		"time":        "14:30",
		"timezone":    "Africa/Nairobi",
	}
}

// --- Test Functions ---

func TestCreateCampaign(t *testing.T) {
	api := &mockCampaignAPI{}
	w := httptest.NewRecorder()
	newRouter(api).ServeHTTP(w, multipartRequest(t, validBody(), map[string]string{"terms.pdf": "%PDF"}))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.EqualValues(t, 11, res["campaign_id"])
	assert.Equal(t, "SCHEDULED", res["status"])
	assert.Equal(t, "job-1", res["job_id"])
	assert.Equal(t, "2026-05-10T11:30:00Z", res["scheduled_at"])

	assert.Equal(t, int64(1), api.got.UserID)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, api.got.Recipients)
	assert.Equal(t, "Africa/Nairobi", api.got.Timezone)
	assert.Equal(t, map[string]string{"terms.pdf": "%PDF"}, api.files)
}

func TestCreateCampaign_ValidationFailures(t *testing.T) {
	cases := map[string]func(b map[string]any){
		"missing subject":  func(b map[string]any) { delete(b, "subject") },
		"no recipients":    func(b map[string]any) { b["recipients"] = []map[string]string{} },
		"bad email":        func(b map[string]any) { b["recipients"] = []map[string]string{{"email": "not-an-email"}} },
		"bad date":         func(b map[string]any) { b["date"] = "10/05/2026" },
		"bad time":         func(b map[string]any) { b["time"] = "2pm" },
		"unknown timezone": func(b map[string]any) { b["timezone"] = "Mars/Olympus" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			body := validBody()
			mutate(body)
			w := httptest.NewRecorder()
			newRouter(&mockCampaignAPI{}).ServeHTTP(w, multipartRequest(t, body, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestCreateCampaign_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"limit exceeded", &appErrors.QuotaExceededError{Reason: appErrors.ReasonLimitExceeded, Limit: 50, Current: 40, Requested: 20}, http.StatusForbidden},
		{"no subscription", &appErrors.QuotaExceededError{Reason: appErrors.ReasonNoActiveSubscription}, http.StatusForbidden},
		{"quota store down", &appErrors.QuotaExceededError{Reason: appErrors.ReasonQuotaUnavailable, Err: errors.New("eof")}, http.StatusServiceUnavailable},
		{"scheduling", appErrors.NewSchedulingError("too soon"), http.StatusUnprocessableEntity},
		{"attachment", &appErrors.AttachmentError{Filename: "x.pdf", Err: io.ErrUnexpectedEOF}, http.StatusBadRequest},
		{"validation", appErrors.NewValidationError("bad"), http.StatusBadRequest},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			newRouter(&mockCampaignAPI{submitErr: tc.err}).ServeHTTP(w, multipartRequest(t, validBody(), nil))
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestCreateCampaign_RequiresToken(t *testing.T) {
	req := multipartRequest(t, validBody(), nil)
	req.Header.Del("Authorization")
	w := httptest.NewRecorder()
	newRouter(&mockCampaignAPI{}).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListCampaignsPagination(t *testing.T) {
	totalCampaigns := 25
	api := &mockCampaignAPI{}
	for i := 1; i <= totalCampaigns; i++ {
		api.campaigns = append(api.campaigns, model.Campaign{ID: int64(i), UserID: 1, Status: model.StatusCompleted})
	}
	router := newRouter(api)

	pageSize := 10
	seen := map[int64]bool{}
	for page := 1; page <= 3; page++ {
		req := authorize(t, httptest.NewRequest(http.MethodGet,
			"/campaigns?page="+strconv.Itoa(page)+"&page_size="+strconv.Itoa(pageSize)+"&status=completed", nil))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var res struct {
			Data       []model.Campaign `json:"data"`
			Pagination struct {
				Page       int `json:"page"`
				PageSize   int `json:"page_size"`
				TotalCount int `json:"total_count"`
			} `json:"pagination"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))

		assert.Equal(t, page, res.Pagination.Page)
		assert.Equal(t, pageSize, res.Pagination.PageSize)
		assert.Equal(t, totalCampaigns, res.Pagination.TotalCount)
		for _, c := range res.Data {
			assert.False(t, seen[c.ID], "duplicate campaign ID %d across pages", c.ID)
			seen[c.ID] = true
		}
	}
	assert.Len(t, seen, totalCampaigns)
}

func TestGetCampaignDetails(t *testing.T) {
	router := newRouter(&mockCampaignAPI{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authorize(t, httptest.NewRequest(http.MethodGet, "/campaigns/7", nil)))
	require.Equal(t, http.StatusOK, w.Code)
	var details service.CampaignDetails
	require.NoError(t, json.NewDecoder(w.Body).Decode(&details))
	assert.Equal(t, "Launch", details.Subject)
	assert.Equal(t, 2, details.Stats["sent"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authorize(t, httptest.NewRequest(http.MethodGet, "/campaigns/8", nil)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authorize(t, httptest.NewRequest(http.MethodGet, "/campaigns/abc", nil)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatistics(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(&mockCampaignAPI{}).ServeHTTP(w, authorize(t, httptest.NewRequest(http.MethodGet, "/campaigns/statistics", nil)))
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 4, stats["campaigns_count"])
	assert.Equal(t, 40, stats["recipients_count"])
}
