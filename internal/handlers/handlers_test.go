package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/internal/api"
	"github.com/jpcarreira/condoflow/internal/cache"
	"github.com/jpcarreira/condoflow/internal/database/testutil"
	"github.com/jpcarreira/condoflow/internal/models"
	"github.com/jpcarreira/condoflow/internal/notify"
	"github.com/jpcarreira/condoflow/internal/ratelimit"
	"github.com/jpcarreira/condoflow/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingNotifier struct {
	sent []notify.Notification
	fail bool
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) error {
	if r.fail {
		return fmt.Errorf("delivery refused")
	}
	r.sent = append(r.sent, n)
	return nil
}

type apiHarness struct {
	db       *gorm.DB
	router   *gin.Engine
	notifier *recordingNotifier
	codes    *services.AccessCodeService
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	notifier := &recordingNotifier{}

	activity, err := services.NewActivityService(db)
	require.NoError(t, err)
	sessions, err := services.NewSessionTokenService(services.SessionTokenConfig{Secret: "test-secret"})
	require.NoError(t, err)
	limiter, err := ratelimit.New(cache.NewMemoryStore())
	require.NoError(t, err)
	codes, err := services.NewAccessCodeService(db, limiter, activity, sessions, notifier,
		services.WithPortalBaseURL("https://portal.example.com"))
	require.NoError(t, err)
	followups, err := services.NewFollowUpService(db, activity)
	require.NoError(t, err)
	processor, err := services.NewFollowUpProcessor(db, notifier, codes, activity)
	require.NoError(t, err)

	router, err := api.NewRouter(api.RouterConfig{
		DB:        db,
		Codes:     codes,
		FollowUps: followups,
		Processor: processor,
		Activity:  activity,
		Limiter:   limiter,
	})
	require.NoError(t, err)

	return &apiHarness{db: db, router: router, notifier: notifier, codes: codes}
}

func (h *apiHarness) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) createFixtures(t *testing.T) (*models.Supplier, *models.Assistance) {
	t.Helper()
	supplier := &models.Supplier{Name: "Eletricidade Nunes", Email: "nunes@example.com"}
	require.NoError(t, h.db.Create(supplier).Error)
	assistance := &models.Assistance{BuildingName: "Edifício Mar Azul", Description: "Replace lobby lighting", SupplierID: &supplier.ID}
	require.NoError(t, h.db.Create(assistance).Error)
	return supplier, assistance
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestValidateSessionEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	supplier, assistance := h.createFixtures(t)

	code, err := h.codes.Issue(context.Background(), services.IssueCodeRequest{
		SupplierID:   supplier.ID,
		AssistanceID: &assistance.ID,
	})
	require.NoError(t, err)

	rec := h.request(t, http.MethodPost, "/api/portal/validate-session", gin.H{"magicCode": code.Code})
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	require.Equal(t, true, data["valid"])
	require.NotEmpty(t, data["session_token"])
	require.Equal(t, assistance.ID, data["assistance_id"])

	supplierData, ok := data["supplier"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, supplier.Name, supplierData["name"])
}

func TestValidateSessionInvalidCode(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(t, http.MethodPost, "/validate-session", gin.H{"magicCode": "ABCDEFGHJKLMNPQRSTUVWXYZ"})
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	require.Equal(t, false, data["valid"])
	require.NotEmpty(t, data["error"])
	// No supplier details leak on rejection.
	require.Nil(t, data["supplier"])
	require.Nil(t, data["session_token"])
}

func TestValidateSessionMalformedBody(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(t, http.MethodPost, "/api/portal/validate-session", gin.H{"code": "wrong-field"})
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	require.Equal(t, false, data["valid"])
}

func TestValidateSessionRateLimited(t *testing.T) {
	h := newAPIHarness(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = h.request(t, http.MethodPost, "/api/portal/validate-session",
			gin.H{"magicCode": "ABCDEFGHJKLMNPQRSTUVWXYZ"})
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)

	// Retry-After reflects the remaining window, not a canned constant.
	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retryAfter, 1)
	require.LessOrEqual(t, retryAfter, 60)
}

func TestProcessEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	supplier, assistance := h.createFixtures(t)

	schedule := &models.FollowUpSchedule{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		Priority:     models.PriorityNormal,
		ScheduledFor: time.Now().Add(-time.Hour),
		Status:       models.FollowUpPending,
		MaxAttempts:  3,
	}
	require.NoError(t, h.db.Create(schedule).Error)

	rec := h.request(t, http.MethodPost, "/process-followups", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	require.Equal(t, true, data["success"])
	require.EqualValues(t, 1, data["processed"])
	require.EqualValues(t, 0, data["errors"])
	require.Len(t, h.notifier.sent, 1)
}

func TestCreateFollowUpEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	supplier, assistance := h.createFixtures(t)

	rec := h.request(t, http.MethodPost, "/api/followups", gin.H{
		"assistance_id":  assistance.ID,
		"supplier_id":    supplier.ID,
		"follow_up_type": "quotation_reminder",
		"scheduled_for":  time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	data := decodeData(t, rec)
	require.Equal(t, "pending", data["status"])
}

func TestCreateFollowUpEndpointRejectsBadType(t *testing.T) {
	h := newAPIHarness(t)
	supplier, assistance := h.createFixtures(t)

	rec := h.request(t, http.MethodPost, "/api/followups", gin.H{
		"assistance_id":  assistance.ID,
		"supplier_id":    supplier.ID,
		"follow_up_type": "carrier_pigeon",
		"scheduled_for":  time.Now().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelFollowUpEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	supplier, assistance := h.createFixtures(t)

	schedule := &models.FollowUpSchedule{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		Priority:     models.PriorityNormal,
		ScheduledFor: time.Now().Add(24 * time.Hour),
		Status:       models.FollowUpPending,
		MaxAttempts:  3,
	}
	require.NoError(t, h.db.Create(schedule).Error)

	rec := h.request(t, http.MethodPost, "/api/followups/"+schedule.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var reloaded models.FollowUpSchedule
	require.NoError(t, h.db.First(&reloaded, "id = ?", schedule.ID).Error)
	require.Equal(t, models.FollowUpCancelled, reloaded.Status)
}

func TestCancelSentFollowUpEndpointConflicts(t *testing.T) {
	h := newAPIHarness(t)
	supplier, assistance := h.createFixtures(t)

	sentAt := time.Now().Add(-time.Hour)
	schedule := &models.FollowUpSchedule{
		AssistanceID: assistance.ID,
		SupplierID:   supplier.ID,
		FollowUpType: models.FollowUpQuotationReminder,
		Priority:     models.PriorityNormal,
		ScheduledFor: sentAt,
		Status:       models.FollowUpSent,
		SentAt:       &sentAt,
		MaxAttempts:  3,
	}
	require.NoError(t, h.db.Create(schedule).Error)

	rec := h.request(t, http.MethodPost, "/api/followups/"+schedule.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListFollowUpsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	supplier, assistance := h.createFixtures(t)

	for i := 0; i < 3; i++ {
		schedule := &models.FollowUpSchedule{
			AssistanceID: assistance.ID,
			SupplierID:   supplier.ID,
			FollowUpType: models.FollowUpQuotationReminder,
			Priority:     models.PriorityNormal,
			ScheduledFor: time.Now().Add(time.Duration(i) * time.Hour),
			Status:       models.FollowUpPending,
			MaxAttempts:  3,
		}
		require.NoError(t, h.db.Create(schedule).Error)
	}

	rec := h.request(t, http.MethodGet, "/api/followups?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Success bool             `json:"success"`
		Data    []map[string]any `json:"data"`
		Meta    map[string]any   `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 3)
	require.EqualValues(t, 3, envelope.Meta["total"])
}

func TestActivityEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	// Invalid validation attempts leave an audit trail readable here.
	h.request(t, http.MethodPost, "/validate-session", gin.H{"magicCode": "ABCDEFGHJKLMNPQRSTUVWXYZ"})

	rec := h.request(t, http.MethodGet, "/api/activity?event_type=magic_code_invalid", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	require.Equal(t, "ok", data["status"])
}
