package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/freelancesl/escrow-pay/config"
	"github.com/freelancesl/escrow-pay/gateway"
	"github.com/freelancesl/escrow-pay/middleware"
	"github.com/freelancesl/escrow-pay/models"
	"github.com/freelancesl/escrow-pay/payments"
	"github.com/freelancesl/escrow-pay/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const callbackSecret = "cb-secret"

// failingStore fails transitions on demand, as a database outage would.
type failingStore struct {
	payments.Store
	failTransitions atomic.Bool
}

func (s *failingStore) Transition(ctx context.Context, t payments.Transition) (*models.Transaction, error) {
	if s.failTransitions.Load() {
		return nil, errors.New("failed to update transaction: database is locked")
	}
	return s.Store.Transition(ctx, t)
}

type testEnv struct {
	db     *gorm.DB
	store  *failingStore
	mock   *gateway.Mock
	router *gin.Engine
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := config.InitDB(&config.Config{
		DBDriver:    "sqlite",
		DatabaseURL: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	mock := gateway.NewMock("mock", 0)
	registry := &gateway.Registry{}
	registry.Register(mock)

	ledger := &failingStore{Store: store.NewGormStore(db)}
	orch := payments.NewOrchestrator(ledger, registry, payments.Config{
		FeePercentage:   decimal.NewFromInt(10),
		Currency:        "SLL",
		DefaultProvider: "mock",
	}, log)
	handler := NewPaymentHandler(orch, log)

	router := gin.New()
	// Tests pick the caller with X-Test-User; JWT itself is covered in middleware.
	authed := router.Group("/api/v1/payments", func(c *gin.Context) {
		var id uint
		fmt.Sscan(c.GetHeader("X-Test-User"), &id)
		c.Set(middleware.ContextUserID, id)
		c.Set(middleware.ContextRole, c.GetHeader("X-Test-Role"))
		c.Next()
	})
	authed.POST("/deposit", handler.Deposit)
	authed.POST("/transactions", handler.CreateTransaction)
	authed.GET("/transactions", handler.ListTransactions)
	authed.GET("/transactions/:id", handler.GetTransaction)
	authed.POST("/release/:id", handler.Release)
	authed.POST("/refund/:id", middleware.RequireRole("admin"), handler.Refund)
	router.POST("/api/v1/payments/callback", middleware.CallbackSignature(callbackSecret), handler.Callback)

	return &testEnv{db: db, store: ledger, mock: mock, router: router}
}

func (e *testEnv) do(t *testing.T, method, path string, userID uint, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", fmt.Sprint(userID))
	if userID == 99 {
		req.Header.Set("X-Test-Role", "admin")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) callback(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewBufferString(body))
	req.Header.Set(middleware.CallbackSignatureHeader, middleware.SignCallback(callbackSecret, []byte(body)))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type createdBody struct {
	Replayed    bool `json:"replayed"`
	Transaction struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		PlatformFee       string `json:"platform_fee"`
		NetAmount         string `json:"net_amount"`
		ProviderReference string `json:"provider_reference"`
	} `json:"transaction"`
}

func decodeCreated(t *testing.T, w *httptest.ResponseRecorder) createdBody {
	t.Helper()
	var body createdBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func seedJob(t *testing.T, db *gorm.DB, clientID uint, freelancerID *uint) models.Job {
	t.Helper()
	require.NoError(t, db.Create(&models.User{ID: clientID, Email: fmt.Sprintf("c%d@test.sl", clientID), Name: "Client", PhoneNumber: "+23276000001", Role: "client"}).Error)
	job := models.Job{Title: "Build a website", ClientID: clientID, FreelancerID: freelancerID, Status: models.JobOpen}
	require.NoError(t, db.Create(&job).Error)
	return job
}

func TestDepositCallbackRelease(t *testing.T) {
	env := setupTestEnv(t)
	freelancer := uint(2)
	job := seedJob(t, env.db, 1, &freelancer)

	w := env.do(t, http.MethodPost, "/api/v1/payments/deposit", 1, gin.H{"job_id": job.ID, "amount": "1000", "idempotency_key": "dep-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeCreated(t, w)
	assert.Equal(t, "PROVIDER_SUBMITTED", created.Transaction.Status)
	assert.Equal(t, "100", created.Transaction.PlatformFee)
	assert.Equal(t, "900", created.Transaction.NetAmount)
	assert.NotContains(t, w.Body.String(), "payer_contact")

	// Same key again is a replay, not a second charge.
	w = env.do(t, http.MethodPost, "/api/v1/payments/deposit", 1, gin.H{"job_id": job.ID, "amount": "1000", "idempotency_key": "dep-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeCreated(t, w).Replayed)
	assert.Equal(t, 1, env.mock.InitiateCalls())

	// Release before the provider confirms is a state error.
	w = env.do(t, http.MethodPost, "/api/v1/payments/release/"+created.Transaction.ID, 1, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := fmt.Sprintf(`{"provider_reference":%q,"status":"success","provider_transaction_id":"OM-1"}`, created.Transaction.ProviderReference)
	w = env.callback(t, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"transaction_status":"COMPLETED"`)

	w = env.callback(t, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already processed")

	var reloaded models.Job
	require.NoError(t, env.db.First(&reloaded, job.ID).Error)
	assert.Equal(t, models.JobInProgress, reloaded.Status)

	// Only the payer may release.
	w = env.do(t, http.MethodPost, "/api/v1/payments/release/"+created.Transaction.ID, 2, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, env.mock.ReleaseCalls())

	w = env.do(t, http.MethodPost, "/api/v1/payments/release/"+created.Transaction.ID, 1, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"job_status":"COMPLETED"`)

	w = env.do(t, http.MethodPost, "/api/v1/payments/release/"+created.Transaction.ID, 1, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, env.mock.ReleaseCalls())
}

func TestDeposit_Errors(t *testing.T) {
	env := setupTestEnv(t)
	job := seedJob(t, env.db, 1, nil)

	tests := []struct {
		name           string
		userID         uint
		body           gin.H
		expectedStatus int
	}{
		{name: "Missing job", userID: 1, body: gin.H{"amount": "10"}, expectedStatus: http.StatusBadRequest},
		{name: "Unknown job", userID: 1, body: gin.H{"job_id": 404, "amount": "10"}, expectedStatus: http.StatusNotFound},
		{name: "Not the client", userID: 5, body: gin.H{"job_id": job.ID, "amount": "10"}, expectedStatus: http.StatusForbidden},
		{name: "Zero amount", userID: 1, body: gin.H{"job_id": job.ID, "amount": "0"}, expectedStatus: http.StatusBadRequest},
		{name: "Sub-cent amount", userID: 1, body: gin.H{"job_id": job.ID, "amount": "10.005"}, expectedStatus: http.StatusBadRequest},
		{name: "Unknown provider", userID: 1, body: gin.H{"job_id": job.ID, "amount": "10", "provider": "qcell"}, expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/payments/deposit", tt.userID, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, env.mock.InitiateCalls())
}

func TestCreateTransaction_RequiresIdempotencyKey(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/payments/transactions", 1, gin.H{"amount": "50"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/payments/transactions", 1, gin.H{"amount": "50", "idempotency_key": "gen-1", "fee_percentage": "0"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeCreated(t, w)
	assert.Equal(t, "0", created.Transaction.PlatformFee)
	assert.Equal(t, "50", created.Transaction.NetAmount)
}

func TestCallback_Errors(t *testing.T) {
	env := setupTestEnv(t)

	w := env.callback(t, `{"provider_reference":"MOCK_missing","status":"success"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.callback(t, `{"provider_reference":"MOCK_1","status":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.callback(t, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewBufferString(`{"status":"success"}`))
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCallback_FailureKeepsMessage(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/payments/transactions", 1, gin.H{"amount": "20", "idempotency_key": "gen-fail"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeCreated(t, w)

	w = env.callback(t, fmt.Sprintf(`{"provider_reference":%q,"status":"failed","message":"PIN rejected"}`, created.Transaction.ProviderReference))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/payments/transactions/"+created.Transaction.ID, 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"error_message":"PIN rejected"`)
	assert.Contains(t, w.Body.String(), `"completed_at":null`)
}

func TestCallback_StoreFailureAsksForRedelivery(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/payments/transactions", 1, gin.H{"amount": "20", "idempotency_key": "gen-outage"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeCreated(t, w)
	body := fmt.Sprintf(`{"provider_reference":%q,"status":"success"}`, created.Transaction.ProviderReference)

	env.store.failTransitions.Store(true)
	w = env.callback(t, body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, w.Body.String())

	var stored models.Transaction
	require.NoError(t, env.db.First(&stored, "id = ?", created.Transaction.ID).Error)
	assert.Equal(t, models.StatusProviderSubmitted, stored.Status)
	assert.Nil(t, stored.CompletedAt)

	env.store.failTransitions.Store(false)
	w = env.callback(t, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"transaction_status":"COMPLETED"`)
	assert.Contains(t, w.Body.String(), `"applied":true`)
}

func TestRefund(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/payments/transactions", 1, gin.H{"amount": "20", "idempotency_key": "gen-refund"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeCreated(t, w)
	path := "/api/v1/payments/refund/" + created.Transaction.ID

	w = env.do(t, http.MethodPost, path, 99, gin.H{"reason": "client cancelled"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.callback(t, fmt.Sprintf(`{"provider_reference":%q,"status":"success"}`, created.Transaction.ProviderReference))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, path, 1, gin.H{"reason": "client cancelled"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, path, 99, gin.H{"reason": "client cancelled"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"REFUNDED"`)
}

func TestListAndGetTransactions(t *testing.T) {
	env := setupTestEnv(t)
	payee := uint(2)

	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/payments/transactions", 1, gin.H{
			"amount": "10", "payee_id": payee, "idempotency_key": fmt.Sprintf("list-%d", i),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/v1/payments/transactions", 3, gin.H{"amount": "10", "idempotency_key": "other"})
	require.Equal(t, http.StatusCreated, w.Code)
	otherID := decodeCreated(t, w).Transaction.ID

	w = env.do(t, http.MethodGet, "/api/v1/payments/transactions?per_page=2", 2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Transactions []json.RawMessage `json:"transactions"`
		Total        int64             `json:"total"`
		PerPage      int               `json:"per_page"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Transactions, 2)
	assert.Equal(t, 2, page.PerPage)

	w = env.do(t, http.MethodGet, "/api/v1/payments/transactions?status=bogus", 2, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/payments/transactions/"+otherID, 2, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/payments/transactions/not-a-uuid", 2, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/payments/transactions/"+uuid.NewString(), 2, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
