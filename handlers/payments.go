package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/freelancesl/escrow-pay/middleware"
	"github.com/freelancesl/escrow-pay/models"
	"github.com/freelancesl/escrow-pay/payments"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type PaymentHandler struct {
	orchestrator *payments.Orchestrator
	log          logrus.FieldLogger
}

func NewPaymentHandler(orchestrator *payments.Orchestrator, log logrus.FieldLogger) *PaymentHandler {
	return &PaymentHandler{orchestrator: orchestrator, log: log}
}

type transactionResponse struct {
	*models.Transaction
	NetAmount decimal.Decimal `json:"net_amount"`
}

func newTransactionResponse(tx *models.Transaction) transactionResponse {
	return transactionResponse{Transaction: tx, NetAmount: tx.NetAmount()}
}

type providerResponse struct {
	Accepted          bool              `json:"accepted"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	Message           string            `json:"message,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

func (h *PaymentHandler) writeCreated(c *gin.Context, res *payments.CreateResult) {
	status := http.StatusCreated
	message := "Payment initiated"
	switch {
	case res.Replayed:
		status = http.StatusOK
		message = "Payment already exists for this idempotency key"
	case res.Transaction.Status == models.StatusFailed:
		message = "Payment failed"
	}

	c.JSON(status, gin.H{
		"message":     message,
		"replayed":    res.Replayed,
		"transaction": newTransactionResponse(res.Transaction),
		"provider_response": providerResponse{
			Accepted:          res.Provider.Accepted,
			ProviderReference: res.Provider.ProviderReference,
			Message:           res.Provider.Message,
			Extra:             res.Provider.Extra,
		},
	})
}

type DepositRequest struct {
	JobID          uint            `json:"job_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	PayerContact   string          `json:"payer_contact"`
	Provider       string          `json:"provider"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Deposit funds a job into escrow.
func (h *PaymentHandler) Deposit(c *gin.Context) {
	callerID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orchestrator.Deposit(c.Request.Context(), payments.DepositInput{
		JobID:          req.JobID,
		PayerID:        callerID,
		Amount:         req.Amount,
		PayerContact:   req.PayerContact,
		Provider:       req.Provider,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeCreated(c, res)
}

type CreateTransactionRequest struct {
	PayeeID        *uint            `json:"payee_id"`
	ProposalID     *uint            `json:"proposal_id"`
	Amount         decimal.Decimal  `json:"amount"`
	FeePercentage  *decimal.Decimal `json:"fee_percentage"`
	PayerContact   string           `json:"payer_contact"`
	Provider       string           `json:"provider"`
	Description    string           `json:"description"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// CreateTransaction starts a payment that is not tied to a job.
func (h *PaymentHandler) CreateTransaction(c *gin.Context) {
	callerID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orchestrator.CreateTransaction(c.Request.Context(), payments.CreateInput{
		ProposalID:     req.ProposalID,
		PayerID:        callerID,
		PayeeID:        req.PayeeID,
		GrossAmount:    req.Amount,
		FeePercentage:  req.FeePercentage,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		PayerContact:   req.PayerContact,
		Provider:       req.Provider,
		Description:    req.Description,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeCreated(c, res)
}

func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader(IdempotencyKeyHeader)
}

type CallbackRequest struct {
	ProviderReference     string `json:"provider_reference"`
	TransactionReference  string `json:"transaction_reference"`
	Status                string `json:"status"`
	ProviderTransactionID string `json:"provider_transaction_id"`
	Message               string `json:"message"`
}

// Callback receives a provider's verdict on a payment. It must sit behind
// middleware.CallbackSignature.
func (h *PaymentHandler) Callback(c *gin.Context) {
	if !middleware.CallbackVerified(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unverified callback"})
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
		return
	}
	var req CallbackRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}

	outcome, ok := callbackOutcome(req.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown callback status: " + req.Status})
		return
	}

	providerRef := req.ProviderReference
	if providerRef == "" {
		providerRef = req.ProviderTransactionID
	}

	res, err := h.orchestrator.ApplyCallback(c.Request.Context(), payments.CallbackInput{
		ProviderReference:    providerRef,
		TransactionReference: req.TransactionReference,
		Outcome:              outcome,
		Message:              req.Message,
		Payload:              raw,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	message := "Callback processed successfully"
	if !res.Applied {
		message = "Callback already processed"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":            message,
		"transaction_status": res.Transaction.Status,
		"applied":            res.Applied,
	})
}

func callbackOutcome(status string) (payments.Outcome, bool) {
	switch strings.ToLower(status) {
	case "success", "successful", "completed":
		return payments.OutcomeSuccess, true
	case "failed", "failure", "cancelled":
		return payments.OutcomeFailure, true
	}
	return "", false
}

// Release disburses escrowed funds to the freelancer.
func (h *PaymentHandler) Release(c *gin.Context) {
	callerID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	id, ok := transactionID(c)
	if !ok {
		return
	}

	res, err := h.orchestrator.Release(c.Request.Context(), id, callerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "Payment released to freelancer successfully",
		"transaction": newTransactionResponse(res.Transaction),
		"job_status":  res.JobStatus,
		"release":     gin.H{"message": res.Message},
	})
}

type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Refund records that a captured payment was returned to the client.
func (h *PaymentHandler) Refund(c *gin.Context) {
	id, ok := transactionID(c)
	if !ok {
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.orchestrator.Refund(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": newTransactionResponse(tx)})
}

func (h *PaymentHandler) GetTransaction(c *gin.Context) {
	callerID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	id, ok := transactionID(c)
	if !ok {
		return
	}

	tx, err := h.orchestrator.Get(c.Request.Context(), id, callerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransactionResponse(tx))
}

func (h *PaymentHandler) ListTransactions(c *gin.Context) {
	callerID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	q := payments.LedgerQuery{
		PartyID: callerID,
		Status:  models.TransactionStatus(strings.ToUpper(c.Query("status"))),
		Page:    queryInt(c, "page", 1),
		PerPage: queryInt(c, "per_page", 20),
	}
	if raw := c.Query("job_id"); raw != "" {
		jobID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job_id"})
			return
		}
		id := uint(jobID)
		q.JobID = &id
	}

	txs, total, err := h.orchestrator.List(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]transactionResponse, 0, len(txs))
	for i := range txs {
		items = append(items, newTransactionResponse(&txs[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": items,
		"total":        total,
		"page":         max(q.Page, 1),
		"per_page":     min(max(q.PerPage, 1), 100),
	})
}

func transactionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction id"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return v
}

// writeError maps engine errors to HTTP statuses. Order matters:
// ErrNotCompleted wraps ErrForbidden but is a state problem, not a permission one.
func (h *PaymentHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, payments.ErrNotCompleted):
		status = http.StatusBadRequest
	case errors.Is(err, payments.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, payments.ErrUnknownTransaction), errors.Is(err, payments.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, payments.ErrAlreadyReleased), errors.Is(err, payments.ErrPayeeUnresolved):
		status = http.StatusConflict
	case errors.Is(err, payments.ErrGatewayUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrInvalidRequest),
		errors.Is(err, payments.ErrUnknownProvider):
		status = http.StatusBadRequest
	}

	c.Error(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("payment request failed")
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
