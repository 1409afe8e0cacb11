package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/freelancesl/escrow-pay/config"
	"github.com/freelancesl/escrow-pay/payments"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// MobileMoney talks to an Orange/Africell/QCell style collection API over
// authenticated JSON.
type MobileMoney struct {
	creds       config.ProviderCredentials
	callbackURL string
	client      *http.Client
}

func NewMobileMoney(creds config.ProviderCredentials, callbackURL string, client *http.Client) *MobileMoney {
	if client == nil {
		client = &http.Client{}
	}
	return &MobileMoney{creds: creds, callbackURL: callbackURL, client: client}
}

func (m *MobileMoney) Name() string { return m.creds.ID }

type collectionRequest struct {
	MerchantID  string `json:"merchant_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PhoneNumber string `json:"phone_number"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type providerResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
}

func (m *MobileMoney) Initiate(ctx context.Context, req payments.InitiateRequest) payments.InitiateResult {
	body := collectionRequest{
		MerchantID:  m.creds.MerchantID,
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		PhoneNumber: req.PayerContact,
		Reference:   req.IdempotencyKey,
		Description: req.Description,
		CallbackURL: m.callbackURL,
	}

	resp, err := m.do(ctx, http.MethodPost, "/payments", body, req.IdempotencyKey)
	if err != nil {
		return payments.InitiateResult{Message: err.Error()}
	}

	switch strings.ToLower(resp.Status) {
	case "pending", "accepted", "success":
	default:
		return payments.InitiateResult{Message: messageOr(resp.Message, "provider rejected the payment")}
	}
	if resp.TransactionID == "" {
		return payments.InitiateResult{Message: "provider response carried no transaction id"}
	}

	return payments.InitiateResult{
		ProviderReference: resp.TransactionID,
		Accepted:          true,
		Message:           messageOr(resp.Message, "Payment request sent to your phone. Please confirm the payment."),
	}
}

func (m *MobileMoney) CheckStatus(ctx context.Context, providerReference string) (payments.StatusResult, error) {
	resp, err := m.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(providerReference), nil, "")
	if err != nil {
		return payments.StatusResult{}, err
	}

	switch strings.ToLower(resp.Status) {
	case "success", "completed":
		return payments.StatusResult{Outcome: payments.OutcomeSuccess, Message: resp.Message}, nil
	case "failed", "failure", "cancelled", "expired":
		return payments.StatusResult{Outcome: payments.OutcomeFailure, Message: messageOr(resp.Message, "payment failed")}, nil
	default:
		return payments.StatusResult{Outcome: payments.OutcomePending, Message: resp.Message}, nil
	}
}

type payoutRequest struct {
	MerchantID        string `json:"merchant_id"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	PhoneNumber       string `json:"phone_number"`
	OriginalReference string `json:"original_reference"`
}

func (m *MobileMoney) Release(ctx context.Context, req payments.ReleaseRequest) payments.ReleaseResult {
	if req.PayeePhone == "" {
		return payments.ReleaseResult{Message: "payee has no phone number on file"}
	}

	resp, err := m.do(ctx, http.MethodPost, "/payouts", payoutRequest{
		MerchantID:        m.creds.MerchantID,
		Amount:            req.Amount.StringFixed(2),
		Currency:          req.Currency,
		PhoneNumber:       req.PayeePhone,
		OriginalReference: req.ProviderReference,
	}, "payout-"+req.ProviderReference)
	if err != nil {
		return payments.ReleaseResult{Message: err.Error()}
	}

	switch strings.ToLower(resp.Status) {
	case "pending", "accepted", "success", "completed":
		return payments.ReleaseResult{Accepted: true, Message: messageOr(resp.Message, "payout accepted")}
	default:
		return payments.ReleaseResult{Message: messageOr(resp.Message, "provider rejected the payout")}
	}
}

// do performs one API call. Transport failures, non-2xx statuses and
// undecodable bodies all come back as errors.
func (m *MobileMoney) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string) (*providerResponse, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(m.creds.APIURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.creds.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	res, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", m.creds.ID, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s response unreadable: %w", m.creds.ID, err)
	}

	var out providerResponse
	decodeErr := json.Unmarshal(raw, &out)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		if decodeErr == nil && out.Message != "" {
			return nil, fmt.Errorf("%s returned %d: %s", m.creds.ID, res.StatusCode, out.Message)
		}
		return nil, fmt.Errorf("%s returned %d", m.creds.ID, res.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%s returned malformed response: %w", m.creds.ID, decodeErr)
	}
	return &out, nil
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
