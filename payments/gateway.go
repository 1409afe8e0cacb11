package payments

import (
	"context"

	"github.com/shopspring/decimal"
)

// Outcome is a provider's verdict on a payment.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

type InitiateRequest struct {
	Amount         decimal.Decimal
	Currency       string
	PayerContact   string
	IdempotencyKey string
	Description    string
}

// InitiateResult reports whether the provider accepted the collection request.
// Transport failures are reported as Accepted=false with a Message; they are
// never returned as errors.
type InitiateResult struct {
	ProviderReference string
	Accepted          bool
	Message           string
	Extra             map[string]string
}

type StatusResult struct {
	Outcome Outcome
	Message string
}

type ReleaseRequest struct {
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	PayeeID           uint
	PayeePhone        string
	PayeeAccount      string
}

type ReleaseResult struct {
	Accepted bool
	Message  string
}

// Gateway abstracts a mobile-money provider.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) InitiateResult
	CheckStatus(ctx context.Context, providerReference string) (StatusResult, error)
	Release(ctx context.Context, req ReleaseRequest) ReleaseResult
}

// GatewayResolver maps a provider id to its gateway.
type GatewayResolver interface {
	Lookup(provider string) (Gateway, error)
}
