package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/freelancesl/escrow-pay/payments"
)

// Mock is an in-memory provider used in development and tests. It accepts
// every request after a fixed delay and hands out stable references per
// idempotency key.
type Mock struct {
	name  string
	delay time.Duration

	mu            sync.Mutex
	initiateCalls int
	releaseCalls  int
	references    map[string]string
	releases      []payments.ReleaseRequest
}

func NewMock(name string, delay time.Duration) *Mock {
	if name == "" {
		name = "mock"
	}
	return &Mock{name: name, delay: delay, references: make(map[string]string)}
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Initiate(ctx context.Context, req payments.InitiateRequest) payments.InitiateResult {
	if err := m.wait(ctx); err != nil {
		return payments.InitiateResult{Message: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiateCalls++

	ref, ok := m.references[req.IdempotencyKey]
	if !ok {
		sum := sha256.Sum256([]byte(req.IdempotencyKey))
		ref = "MOCK_" + hex.EncodeToString(sum[:4])
		m.references[req.IdempotencyKey] = ref
	}

	return payments.InitiateResult{
		ProviderReference: ref,
		Accepted:          true,
		Message:           fmt.Sprintf("Payment request of %s %s sent to %s", req.Amount.StringFixed(2), req.Currency, req.PayerContact),
	}
}

func (m *Mock) CheckStatus(ctx context.Context, providerReference string) (payments.StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return payments.StatusResult{}, err
	}
	return payments.StatusResult{Outcome: payments.OutcomeSuccess, Message: "completed"}, nil
}

func (m *Mock) Release(ctx context.Context, req payments.ReleaseRequest) payments.ReleaseResult {
	if err := m.wait(ctx); err != nil {
		return payments.ReleaseResult{Message: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	m.releases = append(m.releases, req)

	return payments.ReleaseResult{
		Accepted: true,
		Message:  fmt.Sprintf("Released %s %s to user %d", req.Amount.StringFixed(2), req.Currency, req.PayeeID),
	}
}

func (m *Mock) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mock) InitiateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiateCalls
}

func (m *Mock) ReleaseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseCalls
}

// Releases returns a copy of every accepted release request.
func (m *Mock) Releases() []payments.ReleaseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]payments.ReleaseRequest(nil), m.releases...)
}
