package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freelancesl/escrow-pay/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxTransitionAttempts bounds how often a callback re-reads a row that moved
// under it before giving up.
const maxTransitionAttempts = 3

type Config struct {
	FeePercentage     decimal.Decimal
	Currency          string
	DefaultProvider   string
	InitiateTimeout   time.Duration
	ReleaseTimeout    time.Duration
	IdempotencyWindow time.Duration
}

// ContactSelector is implemented by gateways that address payers by something
// other than their phone number.
type ContactSelector interface {
	PayerContact(u *models.User) string
}

// Orchestrator owns the escrow state machine. It is the only component that
// mutates the Store.
type Orchestrator struct {
	store      Store
	gateways   GatewayResolver
	dispatcher Dispatcher
	jobs       JobLinkage
	cfg        Config
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewOrchestrator(store Store, gateways GatewayResolver, cfg Config, log logrus.FieldLogger) *Orchestrator {
	if cfg.InitiateTimeout <= 0 {
		cfg.InitiateTimeout = 10 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "SLL"
	}
	return &Orchestrator{
		store:    store,
		gateways: gateways,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

type CreateInput struct {
	JobID          *uint
	ProposalID     *uint
	PayerID        uint
	PayeeID        *uint
	GrossAmount    decimal.Decimal
	FeePercentage  *decimal.Decimal // platform default when nil
	IdempotencyKey string
	PayerContact   string
	Provider       string
	Description    string
}

type CreateResult struct {
	Transaction *models.Transaction
	Provider    InitiateResult
	// Replayed is set when the idempotency key matched an existing
	// transaction, which is returned unchanged.
	Replayed bool
}

// CreateTransaction records a PENDING transaction and submits it to the
// provider. Callers must inspect the returned status: a rejected or timed-out
// initiation yields a FAILED transaction, not an error.
func (o *Orchestrator) CreateTransaction(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	if in.PayerID == 0 {
		return nil, fmt.Errorf("%w: payer is required", ErrInvalidRequest)
	}

	existing, err := o.store.GetByReference(ctx, in.IdempotencyKey)
	if err == nil {
		return &CreateResult{Transaction: existing, Replayed: true}, nil
	}
	if !errors.Is(err, ErrUnknownTransaction) {
		return nil, err
	}

	pct := o.cfg.FeePercentage
	if in.FeePercentage != nil {
		pct = *in.FeePercentage
	}
	fee, _, err := ComputeFee(in.GrossAmount, pct)
	if err != nil {
		return nil, err
	}

	provider := in.Provider
	if provider == "" {
		provider = o.cfg.DefaultProvider
	}
	gw, err := o.gateways.Lookup(provider)
	if err != nil {
		return nil, err
	}

	now := o.now()
	tx := &models.Transaction{
		ID:                   uuid.New(),
		CreatedAt:            now,
		UpdatedAt:            now,
		JobID:                in.JobID,
		ProposalID:           in.ProposalID,
		PayerID:              in.PayerID,
		PayeeID:              in.PayeeID,
		GrossAmount:          in.GrossAmount,
		FeePercentage:        pct,
		PlatformFee:          fee,
		Currency:             o.cfg.Currency,
		Status:               models.StatusPending,
		TransactionReference: in.IdempotencyKey,
		Provider:             provider,
		PayerContact:         in.PayerContact,
		Description:          in.Description,
		ReleaseState:         models.ReleaseNone,
	}

	if err := o.store.Create(ctx, tx); err != nil {
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, err
		}
		existing, err := o.store.GetByReference(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Transaction: existing, Replayed: true}, nil
	}

	// The outcome must be recorded even if the caller goes away mid-request.
	base := context.WithoutCancel(ctx)
	result := o.initiate(base, gw, tx)

	updated, err := o.recordInitiation(base, tx, result)
	if err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"transaction_id": updated.ID,
		"reference":      updated.TransactionReference,
		"provider":       provider,
		"status":         updated.Status,
	}).Info("payment initiated")

	return &CreateResult{Transaction: updated, Provider: result}, nil
}

func (o *Orchestrator) initiate(ctx context.Context, gw Gateway, tx *models.Transaction) InitiateResult {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.InitiateTimeout)
	defer cancel()

	req := InitiateRequest{
		Amount:         tx.GrossAmount,
		Currency:       tx.Currency,
		PayerContact:   tx.PayerContact,
		IdempotencyKey: tx.TransactionReference,
		Description:    tx.Description,
	}
	result, inTime := within(callCtx, func(ctx context.Context) InitiateResult {
		return gw.Initiate(ctx, req)
	})

	switch {
	case !inTime:
		// A late acceptance is still a timeout. A success callback that
		// follows it lands as an anomaly on the FAILED row.
		msg := fmt.Sprintf("gateway timeout after %s", o.cfg.InitiateTimeout)
		if result.Message != "" {
			msg += ": " + result.Message
		}
		result.Accepted = false
		result.Message = msg
	case result.Accepted && result.ProviderReference == "":
		result.Accepted = false
		result.Message = "provider accepted the payment without a reference"
	case !result.Accepted && result.Message == "":
		result.Message = "payment initiation rejected"
	}
	return result
}

func (o *Orchestrator) recordInitiation(ctx context.Context, tx *models.Transaction, result InitiateResult) (*models.Transaction, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"provider_reference": result.ProviderReference,
		"accepted":           result.Accepted,
		"message":            result.Message,
		"extra":              result.Extra,
	})

	t := Transition{
		ID:      tx.ID,
		From:    []models.TransactionStatus{models.StatusPending},
		At:      o.now(),
		Payload: payload,
	}
	snapshot := *tx

	if result.Accepted {
		ref := result.ProviderReference
		t.To = models.StatusProviderSubmitted
		t.ProviderReference = &ref
		snapshot.ProviderReference = &ref
		t.Intents = o.dispatcher.collect(Event{Kind: EventInitiated, Transaction: snapshot})
	} else {
		msg := result.Message
		t.To = models.StatusFailed
		t.ErrorMessage = &msg
		t.Intents = o.dispatcher.collect(Event{Kind: EventFailed, Transaction: snapshot, Reason: msg})
	}

	updated, err := o.store.Transition(ctx, t)
	if errors.Is(err, ErrConcurrentUpdate) {
		// A callback keyed by the transaction reference settled it first.
		return o.store.GetByID(ctx, tx.ID)
	}
	return updated, err
}

type DepositInput struct {
	JobID          uint
	PayerID        uint
	Amount         decimal.Decimal
	PayerContact   string
	Provider       string
	IdempotencyKey string
}

// Deposit funds a job into escrow on behalf of the job's client.
func (o *Orchestrator) Deposit(ctx context.Context, in DepositInput) (*CreateResult, error) {
	job, err := o.store.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	if job.ClientID != in.PayerID {
		return nil, fmt.Errorf("%w: only the client can make a deposit for this job", ErrForbidden)
	}
	if job.Status == models.JobCompleted || job.Status == models.JobCancelled {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidRequest, job.Status)
	}

	payer, err := o.store.GetUser(ctx, in.PayerID)
	if err != nil && !errors.Is(err, ErrUnknownUser) {
		return nil, err
	}

	provider := in.Provider
	if provider == "" && payer != nil && payer.MobileMoneyProvider != "" {
		if _, err := o.gateways.Lookup(payer.MobileMoneyProvider); err == nil {
			provider = payer.MobileMoneyProvider
		}
	}
	if provider == "" {
		provider = o.cfg.DefaultProvider
	}

	contact := in.PayerContact
	if contact == "" && payer != nil {
		contact = o.payerContact(provider, payer)
	}

	key := in.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(job.ID, in.PayerID, in.Amount, o.cfg.IdempotencyWindow, o.now())
	}

	jobID := job.ID
	return o.CreateTransaction(ctx, CreateInput{
		JobID:          &jobID,
		PayerID:        in.PayerID,
		PayeeID:        job.FreelancerID,
		GrossAmount:    in.Amount,
		IdempotencyKey: key,
		PayerContact:   contact,
		Provider:       provider,
		Description:    fmt.Sprintf("Deposit for job: %s", job.Title),
	})
}

// payerContact picks how provider should address payer: a gateway-specific
// identity, else the saved mobile money number, else the phone number.
func (o *Orchestrator) payerContact(provider string, payer *models.User) string {
	if gw, err := o.gateways.Lookup(provider); err == nil {
		if sel, ok := gw.(ContactSelector); ok {
			return sel.PayerContact(payer)
		}
	}
	if payer.MobileMoneyNumber != "" {
		return payer.MobileMoneyNumber
	}
	return payer.PhoneNumber
}

type CallbackInput struct {
	ProviderReference string
	// TransactionReference lets a callback that overtakes the initiate
	// response find its still-PENDING transaction.
	TransactionReference string
	Outcome              Outcome
	Message              string
	Payload              []byte
}

type CallbackResult struct {
	Transaction *models.Transaction
	Applied     bool
	Conflict    bool
}

// ApplyCallback settles a transaction from a provider notification. Providers
// deliver at least once, so a callback for a terminal transaction is a no-op;
// the first terminal outcome always wins.
func (o *Orchestrator) ApplyCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	if in.Outcome != OutcomeSuccess && in.Outcome != OutcomeFailure {
		return nil, fmt.Errorf("%w: callback outcome %q is not terminal", ErrInvalidRequest, in.Outcome)
	}

	tx, err := o.findForCallback(ctx, in)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		if tx.Status.IsTerminal() {
			return o.ignoreCallback(ctx, tx, in), nil
		}

		updated, err := o.store.Transition(ctx, o.callbackTransition(tx, in))
		if err == nil {
			o.log.WithFields(logrus.Fields{
				"transaction_id": updated.ID,
				"from":           tx.Status,
				"to":             updated.Status,
			}).Info("callback applied")
			return &CallbackResult{Transaction: updated, Applied: true}, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		if tx, err = o.store.GetByID(ctx, tx.ID); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("callback for transaction %s: %w", tx.ID, ErrConcurrentUpdate)
}

func (o *Orchestrator) findForCallback(ctx context.Context, in CallbackInput) (*models.Transaction, error) {
	if in.ProviderReference == "" && in.TransactionReference == "" {
		return nil, fmt.Errorf("%w: callback carries no reference", ErrInvalidRequest)
	}

	if in.ProviderReference != "" {
		tx, err := o.store.GetByProviderReference(ctx, in.ProviderReference)
		if err == nil || !errors.Is(err, ErrUnknownTransaction) || in.TransactionReference == "" {
			return tx, err
		}
	}

	tx, err := o.store.GetByReference(ctx, in.TransactionReference)
	if err != nil {
		return nil, err
	}
	if in.ProviderReference != "" && tx.ProviderReference != nil && *tx.ProviderReference != in.ProviderReference {
		return nil, fmt.Errorf("%w: provider reference does not match", ErrUnknownTransaction)
	}
	return tx, nil
}

func (o *Orchestrator) callbackTransition(tx *models.Transaction, in CallbackInput) Transition {
	at := o.now()
	t := Transition{
		ID:      tx.ID,
		From:    []models.TransactionStatus{models.StatusPending, models.StatusProviderSubmitted},
		At:      at,
		Payload: in.Payload,
	}
	snapshot := *tx

	if tx.Status == models.StatusPending && tx.ProviderReference == nil && in.ProviderReference != "" {
		ref := in.ProviderReference
		t.From = []models.TransactionStatus{models.StatusPending}
		t.ProviderReference = &ref
		snapshot.ProviderReference = &ref
	}

	if in.Outcome == OutcomeSuccess {
		t.To = models.StatusCompleted
		snapshot.Status = models.StatusCompleted
		snapshot.CompletedAt = &at
		t.Job = o.jobs.OnFunded(tx.ID, tx.JobID, tx.PayeeID)
		t.Intents = o.dispatcher.collect(Event{Kind: EventCompleted, Transaction: snapshot})
		return t
	}

	msg := in.Message
	if msg == "" {
		msg = "payment failed"
	}
	t.To = models.StatusFailed
	t.ErrorMessage = &msg
	snapshot.Status = models.StatusFailed
	t.Intents = o.dispatcher.collect(Event{Kind: EventFailed, Transaction: snapshot, Reason: msg})
	return t
}

func (o *Orchestrator) ignoreCallback(ctx context.Context, tx *models.Transaction, in CallbackInput) *CallbackResult {
	fields := logrus.Fields{
		"transaction_id": tx.ID,
		"status":         tx.Status,
		"outcome":        in.Outcome,
	}
	if !conflictsWith(tx.Status, in.Outcome) {
		o.log.WithFields(fields).Info("duplicate callback ignored")
		return &CallbackResult{Transaction: tx}
	}

	o.log.WithFields(fields).WithError(ErrProviderConflict).Warn("callback contradicts terminal status")

	ref := in.ProviderReference
	if ref == "" && tx.ProviderReference != nil {
		ref = *tx.ProviderReference
	}
	anomaly := &models.CallbackAnomaly{
		TransactionID:     tx.ID,
		ProviderReference: ref,
		StoredStatus:      tx.Status,
		ClaimedOutcome:    string(in.Outcome),
		Payload:           in.Payload,
	}
	if err := o.store.RecordAnomaly(ctx, anomaly); err != nil {
		o.log.WithFields(fields).WithError(err).Error("failed to record callback anomaly")
	}
	return &CallbackResult{Transaction: tx, Conflict: true}
}

func conflictsWith(status models.TransactionStatus, outcome Outcome) bool {
	switch outcome {
	case OutcomeSuccess:
		return status == models.StatusFailed
	case OutcomeFailure:
		return status == models.StatusCompleted || status == models.StatusRefunded
	}
	return false
}

type ReleaseOutcome struct {
	Transaction *models.Transaction
	JobStatus   models.JobStatus
	Message     string
}

// Release disburses the net amount of a COMPLETED transaction to the payee.
// The release is claimed before the gateway call so a concurrent or repeated
// release never reaches the provider twice.
func (o *Orchestrator) Release(ctx context.Context, id uuid.UUID, callerID uint) (*ReleaseOutcome, error) {
	tx, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.PayerID != callerID {
		return nil, fmt.Errorf("%w: only the client can release payment", ErrForbidden)
	}
	if tx.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w (status %s)", ErrNotCompleted, tx.Status)
	}
	if tx.ReleaseState != models.ReleaseNone {
		return nil, ErrAlreadyReleased
	}

	payeeID := tx.PayeeID
	if tx.JobID != nil {
		job, err := o.store.GetJob(ctx, *tx.JobID)
		switch {
		case err == nil:
			if job.Status == models.JobCompleted {
				return nil, ErrAlreadyReleased
			}
			if payeeID == nil {
				payeeID = job.FreelancerID
			}
		case !errors.Is(err, ErrUnknownJob):
			return nil, err
		}
	}
	if payeeID == nil {
		return nil, ErrPayeeUnresolved
	}

	gw, err := o.gateways.Lookup(tx.Provider)
	if err != nil {
		return nil, err
	}

	req := ReleaseRequest{
		Amount:   tx.NetAmount(),
		Currency: tx.Currency,
		PayeeID:  *payeeID,
	}
	if tx.ProviderReference != nil {
		req.ProviderReference = *tx.ProviderReference
	}
	payee, err := o.store.GetUser(ctx, *payeeID)
	switch {
	case err == nil:
		req.PayeePhone = payee.PhoneNumber
		if payee.MobileMoneyNumber != "" {
			req.PayeePhone = payee.MobileMoneyNumber
		}
		req.PayeeAccount = payee.StellarAddress
	case !errors.Is(err, ErrUnknownUser):
		return nil, err
	}

	if err := o.store.ClaimRelease(ctx, id, o.now()); err != nil {
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		current, getErr := o.store.GetByID(ctx, id)
		if getErr == nil && current.Status != models.StatusCompleted {
			return nil, fmt.Errorf("%w (status %s)", ErrNotCompleted, current.Status)
		}
		return nil, ErrAlreadyReleased
	}

	log := o.log.WithFields(logrus.Fields{"transaction_id": id, "payee_id": *payeeID, "amount": req.Amount.String()})

	base := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(base, o.cfg.ReleaseTimeout)
	res, inTime := within(callCtx, func(ctx context.Context) ReleaseResult {
		return gw.Release(ctx, req)
	})
	cancel()

	if !inTime {
		// The payout may still go through, so the claim stays IN_FLIGHT.
		log.WithField("timeout", o.cfg.ReleaseTimeout.String()).
			Error("release outcome unknown after gateway timeout")
		return nil, fmt.Errorf("%w: release timed out after %s, outcome unknown", ErrGatewayUnavailable, o.cfg.ReleaseTimeout)
	}
	if !res.Accepted {
		if err := o.store.AbandonRelease(base, id, o.now()); err != nil {
			log.WithError(err).Error("failed to reopen release after gateway rejection")
		}
		log.WithField("reason", res.Message).Warn("release rejected by gateway")
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, res.Message)
	}

	snapshot := *tx
	snapshot.PayeeID = payeeID
	updated, err := o.store.CompleteRelease(base, ReleaseCompletion{
		ID:      id,
		PayeeID: payeeID,
		At:      o.now(),
		Job:     o.jobs.OnReleased(id, tx.JobID),
		Intents: o.dispatcher.collect(Event{Kind: EventReleased, Transaction: snapshot}),
	})
	if err != nil {
		// The provider moved the money; the claim stays IN_FLIGHT so nothing
		// can release it again before an operator reconciles the record.
		log.WithError(err).Error("release accepted by provider but not recorded")
		return nil, err
	}

	log.Info("escrow released")

	result := &ReleaseOutcome{Transaction: updated, Message: res.Message}
	if tx.JobID != nil {
		if job, err := o.store.GetJob(base, *tx.JobID); err == nil {
			result.JobStatus = job.Status
		}
	}
	return result, nil
}

// Refund marks a captured, unreleased payment as refunded to the payer.
func (o *Orchestrator) Refund(ctx context.Context, id uuid.UUID, reason string) (*models.Transaction, error) {
	tx, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == models.StatusRefunded {
		return tx, nil
	}
	if tx.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w (status %s)", ErrNotCompleted, tx.Status)
	}
	if tx.ReleaseState != models.ReleaseNone {
		return nil, ErrAlreadyReleased
	}

	snapshot := *tx
	snapshot.Status = models.StatusRefunded
	updated, err := o.store.Transition(ctx, Transition{
		ID:                  id,
		From:                []models.TransactionStatus{models.StatusCompleted},
		To:                  models.StatusRefunded,
		At:                  o.now(),
		RequireReleaseState: models.ReleaseNone,
		Intents:             o.dispatcher.collect(Event{Kind: EventRefunded, Transaction: snapshot, Reason: reason}),
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		current, getErr := o.store.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.StatusRefunded {
			return current, nil
		}
		return nil, ErrAlreadyReleased
	}
	if err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{"transaction_id": id, "reason": reason}).Info("payment refunded")
	return updated, nil
}

// Get returns a transaction visible to callerID.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID, callerID uint) (*models.Transaction, error) {
	tx, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(callerID) {
		return nil, fmt.Errorf("%w: not a party to this transaction", ErrForbidden)
	}
	return tx, nil
}

// List is the read-only ledger view for one party.
func (o *Orchestrator) List(ctx context.Context, q LedgerQuery) ([]models.Transaction, int64, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: invalid status value %q", ErrInvalidRequest, q.Status)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = 20
	}
	if q.PerPage > 100 {
		q.PerPage = 100
	}
	return o.store.List(ctx, q)
}
