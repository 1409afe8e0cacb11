package payments

import (
	"context"
	"time"

	"github.com/freelancesl/escrow-pay/models"
	"github.com/google/uuid"
)

// Transition is one conditional status change plus the side effects that must
// be recorded atomically with it.
type Transition struct {
	ID   uuid.UUID
	From []models.TransactionStatus
	To   models.TransactionStatus
	At   time.Time

	// RequireReleaseState additionally guards on the release state when set.
	RequireReleaseState models.ReleaseState

	// ProviderReference is written only on a transition out of PENDING.
	ProviderReference *string
	ErrorMessage      *string
	Payload           []byte

	Job     *JobCommand
	Intents []Intent
}

// ReleaseCompletion records a release the gateway accepted.
type ReleaseCompletion struct {
	ID uuid.UUID
	// PayeeID fills in a payee that was only resolved from the job.
	PayeeID *uint
	At      time.Time
	Job     *JobCommand
	Intents []Intent
}

type LedgerQuery struct {
	PartyID uint
	JobID   *uint
	Status  models.TransactionStatus
	Page    int
	PerPage int
}

// Store is the durable transaction ledger. Every mutation is a conditional
// update so concurrent writers on one transaction never both win.
type Store interface {
	// Create inserts a PENDING transaction. It returns ErrDuplicateIdempotencyKey
	// when the transaction reference is already taken.
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	GetByProviderReference(ctx context.Context, providerReference string) (*models.Transaction, error)

	// Transition applies t and its effects in one database transaction, or
	// returns ErrConcurrentUpdate if the row is no longer in t.From.
	Transition(ctx context.Context, t Transition) (*models.Transaction, error)

	ClaimRelease(ctx context.Context, id uuid.UUID, at time.Time) error
	CompleteRelease(ctx context.Context, c ReleaseCompletion) (*models.Transaction, error)
	AbandonRelease(ctx context.Context, id uuid.UUID, at time.Time) error

	RecordAnomaly(ctx context.Context, anomaly *models.CallbackAnomaly) error
	List(ctx context.Context, q LedgerQuery) ([]models.Transaction, int64, error)
	ListStale(ctx context.Context, status models.TransactionStatus, before time.Time, limit int) ([]models.Transaction, error)

	GetJob(ctx context.Context, id uint) (*models.Job, error)
	GetUser(ctx context.Context, id uint) (*models.User, error)
}
