package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/freelancesl/escrow-pay/config"
	"github.com/freelancesl/escrow-pay/models"
	"github.com/freelancesl/escrow-pay/payments"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.InitDB(&config.Config{
		DBDriver:    "sqlite",
		DatabaseURL: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	return db
}

func newPendingTransaction(ref string) *models.Transaction {
	now := time.Now().UTC()
	return &models.Transaction{
		ID:                   uuid.New(),
		CreatedAt:            now,
		UpdatedAt:            now,
		PayerID:              1,
		GrossAmount:          decimal.NewFromInt(1000),
		FeePercentage:        decimal.NewFromInt(10),
		PlatformFee:          decimal.NewFromInt(100),
		Currency:             "SLL",
		Status:               models.StatusPending,
		TransactionReference: ref,
		Provider:             "mock",
		ReleaseState:         models.ReleaseNone,
	}
}

func TestCreate_DuplicateReference(t *testing.T) {
	s := NewGormStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newPendingTransaction("ref-1")))

	err := s.Create(ctx, newPendingTransaction("ref-1"))
	assert.ErrorIs(t, err, payments.ErrDuplicateIdempotencyKey)
}

func TestGetters_UnknownTransaction(t *testing.T) {
	s := NewGormStore(setupTestDB(t))
	ctx := context.Background()

	_, err := s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, payments.ErrUnknownTransaction)

	_, err = s.GetByProviderReference(ctx, "nope")
	assert.ErrorIs(t, err, payments.ErrUnknownTransaction)

	_, err = s.GetJob(ctx, 42)
	assert.ErrorIs(t, err, payments.ErrUnknownJob)

	_, err = s.GetUser(ctx, 42)
	assert.ErrorIs(t, err, payments.ErrUnknownUser)
}

func TestTransition_AppliesJobCommandAndOutbox(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	job := models.Job{Title: "Logo", ClientID: 1, Status: models.JobOpen}
	require.NoError(t, db.Create(&job).Error)

	tx := newPendingTransaction("ref-job")
	tx.JobID = &job.ID
	require.NoError(t, s.Create(ctx, tx))

	payee := uint(2)
	ref := "MOCK_1"
	at := time.Now().UTC()
	updated, err := s.Transition(ctx, payments.Transition{
		ID:                tx.ID,
		From:              []models.TransactionStatus{models.StatusPending},
		To:                models.StatusCompleted,
		At:                at,
		ProviderReference: &ref,
		Payload:           []byte(`{"status":"success"}`),
		Job:               payments.JobLinkage{}.OnFunded(tx.ID, &job.ID, &payee),
		Intents:           []payments.Intent{{Kind: payments.IntentPaymentCompleted, RecipientID: 1, TransactionID: tx.ID}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	require.NotNil(t, updated.ProviderReference)
	assert.Equal(t, ref, *updated.ProviderReference)
	assert.Nil(t, updated.ErrorMessage)

	var reloaded models.Job
	require.NoError(t, db.First(&reloaded, job.ID).Error)
	assert.Equal(t, models.JobInProgress, reloaded.Status)
	require.NotNil(t, reloaded.FreelancerID)
	assert.Equal(t, payee, *reloaded.FreelancerID)

	msgs, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	topics := []string{msgs[0].Topic, msgs[1].Topic}
	assert.ElementsMatch(t, []string{string(payments.JobFunded), NotificationTopic}, topics)
}

func TestTransition_LostRaceChangesNothing(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	tx := newPendingTransaction("ref-race")
	require.NoError(t, s.Create(ctx, tx))

	msg := "declined"
	_, err := s.Transition(ctx, payments.Transition{
		ID: tx.ID, From: []models.TransactionStatus{models.StatusPending}, To: models.StatusFailed,
		At: time.Now().UTC(), ErrorMessage: &msg,
	})
	require.NoError(t, err)

	_, err = s.Transition(ctx, payments.Transition{
		ID: tx.ID, From: []models.TransactionStatus{models.StatusPending}, To: models.StatusCompleted,
		At:      time.Now().UTC(),
		Intents: []payments.Intent{{Kind: payments.IntentPaymentCompleted, RecipientID: 1}},
	})
	assert.ErrorIs(t, err, payments.ErrConcurrentUpdate)

	got, err := s.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.CompletedAt)

	var count int64
	require.NoError(t, db.Model(&models.OutboxMessage{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTransition_ConcurrentWritersOneWins(t *testing.T) {
	s := NewGormStore(setupTestDB(t))
	ctx := context.Background()

	tx := newPendingTransaction("ref-concurrent")
	require.NoError(t, s.Create(ctx, tx))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, payments.Transition{
				ID:   tx.ID,
				From: []models.TransactionStatus{models.StatusPending, models.StatusProviderSubmitted},
				To:   models.StatusCompleted,
				At:   time.Now().UTC(),
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestReleaseClaimLifecycle(t *testing.T) {
	s := NewGormStore(setupTestDB(t))
	ctx := context.Background()

	tx := newPendingTransaction("ref-release")
	tx.Status = models.StatusCompleted
	require.NoError(t, s.Create(ctx, tx))

	claimedAt := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.ClaimRelease(ctx, tx.ID, claimedAt))
	assert.ErrorIs(t, s.ClaimRelease(ctx, tx.ID, claimedAt), payments.ErrConcurrentUpdate)

	claimed, err := s.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseInFlight, claimed.ReleaseState)
	assert.True(t, claimed.UpdatedAt.Equal(claimedAt), "updated_at %s", claimed.UpdatedAt)

	abandonedAt := claimedAt.Add(time.Minute)
	require.NoError(t, s.AbandonRelease(ctx, tx.ID, abandonedAt))
	reopened, err := s.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseNone, reopened.ReleaseState)
	assert.True(t, reopened.UpdatedAt.Equal(abandonedAt), "updated_at %s", reopened.UpdatedAt)

	require.NoError(t, s.ClaimRelease(ctx, tx.ID, abandonedAt.Add(time.Minute)))

	payee := uint(7)
	updated, err := s.CompleteRelease(ctx, payments.ReleaseCompletion{ID: tx.ID, PayeeID: &payee, At: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseDone, updated.ReleaseState)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.PayeeID)
	assert.Equal(t, payee, *updated.PayeeID)
	assert.NotNil(t, updated.ReleasedAt)

	assert.ErrorIs(t, s.ClaimRelease(ctx, tx.ID, time.Now().UTC()), payments.ErrConcurrentUpdate)
}

func TestList_PartyFilterAndPagination(t *testing.T) {
	s := NewGormStore(setupTestDB(t))
	ctx := context.Background()

	payee := uint(5)
	for i := 0; i < 3; i++ {
		tx := newPendingTransaction(fmt.Sprintf("ref-payer-%d", i))
		tx.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, tx))
	}
	other := newPendingTransaction("ref-other")
	other.PayerID = 9
	other.PayeeID = &payee
	require.NoError(t, s.Create(ctx, other))

	txs, total, err := s.List(ctx, payments.LedgerQuery{PartyID: 1, Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, txs, 2)
	assert.Equal(t, "ref-payer-2", txs[0].TransactionReference)

	txs, total, err = s.List(ctx, payments.LedgerQuery{PartyID: payee, Page: 1, PerPage: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "ref-other", txs[0].TransactionReference)
}

func TestOutboxMarking(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	msg, err := newOutboxMessage("topic", uuid.New(), time.Now().UTC(), map[string]string{"a": "b"})
	require.NoError(t, err)
	require.NoError(t, db.Create(&msg).Error)

	require.NoError(t, s.MarkFailed(ctx, msg.ID, fmt.Errorf("nsqd down")))
	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "nsqd down", pending[0].LastError)

	require.NoError(t, s.MarkPublished(ctx, msg.ID, time.Now().UTC()))
	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
