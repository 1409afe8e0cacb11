package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freelancesl/escrow-pay/models"
	"github.com/freelancesl/escrow-pay/payments"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationTopic is the outbox topic notification intents are written to.
const NotificationTopic = "payments.notifications"

// GormStore is the gorm-backed payments.Store. Every write is a conditional
// update inside a database transaction.
type GormStore struct {
	db                *gorm.DB
	notificationTopic string
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, notificationTopic: NotificationTopic}
}

// WithNotificationTopic overrides the topic intents are published on.
func (s *GormStore) WithNotificationTopic(topic string) *GormStore {
	if topic != "" {
		s.notificationTopic = topic
	}
	return s
}

func (s *GormStore) Create(ctx context.Context, tx *models.Transaction) error {
	err := s.db.WithContext(ctx).Create(tx).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", payments.ErrDuplicateIdempotencyKey, tx.TransactionReference)
	}

	// Not every driver translates constraint errors.
	var count int64
	if cErr := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("transaction_reference = ?", tx.TransactionReference).
		Count(&count).Error; cErr == nil && count > 0 {
		return fmt.Errorf("%w: %s", payments.ErrDuplicateIdempotencyKey, tx.TransactionReference)
	}
	return fmt.Errorf("failed to create transaction: %w", err)
}

func (s *GormStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *GormStore) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return s.first(ctx, "transaction_reference = ?", reference)
}

func (s *GormStore) GetByProviderReference(ctx context.Context, providerReference string) (*models.Transaction, error) {
	return s.first(ctx, "provider_reference = ?", providerReference)
}

func (s *GormStore) first(ctx context.Context, query string, arg interface{}) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).Where(query, arg).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payments.ErrUnknownTransaction
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &tx, nil
}

func (s *GormStore) Transition(ctx context.Context, t payments.Transition) (*models.Transaction, error) {
	updates := map[string]interface{}{
		"status":     t.To,
		"updated_at": t.At,
	}
	switch t.To {
	case models.StatusCompleted:
		updates["completed_at"] = t.At
	case models.StatusFailed:
		if t.ErrorMessage != nil {
			updates["error_message"] = *t.ErrorMessage
		}
	case models.StatusRefunded:
		updates["refunded_at"] = t.At
	}
	if t.ProviderReference != nil {
		updates["provider_reference"] = *t.ProviderReference
	}
	if len(t.Payload) > 0 {
		updates["provider_payload"] = datatypes.JSON(t.Payload)
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		q := db.Model(&models.Transaction{}).Where("id = ? AND status IN ?", t.ID, t.From)
		if t.RequireReleaseState != "" {
			q = q.Where("release_state = ?", t.RequireReleaseState)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return payments.ErrConcurrentUpdate
		}
		return s.applyEffects(db, t.ID, t.At, t.Job, t.Intents)
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, t.ID)
}

func (s *GormStore) ClaimRelease(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND release_state = ?", id, models.StatusCompleted, models.ReleaseNone).
		Updates(map[string]interface{}{
			"release_state": models.ReleaseInFlight,
			"updated_at":    at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to claim release: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return payments.ErrConcurrentUpdate
	}
	return nil
}

func (s *GormStore) CompleteRelease(ctx context.Context, c payments.ReleaseCompletion) (*models.Transaction, error) {
	updates := map[string]interface{}{
		"release_state": models.ReleaseDone,
		"released_at":   c.At,
		"updated_at":    c.At,
	}
	if c.PayeeID != nil {
		updates["payee_id"] = gorm.Expr("COALESCE(payee_id, ?)", *c.PayeeID)
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		res := db.Model(&models.Transaction{}).
			Where("id = ? AND release_state = ?", c.ID, models.ReleaseInFlight).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to complete release: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return payments.ErrConcurrentUpdate
		}
		return s.applyEffects(db, c.ID, c.At, c.Job, c.Intents)
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, c.ID)
}

func (s *GormStore) AbandonRelease(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND release_state = ?", id, models.ReleaseInFlight).
		Updates(map[string]interface{}{
			"release_state": models.ReleaseNone,
			"updated_at":    at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to abandon release: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return payments.ErrConcurrentUpdate
	}
	return nil
}

// applyEffects advances the job and appends the outbox rows for one state
// change. It must run inside the transaction that made the change.
func (s *GormStore) applyEffects(db *gorm.DB, id uuid.UUID, at time.Time, cmd *payments.JobCommand, intents []payments.Intent) error {
	var messages []models.OutboxMessage

	if cmd != nil {
		updates := map[string]interface{}{"status": cmd.To, "updated_at": at}
		if cmd.FreelancerID != nil {
			updates["freelancer_id"] = gorm.Expr("COALESCE(freelancer_id, ?)", *cmd.FreelancerID)
		}
		// A job already past From means the command was applied before.
		if err := db.Model(&models.Job{}).
			Where("id = ? AND status = ?", cmd.JobID, cmd.From).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to apply job command: %w", err)
		}

		msg, err := newOutboxMessage(string(cmd.Kind), id, at, cmd)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}

	for _, intent := range intents {
		msg, err := newOutboxMessage(s.notificationTopic, id, at, intent)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return nil
	}
	if err := db.Create(&messages).Error; err != nil {
		return fmt.Errorf("failed to write outbox: %w", err)
	}
	return nil
}

func newOutboxMessage(topic string, aggregateID uuid.UUID, at time.Time, body interface{}) (models.OutboxMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return models.OutboxMessage{}, fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	return models.OutboxMessage{
		ID:          uuid.New(),
		CreatedAt:   at,
		Topic:       topic,
		AggregateID: aggregateID.String(),
		Payload:     datatypes.JSON(payload),
	}, nil
}

func (s *GormStore) RecordAnomaly(ctx context.Context, anomaly *models.CallbackAnomaly) error {
	if err := s.db.WithContext(ctx).Create(anomaly).Error; err != nil {
		return fmt.Errorf("failed to record callback anomaly: %w", err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context, q payments.LedgerQuery) ([]models.Transaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("(payer_id = ? OR payee_id = ?)", q.PartyID, q.PartyID)
	if q.JobID != nil {
		query = query.Where("job_id = ?", *q.JobID)
	}
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var txs []models.Transaction
	offset := (q.Page - 1) * q.PerPage
	if err := query.Order("created_at DESC").Offset(offset).Limit(q.PerPage).Find(&txs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, total, nil
}

func (s *GormStore) ListStale(ctx context.Context, status models.TransactionStatus, before time.Time, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	return txs, nil
}

func (s *GormStore) GetJob(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payments.ErrUnknownJob
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

func (s *GormStore) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payments.ErrUnknownUser
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// PendingOutbox returns unpublished outbox messages, oldest first.
func (s *GormStore) PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	return msgs, nil
}

func (s *GormStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND published_at IS NULL", id).
		Updates(map[string]interface{}{
			"published_at": at,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
		}).Error
}

func (s *GormStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	return s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
}
