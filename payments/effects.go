package payments

import (
	"iter"

	"github.com/freelancesl/escrow-pay/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventInitiated EventKind = "initiated"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventReleased  EventKind = "released"
	EventRefunded  EventKind = "refunded"
)

// Event is a state transition the dispatcher maps to notification intents.
type Event struct {
	Kind        EventKind
	Transaction models.Transaction
	Reason      string
}

type IntentKind string

const (
	IntentPaymentInitiated IntentKind = "PAYMENT_INITIATED"
	IntentPaymentCompleted IntentKind = "PAYMENT_COMPLETED"
	IntentPaymentFailed    IntentKind = "PAYMENT_FAILED"
	IntentJobAwarded       IntentKind = "JOB_AWARDED"
	IntentPaymentReleased  IntentKind = "PAYMENT_RELEASED"
	IntentPaymentRefunded  IntentKind = "PAYMENT_REFUNDED"
)

// Intent tells the notification service that a user must be told something.
// Delivery and its retries belong to that service.
type Intent struct {
	Kind          IntentKind      `json:"kind"`
	RecipientID   uint            `json:"recipient_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	JobID         *uint           `json:"job_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reference     string          `json:"reference"`
	Reason        string          `json:"reason,omitempty"`
}

// Dispatcher maps transition events to notification intents. It does no I/O.
type Dispatcher struct{}

// Intents returns the intents for ev. The sequence is recomputed on every
// range, so it can be iterated any number of times.
func (Dispatcher) Intents(ev Event) iter.Seq[Intent] {
	return func(yield func(Intent) bool) {
		tx := ev.Transaction
		intent := func(kind IntentKind, recipient uint, amount decimal.Decimal) Intent {
			return Intent{
				Kind:          kind,
				RecipientID:   recipient,
				TransactionID: tx.ID,
				JobID:         tx.JobID,
				Amount:        amount,
				Currency:      tx.Currency,
				Reference:     tx.TransactionReference,
				Reason:        ev.Reason,
			}
		}

		switch ev.Kind {
		case EventInitiated:
			yield(intent(IntentPaymentInitiated, tx.PayerID, tx.GrossAmount))
		case EventCompleted:
			if !yield(intent(IntentPaymentCompleted, tx.PayerID, tx.GrossAmount)) {
				return
			}
			if tx.JobID != nil && tx.PayeeID != nil {
				yield(intent(IntentJobAwarded, *tx.PayeeID, tx.NetAmount()))
			}
		case EventFailed:
			yield(intent(IntentPaymentFailed, tx.PayerID, tx.GrossAmount))
		case EventReleased:
			if tx.PayeeID != nil {
				if !yield(intent(IntentPaymentReleased, *tx.PayeeID, tx.NetAmount())) {
					return
				}
			}
			yield(intent(IntentPaymentReleased, tx.PayerID, tx.NetAmount()))
		case EventRefunded:
			yield(intent(IntentPaymentRefunded, tx.PayerID, tx.GrossAmount))
		}
	}
}

func (d Dispatcher) collect(ev Event) []Intent {
	var intents []Intent
	for in := range d.Intents(ev) {
		intents = append(intents, in)
	}
	return intents
}
