package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/freelancesl/escrow-pay/models"
	"github.com/sirupsen/logrus"
)

const reconcileBatch = 100

type ReconcileReport struct {
	Checked      int
	Resolved     int
	StillPending int
	// StuckPending counts PENDING rows that never got a provider reference.
	// There is nothing to ask the provider about; they need an operator.
	StuckPending int
	Errors       int
}

// Reconcile asks providers about transactions that have waited longer than
// olderThan for a callback, and applies any terminal answer as if it were one.
func (o *Orchestrator) Reconcile(ctx context.Context, olderThan time.Duration) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := o.now().Add(-olderThan)

	pending, err := o.store.ListStale(ctx, models.StatusPending, cutoff, reconcileBatch)
	if err != nil {
		return report, err
	}
	for _, tx := range pending {
		if tx.ProviderReference == nil {
			report.StuckPending++
			o.log.WithFields(logrus.Fields{
				"transaction_id": tx.ID,
				"reference":      tx.TransactionReference,
				"created_at":     tx.CreatedAt,
			}).Error("transaction stuck in PENDING without provider reference")
			continue
		}
		o.reconcileOne(ctx, &tx, &report)
	}

	submitted, err := o.store.ListStale(ctx, models.StatusProviderSubmitted, cutoff, reconcileBatch)
	if err != nil {
		return report, err
	}
	for _, tx := range submitted {
		o.reconcileOne(ctx, &tx, &report)
	}

	return report, nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, tx *models.Transaction, report *ReconcileReport) {
	report.Checked++
	log := o.log.WithFields(logrus.Fields{"transaction_id": tx.ID, "provider": tx.Provider})

	gw, err := o.gateways.Lookup(tx.Provider)
	if err != nil {
		report.Errors++
		log.WithError(err).Error("reconcile: no gateway for provider")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.InitiateTimeout)
	status, err := gw.CheckStatus(callCtx, *tx.ProviderReference)
	cancel()
	if err != nil {
		report.Errors++
		log.WithError(err).Warn("reconcile: status check failed")
		return
	}
	if status.Outcome != OutcomeSuccess && status.Outcome != OutcomeFailure {
		report.StillPending++
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"source":  "reconciliation",
		"outcome": string(status.Outcome),
		"message": status.Message,
	})
	if _, err := o.ApplyCallback(ctx, CallbackInput{
		ProviderReference: *tx.ProviderReference,
		Outcome:           status.Outcome,
		Message:           status.Message,
		Payload:           payload,
	}); err != nil {
		report.Errors++
		log.WithError(err).Error("reconcile: failed to apply provider status")
		return
	}
	report.Resolved++
}
