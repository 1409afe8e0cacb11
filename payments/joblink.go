package payments

import (
	"github.com/freelancesl/escrow-pay/models"
	"github.com/google/uuid"
)

type JobCommandKind string

const (
	JobFunded   JobCommandKind = "job.funded"
	JobReleased JobCommandKind = "job.released"
)

// JobCommand asks the job owner to move a job forward. Applying it twice is
// harmless: it only takes effect while the job is still in From.
type JobCommand struct {
	Kind          JobCommandKind   `json:"kind"`
	JobID         uint             `json:"job_id"`
	TransactionID uuid.UUID        `json:"transaction_id"`
	FreelancerID  *uint            `json:"freelancer_id,omitempty"`
	From          models.JobStatus `json:"from"`
	To            models.JobStatus `json:"to"`
}

// JobLinkage decides which job command a payment transition implies.
type JobLinkage struct{}

// OnFunded is issued when a job-funding transaction completes.
func (JobLinkage) OnFunded(txID uuid.UUID, jobID, payeeID *uint) *JobCommand {
	if jobID == nil {
		return nil
	}
	return &JobCommand{
		Kind:          JobFunded,
		JobID:         *jobID,
		TransactionID: txID,
		FreelancerID:  payeeID,
		From:          models.JobOpen,
		To:            models.JobInProgress,
	}
}

// OnReleased is issued once escrowed funds reach the freelancer.
func (JobLinkage) OnReleased(txID uuid.UUID, jobID *uint) *JobCommand {
	if jobID == nil {
		return nil
	}
	return &JobCommand{
		Kind:          JobReleased,
		JobID:         *jobID,
		TransactionID: txID,
		From:          models.JobInProgress,
		To:            models.JobCompleted,
	}
}
