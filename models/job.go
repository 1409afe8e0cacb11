package models

import "time"

type JobStatus string

const (
	JobOpen       JobStatus = "OPEN"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Job mirrors the marketplace job aggregate. The payment engine only moves its
// status forward through job commands and never creates or deletes jobs.
type Job struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Title        string    `gorm:"size:128;not null" json:"title"`
	ClientID     uint      `gorm:"not null;index" json:"client_id"`
	FreelancerID *uint     `gorm:"index" json:"freelancer_id"`
	Status       JobStatus `gorm:"size:20;not null;default:'OPEN'" json:"status"`
}

// TableName overrides the table name
func (Job) TableName() string {
	return "jobs"
}
