package model

import "time"

type Status string

const (
	Waiting   Status = "waiting"
	Active    Status = "active"
	Delayed   Status = "delayed"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Job is one outbound message in the delivery queue. Phone is stored as the
// caller sent it; normalization happens right before the provider call.
type Job struct {
	ID          string
	SessionID   string
	Phone       string
	Message     string
	Status      Status
	Attempts    int
	ScheduledAt time.Time
	RunAt       time.Time
	LastError   string
	Result      *SendResult
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// EffectiveStatus reports Delayed for waiting jobs that are not yet eligible.
func (j Job) EffectiveStatus(now time.Time) Status {
	if j.Status == Waiting && j.RunAt.After(now) {
		return Delayed
	}
	return j.Status
}

type SendResult struct {
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"providerMessageId"`
	Timestamp         time.Time `json:"timestamp"`
}

type JobHandle struct {
	ID     string `json:"jobId"`
	Status Status `json:"status"`
}

type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}
