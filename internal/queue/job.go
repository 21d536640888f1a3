package queue

import (
	"time"
)

// Job is the envelope carried through the evaluation queue.
type Job struct {
	ID                  string    `json:"id"`
	SubmissionID        uint      `json:"submission_id"`
	EvaluationRequestID string    `json:"evaluation_request_id"`
	AuditRecordID       uint      `json:"audit_record_id,omitempty"`
	Attempt             int       `json:"attempt"`
	Origin              string    `json:"origin,omitempty"`
	EnqueuedAt          time.Time `json:"enqueued_at"`
	Deadline            time.Time `json:"deadline"`
}

// RetryUntil returns the wall-clock instant after which the job must not be attempted again.
// It is fixed when the job is first created and carried unchanged through every retry.
func (j Job) RetryUntil() time.Time {
	return j.Deadline
}

// Expired reports whether the deadline has passed.
func (j Job) Expired(now time.Time) bool {
	return !j.Deadline.IsZero() && !now.Before(j.Deadline)
}

// NextAttempt returns a copy of the job for the following attempt.
func (j Job) NextAttempt() Job {
	next := j
	next.Attempt++
	return next
}
