package worker

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gema-evaluator/internal/queue"
)

// Policy bounds how long and how often an evaluation job may run.
type Policy struct {
	MaxAttempts    int
	Backoff        []time.Duration
	AttemptTimeout time.Duration
	Deadline       time.Duration
}

// DefaultPolicy returns three attempts, 10s/30s/60s backoff, 120s per attempt and a 10 minute deadline.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Backoff:        []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
		AttemptTimeout: 120 * time.Second,
		Deadline:       10 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if len(p.Backoff) == 0 {
		p.Backoff = defaults.Backoff
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = defaults.AttemptTimeout
	}
	if p.Deadline <= 0 {
		p.Deadline = defaults.Deadline
	}
	return p
}

// BackoffAfter returns the delay before the attempt following the given one.
func (p Policy) BackoffAfter(attempt int) time.Duration {
	p = p.normalized()
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// WorstCaseLifetime is the longest a job can keep a submission in evaluating.
func (p Policy) WorstCaseLifetime() time.Duration {
	p = p.normalized()
	total := time.Duration(p.MaxAttempts) * p.AttemptTimeout
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += p.BackoffAfter(attempt)
	}
	if total > p.Deadline {
		return p.Deadline
	}
	return total
}

// NewJob builds the first attempt of a job. The deadline is stamped once here and never moves.
func (p Policy) NewJob(submissionID uint, requestID string, auditRecordID uint, origin string, now time.Time) queue.Job {
	p = p.normalized()
	return queue.Job{
		ID:                  uuid.NewString(),
		SubmissionID:        submissionID,
		EvaluationRequestID: requestID,
		AuditRecordID:       auditRecordID,
		Attempt:             1,
		Origin:              origin,
		EnqueuedAt:          now,
		Deadline:            now.Add(p.Deadline),
	}
}

// CanRetry reports whether a failed attempt of job may be scheduled again at now.
func (p Policy) CanRetry(job queue.Job, now time.Time) bool {
	p = p.normalized()
	if job.Attempt >= p.MaxAttempts {
		return false
	}
	return now.Add(p.BackoffAfter(job.Attempt)).Before(job.RetryUntil())
}
