package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-evaluator/internal/queue"
)

type scheduledJob struct {
	job   queue.Job
	delay time.Duration
}

type fakeSource struct {
	mu        sync.Mutex
	ready     []queue.Job
	scheduled []scheduledJob
}

func (f *fakeSource) Dequeue(context.Context) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ready) == 0 {
		return queue.Job{}, queue.ErrEmpty
	}
	job := f.ready[0]
	f.ready = f.ready[1:]
	return job, nil
}

func (f *fakeSource) Schedule(_ context.Context, job queue.Job, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledJob{job: job, delay: delay})
	return nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	handle    func(ctx context.Context, job queue.Job) error
	handled   []queue.Job
	failures  []error
	deadlines []time.Time
}

func (f *fakeProcessor) Handle(ctx context.Context, job queue.Job) error {
	f.mu.Lock()
	f.handled = append(f.handled, job)
	if deadline, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, deadline)
	}
	handle := f.handle
	f.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle(ctx, job)
}

func (f *fakeProcessor) Fail(_ context.Context, _ queue.Job, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, cause)
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func newTestRunner(source *fakeSource, processor *fakeProcessor, now time.Time) *Runner {
	runner := NewRunner(source, processor, DefaultPolicy(), RunnerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond}, zerolog.Nop())
	runner.now = func() time.Time { return now }
	return runner
}

func TestRunnerSuccessNeitherRetriesNorFails(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{}
	runner := newTestRunner(source, processor, now)

	runner.Process(context.Background(), DefaultPolicy().NewJob(1, "req", 0, "test", now))

	require.Len(t, processor.handled, 1)
	require.Empty(t, source.scheduled)
	require.Empty(t, processor.failures)
}

func TestRunnerSchedulesRetryWithBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{handle: func(context.Context, queue.Job) error { return errors.New("boom") }}
	runner := newTestRunner(source, processor, now)

	job := DefaultPolicy().NewJob(1, "req", 0, "test", now)
	runner.Process(context.Background(), job)

	require.Len(t, source.scheduled, 1)
	require.Equal(t, 2, source.scheduled[0].job.Attempt)
	require.Equal(t, 10*time.Second, source.scheduled[0].delay)
	require.True(t, source.scheduled[0].job.RetryUntil().Equal(job.RetryUntil()))
	require.Empty(t, processor.failures)

	job = source.scheduled[0].job
	runner.Process(context.Background(), job)
	require.Len(t, source.scheduled, 2)
	require.Equal(t, 30*time.Second, source.scheduled[1].delay)
}

func TestRunnerInvokesFailureHookOnceOnFinalAttempt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	cause := errors.New("evaluator exploded")
	processor := &fakeProcessor{handle: func(context.Context, queue.Job) error { return cause }}
	runner := newTestRunner(source, processor, now)

	job := DefaultPolicy().NewJob(1, "req", 0, "test", now)
	job.Attempt = 3
	runner.Process(context.Background(), job)

	require.Empty(t, source.scheduled)
	require.Len(t, processor.failures, 1)
	require.ErrorIs(t, processor.failures[0], cause)
	require.False(t, IsTimeout(processor.failures[0]))
}

func TestRunnerClassifiesTimeoutCause(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{handle: func(context.Context, queue.Job) error { return timeoutError{} }}
	runner := newTestRunner(source, processor, now)

	job := DefaultPolicy().NewJob(1, "req", 0, "test", now)
	job.Attempt = 3
	runner.Process(context.Background(), job)

	require.Len(t, processor.failures, 1)
	require.True(t, IsTimeout(processor.failures[0]))
}

func TestRunnerFailsInsteadOfRetryingPastDeadline(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{handle: func(context.Context, queue.Job) error { return errors.New("flaky") }}
	runner := newTestRunner(source, processor, created.Add(9*time.Minute+55*time.Second))

	job := DefaultPolicy().NewJob(1, "req", 0, "test", created)
	runner.Process(context.Background(), job)

	require.Empty(t, source.scheduled, "a retry landing after the deadline must not be scheduled")
	require.Len(t, processor.failures, 1)
	require.ErrorIs(t, processor.failures[0], ErrDeadlineExceeded)
	require.True(t, IsTimeout(processor.failures[0]))
}

func TestRunnerKeepsRetryDecidedByHandler(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{handle: func(context.Context, queue.Job) error {
		return Retry(errors.New("evaluator unavailable: healthcheck_failed"))
	}}
	// The handler decided a moment earlier; by now the policy alone would refuse.
	runner := newTestRunner(source, processor, created.Add(9*time.Minute+55*time.Second))

	job := DefaultPolicy().NewJob(1, "req", 0, "test", created)
	runner.Process(context.Background(), job)

	require.Len(t, source.scheduled, 1)
	require.Equal(t, 2, source.scheduled[0].job.Attempt)
	require.Empty(t, processor.failures)
}

func TestRunnerFailsExpiredJobWithoutAttempt(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{}
	runner := newTestRunner(source, processor, created.Add(11*time.Minute))

	runner.Process(context.Background(), DefaultPolicy().NewJob(1, "req", 0, "test", created))

	require.Empty(t, processor.handled)
	require.Len(t, processor.failures, 1)
	require.ErrorIs(t, processor.failures[0], ErrDeadlineExceeded)
}

func TestRunnerBoundsAttemptByRemainingDeadline(t *testing.T) {
	created := time.Now()
	source := &fakeSource{}
	processor := &fakeProcessor{}
	runner := newTestRunner(source, processor, created.Add(9*time.Minute))

	job := DefaultPolicy().NewJob(1, "req", 0, "test", created)
	runner.Process(context.Background(), job)

	require.Len(t, processor.deadlines, 1)
	require.True(t, processor.deadlines[0].Before(time.Now().Add(61*time.Second)),
		"attempt context must not outlive the job deadline")
}

func TestRunnerDropsPermanentErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{handle: func(context.Context, queue.Job) error {
		return Permanent(errors.New("submission missing"))
	}}
	runner := newTestRunner(source, processor, now)

	runner.Process(context.Background(), DefaultPolicy().NewJob(1, "req", 0, "test", now))

	require.Empty(t, source.scheduled)
	require.Empty(t, processor.failures)
}

func TestRunnerRecoversPanicsAsRetryableErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	processor := &fakeProcessor{handle: func(context.Context, queue.Job) error { panic("nil map") }}
	runner := newTestRunner(source, processor, now)

	require.NotPanics(t, func() {
		runner.Process(context.Background(), DefaultPolicy().NewJob(1, "req", 0, "test", now))
	})
	require.Len(t, source.scheduled, 1)
}

func TestRunnerWrapsAttemptTimeout(t *testing.T) {
	source := &fakeSource{}
	processor := &fakeProcessor{handle: func(ctx context.Context, _ queue.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	runner := NewRunner(source, processor, Policy{MaxAttempts: 1, AttemptTimeout: 20 * time.Millisecond}, RunnerConfig{}, zerolog.Nop())

	runner.Process(context.Background(), DefaultPolicy().NewJob(1, "req", 0, "test", time.Now()))

	require.Len(t, processor.failures, 1)
	require.ErrorIs(t, processor.failures[0], ErrAttemptTimeout)
}

func TestRunnerLoopDrainsQueue(t *testing.T) {
	now := time.Now()
	source := &fakeSource{ready: []queue.Job{
		DefaultPolicy().NewJob(1, "a", 0, "test", now),
		DefaultPolicy().NewJob(2, "b", 0, "test", now),
	}}
	processor := &fakeProcessor{}
	runner := NewRunner(source, processor, DefaultPolicy(), RunnerConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	require.Eventually(t, func() bool {
		processor.mu.Lock()
		defer processor.mu.Unlock()
		return len(processor.handled) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	runner.Wait()
}

func TestPolicyWorstCaseLifetimeFitsUnderSweeperThreshold(t *testing.T) {
	policy := DefaultPolicy()
	require.Equal(t, 3*120*time.Second+10*time.Second+30*time.Second, policy.WorstCaseLifetime())
	require.Less(t, policy.WorstCaseLifetime(), 15*time.Minute)
	require.Equal(t, 60*time.Second, policy.BackoffAfter(7))
}
