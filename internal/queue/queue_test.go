// Package queue integration tests run against a disposable Postgres
// container and exercise the concurrency and retry contracts directly.
package queue

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/annolab/annolab/internal/db"
)

var (
	testPool  *pgxpool.Pool
	testQueue *Queue
)

func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "annolab",
				"POSTGRES_PASSWORD": "annolab",
				"POSTGRES_DB":       "annolab_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("failed to get mapped port: %v", err)
	}

	url := fmt.Sprintf("postgres://annolab:annolab@%s:%s/annolab_test?sslmode=disable", host, port.Port())
	testPool, err = db.Connect(ctx, db.DefaultConfig(url))
	if err != nil {
		log.Fatalf("failed to connect to test database: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := db.Migrate(ctx, testPool, logger); err != nil {
		log.Fatalf("failed to migrate test database: %v", err)
	}

	testQueue = New(testPool)

	code := m.Run()

	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// resetJobs empties the jobs table between tests.
func resetJobs(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `TRUNCATE jobs`)
	require.NoError(t, err)
}

// rewindSchedule makes a backed-off job immediately claimable again.
func rewindSchedule(t *testing.T, id uuid.UUID) {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		`UPDATE jobs SET scheduled_for = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

func enqueueIngest(t *testing.T, opts EnqueueOptions) *Job {
	t.Helper()
	job, err := testQueue.Enqueue(context.Background(), TypeIngestData,
		IngestPayload{ProjectID: "p1", Source: "a,b\n1,2\n"}, opts)
	require.NoError(t, err)
	return job
}

func TestEnqueueDefaults(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{})

	assert.Equal(t, TypeIngestData, job.Type)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Priority)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.NotEmpty(t, job.Payload)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.WithinDuration(t, time.Now(), job.ScheduledFor, 5*time.Second)

	_, err := testQueue.Enqueue(ctx, JobType("bogus"), nil, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	resetJobs(t)

	job, err := testQueue.Claim(context.Background(), []JobType{TypeIngestData})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimSetsProcessing(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	created := enqueueIngest(t, EnqueueOptions{})

	claimed, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	// A successful claim never touches the attempt counter.
	assert.Equal(t, 0, claimed.Attempts)
}

func TestClaimRespectsTypeAndSchedule(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	// Scheduled in the future: not claimable yet.
	enqueueIngest(t, EnqueueOptions{ScheduledFor: time.Now().Add(time.Hour)})

	job, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	assert.Nil(t, job)

	// Eligible type filter.
	eligible := enqueueIngest(t, EnqueueOptions{})
	job, err = testQueue.Claim(ctx, []JobType{TypeVectorize})
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = testQueue.Claim(ctx, []JobType{TypeIngestData, TypeVectorize})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, eligible.ID, job.ID)
}

func TestClaimOrderPriorityBeforeSchedule(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	earlier := time.Now().Add(-2 * time.Hour)
	later := time.Now().Add(-1 * time.Hour)

	// The low-priority job was scheduled earlier; priority still wins.
	lowPrio := enqueueIngest(t, EnqueueOptions{Priority: 5, ScheduledFor: earlier})
	highPrio := enqueueIngest(t, EnqueueOptions{Priority: 1, ScheduledFor: later})

	first, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, highPrio.ID, first.ID)

	second, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, lowPrio.ID, second.ID)
}

func TestConcurrentClaimSingleJob(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	enqueueIngest(t, EnqueueOptions{})

	const claimers = 8
	results := make([]*Job, claimers)
	errs := make([]error, claimers)

	var wg sync.WaitGroup
	for i := range claimers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = testQueue.Claim(ctx, []JobType{TypeIngestData})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range claimers {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimer must win the single pending job")
}

func TestFailSchedulesRetryWithGrowingBackoff(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{MaxAttempts: 5})

	var lastDelay time.Duration
	for attempt := range 3 {
		claimed, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)

		before := time.Now()
		require.NoError(t, testQueue.Fail(ctx, job.ID, fmt.Errorf("provider timeout")))

		got, err := testQueue.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, attempt+1, got.Attempts)
		assert.NotEmpty(t, got.Payload, "payload must survive a retryable failure")
		assert.Nil(t, got.CompletedAt)
		require.NotNil(t, got.Result)
		assert.Equal(t, "provider timeout", got.Result.Error)

		delay := got.ScheduledFor.Sub(before)
		assert.Greater(t, delay, time.Duration(0), "scheduled_for must be strictly in the future")
		assert.Greater(t, delay, lastDelay, "backoff must grow with the attempt count")
		expected := time.Duration(10<<attempt) * time.Second
		assert.InDelta(t, expected.Seconds(), delay.Seconds(), 3.0)
		lastDelay = delay

		rewindSchedule(t, job.ID)
	}
}

func TestFailExhaustsAttempts(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{MaxAttempts: 3})

	for range 3 {
		claimed, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, testQueue.Fail(ctx, job.ID, fmt.Errorf("boom")))
		rewindSchedule(t, job.ID)
	}

	got, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, got.Payload, "terminal failure must discard the payload")
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, "boom", got.Result.Error)
}

func TestFailTwiceThenComplete(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{MaxAttempts: 3})

	for range 2 {
		claimed, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, testQueue.Fail(ctx, job.ID, fmt.Errorf("transient")))
		rewindSchedule(t, job.ID)
	}

	claimed, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, testQueue.Complete(ctx, job.ID, &Result{Saved: 7}))

	got, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 7, got.Result.Saved)
}

func TestCompleteDiscardsPayloadAndStampsOnce(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{})
	_, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)

	require.NoError(t, testQueue.Complete(ctx, job.ID, &Result{Saved: 1}))

	first, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Empty(t, first.Payload)
	require.NotNil(t, first.CompletedAt)

	// A second completion call leaves the terminal state untouched.
	require.NoError(t, testQueue.Complete(ctx, job.ID, &Result{Saved: 99}))
	second, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt.UnixNano(), second.CompletedAt.UnixNano())
	assert.Equal(t, 1, second.Result.Saved)
}

func TestAdvanceMovesJobToNextPhase(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{})
	_, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)

	interim := &Result{Saved: 90, Skipped: 10, SkippedDetails: map[string]int{"duplicate": 10}}
	require.NoError(t, testQueue.Advance(ctx, job.ID, TypeVectorize,
		VectorizePayload{ProjectID: "p1"}, interim))

	got, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeVectorize, got.Type)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, StatusQueuedForVec, got.DisplayStatus())
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 90, got.Result.Saved)
	assert.Nil(t, got.StartedAt)

	claimed, err := testQueue.Claim(ctx, []JobType{TypeVectorize})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, StatusVectorizing, claimed.DisplayStatus())
}

func TestCancelPendingJobIsImmediate(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{})
	require.NoError(t, testQueue.Cancel(ctx, job.ID))

	got, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, got.Payload)
	require.NotNil(t, got.CompletedAt)

	claimed, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCancelProcessingJobIsCooperative(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{})
	_, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)

	require.NoError(t, testQueue.Cancel(ctx, job.ID))

	got, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status, "a processing job keeps running until the handler checks the flag")
	assert.True(t, got.CancelRequested)

	requested, err := testQueue.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, testQueue.MarkCancelled(ctx, job.ID, &Result{Saved: 40}))
	got, err = testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 40, got.Result.Saved)
}

func TestRetryIsOperatorOverride(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	job := enqueueIngest(t, EnqueueOptions{MaxAttempts: 1})
	_, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	require.NoError(t, testQueue.Fail(ctx, job.ID, fmt.Errorf("fatal")))

	got, err := testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	require.NoError(t, testQueue.Retry(ctx, job.ID))

	got, err = testQueue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.CancelRequested)
}

func TestStats(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	stats, err := testQueue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	for range 5 {
		enqueueIngest(t, EnqueueOptions{})
	}
	for range 2 {
		claimed, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, testQueue.Complete(ctx, claimed.ID, &Result{}))
	}

	stats, err = testQueue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 3, Processing: 0, Completed: 2, Failed: 0}, stats)
}

func TestCleanupNeverTouchesLiveJobs(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	oldCompleted := enqueueIngest(t, EnqueueOptions{})
	_, err := testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)
	require.NoError(t, testQueue.Complete(ctx, oldCompleted.ID, &Result{}))

	oldPending := enqueueIngest(t, EnqueueOptions{})
	oldProcessing := enqueueIngest(t, EnqueueOptions{})
	_, err = testQueue.Claim(ctx, []JobType{TypeIngestData})
	require.NoError(t, err)

	// Age everything far past the cutoff.
	_, err = testPool.Exec(ctx, `
		UPDATE jobs SET created_at = now() - interval '90 days',
		                completed_at = CASE WHEN completed_at IS NOT NULL
		                                    THEN now() - interval '90 days'
		                                    ELSE NULL END`)
	require.NoError(t, err)

	deleted, err := testQueue.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = testQueue.Get(ctx, oldCompleted.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	for _, id := range []uuid.UUID{oldPending.ID, oldProcessing.ID} {
		got, err := testQueue.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.Status.Terminal())
	}
}

func TestGetUnknownJob(t *testing.T) {
	resetJobs(t)

	_, err := testQueue.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}
