package async

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/cache"
	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/repository"
	"github.com/swiftai/cv-pipeline/internal/storage"
)

func TestPoolProcessesSubmittedJobs(t *testing.T) {
	var mu sync.Mutex
	seen := map[uuid.UUID]int{}

	pool := NewPool(func(_ context.Context, id uuid.UUID) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return nil
	}, WithWorkers(3), WithQueueSize(16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
		require.True(t, pool.Submit(ids[i]))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, pool.Shutdown(shutdownCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "each job runs exactly once")
	}
}

func TestPoolShedsLoadWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(func(ctx context.Context, _ uuid.UUID) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, WithWorkers(1), WithQueueSize(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// first submit is picked up by the worker, second fills the queue
	assert.True(t, pool.Submit(uuid.New()))
	// give the worker a moment to pull the first id off the queue
	deadline := time.Now().Add(time.Second)
	for !pool.Submit(uuid.New()) {
		require.True(t, time.Now().Before(deadline), "queue slot never freed")
		time.Sleep(5 * time.Millisecond)
	}

	assert.False(t, pool.Submit(uuid.New()), "full queue must shed, not block")

	close(block)
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, pool.Shutdown(shutdownCtx))

	assert.False(t, pool.Submit(uuid.New()), "submit after shutdown is refused")
}

func TestPoolShutdownTimesOutOnStuckWorker(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool := NewPool(func(_ context.Context, _ uuid.UUID) error {
		<-block
		return nil
	}, WithWorkers(1), WithQueueSize(4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	require.True(t, pool.Submit(uuid.New()))

	shutdownCtx, done := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer done()
	assert.ErrorIs(t, pool.Shutdown(shutdownCtx), context.DeadlineExceeded)
}

// ---- sweeper ----

type sweepEnv struct {
	jobs   repository.JobRepository
	docs   repository.DocumentRepository
	leases repository.LeaseRepository
	store  *storage.FSStore
	index  *cache.Index
	cfg    common.PipelineConfig
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	db := openTestDB(t)
	store, err := storage.NewFSStore(filepath.Join(t.TempDir(), "artifacts"), nil)
	require.NoError(t, err)
	return &sweepEnv{
		jobs:   repository.NewJobRepository(db, nil),
		docs:   repository.NewDocumentRepository(db, nil),
		leases: repository.NewLeaseRepository(db, nil),
		store:  store,
		index:  cache.NewIndex(time.Hour),
		cfg: common.PipelineConfig{
			StaleAfter:    15 * time.Minute,
			RetentionTTL:  30 * 24 * time.Hour,
			SweepInterval: time.Minute,
		},
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := repository.Open(context.Background(), repository.Config{
		DSN: "file:" + filepath.Join(t.TempDir(), "sweep.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (e *sweepEnv) newSweeper() *Sweeper {
	return NewSweeper(e.cfg, e.jobs, e.leases, e.store, e.index, nil)
}

func (e *sweepEnv) createJob(t *testing.T, docHash string, states ...constants.JobState) *repository.Job {
	t.Helper()
	job := &repository.Job{
		ID:              uuid.New(),
		DocumentHash:    docHash,
		PipelineVersion: constants.PipelineVersion,
		TemplateID:      "standard",
		State:           constants.JobStateQueued,
	}
	require.NoError(t, e.jobs.Create(context.Background(), job))
	from := constants.JobStateQueued
	for _, to := range states {
		ok, err := e.jobs.Transition(context.Background(), job.ID, from, to, repository.StateUpdate{})
		require.NoError(t, err)
		require.True(t, ok)
		from = to
	}
	job.State = from
	return job
}

func TestSweepFailsStaleRunningJob(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	running := env.createJob(t, "doc-stale", constants.JobStateClassifying, constants.JobStateExtracting)
	queued := env.createJob(t, "doc-queued")

	var dispatched []uuid.UUID
	sw := env.newSweeper()
	sw.OnPromote(func(id uuid.UUID) { dispatched = append(dispatched, id) })

	// sweep from a point past the staleness window
	stats, err := sw.SweepOnce(ctx, time.Now().UTC().Add(env.cfg.StaleAfter+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StaleFailed)
	assert.Equal(t, 1, stats.Redispatched)
	assert.Equal(t, []uuid.UUID{queued.ID}, dispatched, "queued job is re-dispatched, not failed")

	got, err := env.jobs.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateFailed, got.State)
	assert.Equal(t, "TIMEOUT", got.ErrorCode)
	assert.Equal(t, 1, got.Attempts)

	gotQueued, err := env.jobs.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateQueued, gotQueued.State)
}

func TestSweepPromotesDueRetries(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := env.createJob(t, "doc-retry", constants.JobStateClassifying)
	ok, err := env.jobs.Transition(ctx, job.ID, constants.JobStateClassifying, constants.JobStateRetryScheduled,
		repository.StateUpdate{IncrementAttempt: true, ErrorCode: "ENGINE_FAILURE", NextRetryAt: now.Add(-time.Second)})
	require.NoError(t, err)
	require.True(t, ok)

	var dispatched []uuid.UUID
	sw := env.newSweeper()
	sw.OnPromote(func(id uuid.UUID) { dispatched = append(dispatched, id) })

	stats, err := sw.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RetriesPromoted)
	assert.Zero(t, stats.StaleFailed, "a scheduled retry is never stale-failed")
	assert.Equal(t, []uuid.UUID{job.ID}, dispatched)

	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateQueued, got.State)
	assert.Equal(t, 1, got.Attempts, "promotion keeps the attempt count")
}

func TestSweepExpiresOldArtifacts(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	const docHash = "doc-expired"
	_, err := env.docs.Upsert(ctx, repository.Document{Hash: docHash, MediaType: constants.MediaPDF, SizeBytes: 3, UploadedAt: time.Now()})
	require.NoError(t, err)
	_, err = env.store.Put(ctx, docHash, constants.ArtifactRaw, []byte("pdf"))
	require.NoError(t, err)
	_, err = env.store.Put(ctx, docHash, constants.ArtifactExtractedText, []byte("{}"))
	require.NoError(t, err)
	env.index.Done(cache.ExtractedTextKey(docHash), docHash)

	job := env.createJob(t, docHash,
		constants.JobStateClassifying, constants.JobStateExtracting,
		constants.JobStateNormalizing, constants.JobStateRendering, constants.JobStateSucceeded)

	sw := env.newSweeper()
	stats, err := sw.SweepOnce(ctx, time.Now().UTC().Add(env.cfg.RetentionTTL+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	exists, err := env.store.Exists(ctx, docHash, constants.ArtifactRaw)
	require.NoError(t, err)
	assert.False(t, exists, "artifact group is gone")

	_, ok := env.index.Lookup(cache.ExtractedTextKey(docHash))
	assert.False(t, ok, "cache index invalidated")

	_, err = env.jobs.Get(ctx, job.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound), "job row deleted")

	_, err = env.docs.Get(ctx, docHash)
	assert.NoError(t, err, "document row survives retention")
}

func TestSweepSkipsExpiryWhileDocumentBusy(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	const docHash = "doc-busy"
	_, err := env.store.Put(ctx, docHash, constants.ArtifactRaw, []byte("pdf"))
	require.NoError(t, err)

	env.createJob(t, docHash,
		constants.JobStateClassifying, constants.JobStateExtracting,
		constants.JobStateNormalizing, constants.JobStateRendering, constants.JobStateSucceeded)
	// a second, still-pending job for the same document
	env.createJob(t, docHash)

	sw := env.newSweeper()
	stats, err := sw.SweepOnce(ctx, time.Now().UTC().Add(env.cfg.RetentionTTL+time.Hour))
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)

	exists, err := env.store.Exists(ctx, docHash, constants.ArtifactRaw)
	require.NoError(t, err)
	assert.True(t, exists, "artifacts kept while any job is non-terminal")
}

func TestSweepSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.createJob(t, "doc-x", constants.JobStateClassifying, constants.JobStateExtracting)

	held, err := env.leases.Acquire(ctx, sweepLease, "another-process", time.Hour, now)
	require.NoError(t, err)
	require.True(t, held)

	sw := env.newSweeper()
	stats, err := sw.SweepOnce(ctx, now.Add(env.cfg.StaleAfter+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, stats, "no work without the lease")
}
