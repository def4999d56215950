package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/cache"
	"github.com/swiftai/cv-pipeline/internal/classify"
	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/extract"
	"github.com/swiftai/cv-pipeline/internal/normalize"
	"github.com/swiftai/cv-pipeline/internal/pdftest"
	"github.com/swiftai/cv-pipeline/internal/render"
	"github.com/swiftai/cv-pipeline/internal/repository"
	"github.com/swiftai/cv-pipeline/internal/storage"
)

const resumeText = "Jane Doe\njane@example.com | +1 415 555 0100\n\nExperience\nBuilt document systems since 2015.\n\nSkills\nGo, SQL"

// extractStub scripts the extraction engines per command name.
type extractStub struct {
	pdftotextCalls int
	tesseractCalls int

	pdftotextErr error
	tesseractErr error
	text         string
}

func (s *extractStub) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	switch {
	case strings.Contains(name, "pdftotext"):
		s.pdftotextCalls++
		if s.pdftotextErr != nil {
			return nil, nil, s.pdftotextErr
		}
		return []byte(s.text), nil, nil
	case strings.Contains(name, "pdftoppm"):
		prefix := args[len(args)-1]
		return nil, nil, os.WriteFile(prefix+"-1.png", []byte("png"), 0o600)
	case strings.Contains(name, "tesseract"):
		s.tesseractCalls++
		if s.tesseractErr != nil {
			return nil, nil, s.tesseractErr
		}
		return []byte(s.text), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown command %q", name)
	}
}

// renderStub produces a deterministic PDF derived from the input HTML.
type renderStub struct {
	calls int
	fail  error // consumed on first use
}

func (s *renderStub) Run(_ context.Context, _ []string, _ string, args ...string) ([]byte, error) {
	s.calls++
	if s.fail != nil {
		err := s.fail
		s.fail = nil
		return nil, err
	}
	html, err := os.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(html)
	pdf := pdftest.WithText(fmt.Sprintf("rendered %x", sum[:8]))
	return nil, os.WriteFile(args[1], pdf, 0o644)
}

type testEnv struct {
	orch    *Orchestrator
	jobs    repository.JobRepository
	docs    repository.DocumentRepository
	store   *storage.FSStore
	index   *cache.Index
	extract *extractStub
	render  *renderStub
}

func newTestEnv(t *testing.T, cfg common.PipelineConfig) *testEnv {
	t.Helper()
	db, err := repository.Open(context.Background(), repository.Config{
		DSN: "file:" + filepath.Join(t.TempDir(), "pipeline.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.NewFSStore(filepath.Join(t.TempDir(), "artifacts"), nil)
	require.NoError(t, err)

	registry, err := render.NewRegistry("", nil)
	require.NoError(t, err)

	es := &extractStub{text: resumeText}
	rs := &renderStub{}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}

	env := &testEnv{
		jobs:    repository.NewJobRepository(db, nil),
		docs:    repository.NewDocumentRepository(db, nil),
		store:   store,
		index:   cache.NewIndex(time.Hour),
		extract: es,
		render:  rs,
	}
	env.orch = New(cfg, Deps{
		Store:      store,
		Documents:  env.docs,
		Jobs:       env.jobs,
		Classifier: classify.NewClassifier(nil),
		Extractor:  extract.NewExtractor(extract.Config{MinCharsPerPage: 10}, nil).WithRunner(es),
		Normalizer: normalize.NewNormalizer(nil),
		Renderer:   render.NewRenderer(render.Config{}, registry, nil).WithRunner(rs),
		Templates:  registry,
		Index:      env.index,
	}, nil)
	return env
}

func (e *testEnv) runToCompletion(t *testing.T, res SubmitResult) *repository.Job {
	t.Helper()
	require.NoError(t, e.orch.ProcessJob(context.Background(), res.JobID))
	job, err := e.jobs.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	return job
}

func TestPipelineTextPDFEndToEnd(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()

	doc := pdftest.WithText("Jane Doe jane@example.com resume body with enough text")
	res, err := env.orch.Submit(ctx, doc, "")
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, constants.JobStateQueued, res.State)

	job := env.runToCompletion(t, res)
	assert.Equal(t, constants.JobStateSucceeded, job.State)
	assert.Equal(t, "render", job.LastStage)
	assert.NotEmpty(t, job.RenderedChecksum)
	assert.Zero(t, env.extract.tesseractCalls, "text-layer pdf never hits ocr")

	// every intermediate artifact is durable
	for _, kind := range []constants.ArtifactKind{
		constants.ArtifactRaw, constants.ArtifactExtractedText, constants.ArtifactCanonical,
	} {
		ok, err := env.store.Exists(ctx, res.DocumentHash, kind)
		require.NoError(t, err)
		assert.True(t, ok, "missing %s", kind)
	}

	canonical, err := env.store.Get(ctx, res.DocumentHash, constants.ArtifactCanonical)
	require.NoError(t, err)
	var cdoc normalize.CanonicalDoc
	require.NoError(t, json.Unmarshal(canonical, &cdoc))
	assert.Equal(t, "jane@example.com", cdoc.Contact["email"])

	pdf, _, err := env.orch.Artifact(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.RenderedChecksum, storage.HashBytes(pdf))
}

// A cached extraction that no longer decodes must not fail the job; the
// engines run again as if the cache entry were absent.
func TestPipelineCorruptCachedExtractionIsRebuilt(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()

	doc := pdftest.WithText("Jane Doe jane@example.com resume body with enough text")
	_, err := env.store.Put(ctx, storage.HashBytes(doc), constants.ArtifactExtractedText, []byte("{not json"))
	require.NoError(t, err)

	res, err := env.orch.Submit(ctx, doc, "")
	require.NoError(t, err)

	job := env.runToCompletion(t, res)
	assert.Equal(t, constants.JobStateSucceeded, job.State)
	assert.Positive(t, env.extract.pdftotextCalls, "corrupt cache entry must be re-extracted")
}

func TestPipelineImageOnlyPDFUsesOCR(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()

	res, err := env.orch.Submit(ctx, pdftest.ImageOnly(), "")
	require.NoError(t, err)

	job := env.runToCompletion(t, res)
	assert.Equal(t, constants.JobStateSucceeded, job.State)
	assert.Positive(t, env.extract.tesseractCalls, "image-only pdf must ocr")

	raw, err := env.store.Get(ctx, res.DocumentHash, constants.ArtifactExtractedText)
	require.NoError(t, err)
	var extracted extract.Result
	require.NoError(t, json.Unmarshal(raw, &extracted))
	assert.True(t, extracted.UsedOCR())
}

func TestPipelineRejectsUnsupportedBytesWithoutJob(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()

	_, err := env.orch.Submit(ctx, []byte("plain text, no signature"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnsupportedFormat))

	hash := storage.HashBytes([]byte("plain text, no signature"))
	_, err = env.jobs.FindActive(ctx, hash, constants.PipelineVersion)
	assert.True(t, errors.Is(err, common.ErrNotFound), "no job row for rejected bytes")
	_, err = env.docs.Get(ctx, hash)
	assert.True(t, errors.Is(err, common.ErrNotFound), "no document row for rejected bytes")
}

func TestPipelineIdenticalBytesReuseJob(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()
	doc := pdftest.WithText("same bytes every time, plenty of text here")

	first, err := env.orch.Submit(ctx, doc, "")
	require.NoError(t, err)

	// resubmission while the job is still queued joins it
	second, err := env.orch.Submit(ctx, doc, "")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.Reused)
	assert.True(t, second.Deduplicated)

	env.runToCompletion(t, first)

	// resubmission after success is served from the finished job
	third, err := env.orch.Submit(ctx, doc, "")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, third.JobID)
	assert.True(t, third.Reused)
	assert.Equal(t, constants.JobStateSucceeded, third.State)
}

func TestPipelineTransientFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{MaxAttempts: 3})
	ctx := context.Background()

	env.extract.pdftotextErr = common.WrapError(common.ErrEngineFailure, "signal: killed")
	res, err := env.orch.Submit(ctx, pdftest.WithText("transient trouble ahead, long enough text"), "")
	require.NoError(t, err)

	err = env.orch.ProcessJob(ctx, res.JobID)
	require.Error(t, err)

	job, err := env.jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateRetryScheduled, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "ENGINE_FAILURE", job.ErrorCode)
	assert.True(t, job.NextRetryAt.After(time.Now().Add(-time.Second)))

	// next attempt succeeds
	env.extract.pdftotextErr = nil
	ok, err := env.jobs.Transition(ctx, res.JobID, constants.JobStateRetryScheduled, constants.JobStateQueued,
		repository.StateUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	job = env.runToCompletion(t, SubmitResult{JobID: res.JobID})
	assert.Equal(t, constants.JobStateSucceeded, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestPipelineMaxAttemptsBound(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{MaxAttempts: 2})
	ctx := context.Background()

	res, err := env.orch.Submit(ctx, pdftest.WithText("never going to extract, long enough text"), "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		env.extract.pdftotextErr = common.WrapError(common.ErrEngineFailure, "signal: killed")
		_ = env.orch.ProcessJob(ctx, res.JobID)
		job, err := env.jobs.Get(ctx, res.JobID)
		require.NoError(t, err)
		if job.State == constants.JobStateRetryScheduled {
			ok, err := env.jobs.Transition(ctx, res.JobID, constants.JobStateRetryScheduled, constants.JobStateQueued,
				repository.StateUpdate{})
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	job, err := env.jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateFailed, job.State)
	assert.Equal(t, 2, job.Attempts, "attempts never exceed the bound")
	assert.Equal(t, "ENGINE_FAILURE", job.ErrorCode)
}

func TestPipelinePermanentFailureNeverRetries(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{MaxAttempts: 3})
	ctx := context.Background()

	// every page fails both native extraction and ocr: permanent
	env.extract.pdftotextErr = errors.New("exit status 1")
	env.extract.tesseractErr = errors.New("exit status 1")

	res, err := env.orch.Submit(ctx, pdftest.WithText("content the engines refuse to read"), "")
	require.NoError(t, err)

	err = env.orch.ProcessJob(ctx, res.JobID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrExtractionFailed))

	job, err := env.jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateFailed, job.State, "permanent failure skips the retry path")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "EXTRACTION_FAILED", job.ErrorCode)
}

func TestPipelineCancelBeforeStart(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()

	res, err := env.orch.Submit(ctx, pdftest.WithText("cancel me before anything happens"), "")
	require.NoError(t, err)

	accepted, err := env.orch.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.True(t, accepted)

	job, err := env.jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateCanceled, job.State)

	// a worker picking it up afterwards is a no-op
	require.NoError(t, env.orch.ProcessJob(ctx, res.JobID))
	job, err = env.jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateCanceled, job.State)
}

func TestPipelineCancelAfterSuccessIsRefused(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()

	res, err := env.orch.Submit(ctx, pdftest.WithText("finished before the cancel arrives"), "")
	require.NoError(t, err)
	env.runToCompletion(t, res)

	accepted, err := env.orch.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.False(t, accepted)

	job, err := env.jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateSucceeded, job.State)
}

func TestPipelineSecondJobReusesCachedArtifacts(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	ctx := context.Background()

	res, err := env.orch.Submit(ctx, pdftest.WithText("cache me once, reuse me later"), "")
	require.NoError(t, err)
	first := env.runToCompletion(t, res)

	extractCalls := env.extract.pdftotextCalls
	renderCalls := env.render.calls

	// a fresh job for the same document must not redo engine work
	again := &repository.Job{
		ID:              uuid.New(),
		DocumentHash:    res.DocumentHash,
		PipelineVersion: constants.PipelineVersion,
		TemplateID:      first.TemplateID,
		State:           constants.JobStateQueued,
	}
	require.NoError(t, env.jobs.Create(ctx, again))

	require.NoError(t, env.orch.ProcessJob(ctx, again.ID))
	job, err := env.jobs.Get(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateSucceeded, job.State)
	assert.Equal(t, first.RenderedChecksum, job.RenderedChecksum, "render is byte-identical")

	assert.Equal(t, extractCalls, env.extract.pdftotextCalls, "extraction served from cache")
	assert.Equal(t, renderCalls, env.render.calls, "render served from cache")
}

func TestPipelineUnknownTemplateRejectedAtSubmit(t *testing.T) {
	env := newTestEnv(t, common.PipelineConfig{})
	_, err := env.orch.Submit(context.Background(), pdftest.WithText("whatever content"), "no-such-template")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTemplateNotFound))
}
