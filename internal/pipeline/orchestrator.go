// Package pipeline sequences classify, extract, normalize and render for
// one document per job. The orchestrator owns every state transition and
// the retry policy; stages only classify their failures. Workers race for
// a job through the QUEUED -> CLASSIFYING compare-and-set, so a job body
// runs at most once per attempt.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/cache"
	"github.com/swiftai/cv-pipeline/internal/classify"
	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/extract"
	"github.com/swiftai/cv-pipeline/internal/normalize"
	"github.com/swiftai/cv-pipeline/internal/render"
	"github.com/swiftai/cv-pipeline/internal/repository"
	"github.com/swiftai/cv-pipeline/internal/storage"
)

// DefaultTemplateID is used when a submission names no template.
const DefaultTemplateID = "standard"

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Store      storage.ArtifactStore
	Documents  repository.DocumentRepository
	Jobs       repository.JobRepository
	Classifier *classify.Classifier
	Extractor  *extract.Extractor
	Normalizer *normalize.Normalizer
	Renderer   *render.Renderer
	Templates  *render.Registry
	Index      *cache.Index
}

type Orchestrator struct {
	cfg        common.PipelineConfig
	store      storage.ArtifactStore
	docs       repository.DocumentRepository
	jobs       repository.JobRepository
	classifier *classify.Classifier
	extractor  *extract.Extractor
	normalizer *normalize.Normalizer
	renderer   *render.Renderer
	registry   *render.Registry
	index      *cache.Index
	logger     *slog.Logger
	dispatch   func(uuid.UUID)
}

func New(cfg common.PipelineConfig, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		docs:       deps.Documents,
		jobs:       deps.Jobs,
		classifier: deps.Classifier,
		extractor:  deps.Extractor,
		normalizer: deps.Normalizer,
		renderer:   deps.Renderer,
		registry:   deps.Templates,
		index:      deps.Index,
		logger:     logger,
	}
}

// OnEnqueue registers the hook that hands freshly queued job ids to the
// worker pool. Without it jobs wait for the next sweep.
func (o *Orchestrator) OnEnqueue(fn func(uuid.UUID)) {
	o.dispatch = fn
}

// SubmitResult is the submission receipt.
type SubmitResult struct {
	JobID        uuid.UUID          `json:"job_id"`
	DocumentHash string             `json:"document_hash"`
	State        constants.JobState `json:"state"`
	Reused       bool               `json:"reused"`
	Deduplicated bool               `json:"deduplicated"`
}

// Submit records the upload and returns a job for it. Identical bytes
// resubmitted while a job is active, or after one succeeded for the same
// template, reuse that job instead of reprocessing. Unsupported bytes are
// rejected before any job exists.
func (o *Orchestrator) Submit(ctx context.Context, data []byte, templateID string) (SubmitResult, error) {
	if len(data) == 0 {
		return SubmitResult{}, common.NewAppError("INVALID_INPUT", "empty upload", common.ErrInvalidInput)
	}
	if templateID == "" {
		templateID = DefaultTemplateID
	}
	if _, err := o.registry.Resolve(templateID); err != nil {
		return SubmitResult{}, err
	}
	cls, err := o.classifier.Classify(data)
	if err != nil {
		return SubmitResult{}, err
	}

	log := o.logger
	if reqID := common.RequestIDFromContext(ctx); reqID != "" {
		log = log.With("request_id", reqID)
	}

	hash := storage.HashBytes(data)
	if _, err := o.store.Put(ctx, hash, constants.ArtifactRaw, data); err != nil {
		return SubmitResult{}, err
	}
	dedup, err := o.docs.Upsert(ctx, repository.Document{
		Hash:       hash,
		MediaType:  cls.MediaType,
		SizeBytes:  int64(len(data)),
		UploadedAt: time.Now().UTC(),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	// at most one non-terminal job per (document, pipeline version)
	if active, err := o.jobs.FindActive(ctx, hash, constants.PipelineVersion); err == nil {
		log.Info("submission joined active job", "job_id", active.ID, "doc_hash", hash)
		return SubmitResult{JobID: active.ID, DocumentHash: hash, State: active.State, Reused: true, Deduplicated: dedup}, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return SubmitResult{}, err
	}
	if done, err := o.jobs.FindSucceeded(ctx, hash, constants.PipelineVersion, templateID); err == nil {
		log.Info("submission served from finished job", "job_id", done.ID, "doc_hash", hash)
		return SubmitResult{JobID: done.ID, DocumentHash: hash, State: done.State, Reused: true, Deduplicated: dedup}, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return SubmitResult{}, err
	}

	job := &repository.Job{
		ID:              uuid.New(),
		DocumentHash:    hash,
		PipelineVersion: constants.PipelineVersion,
		TemplateID:      templateID,
		State:           constants.JobStateQueued,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		// a concurrent submit of the same bytes won the insert; join it
		if errors.Is(err, repository.ErrActiveJobExists) {
			if active, aerr := o.jobs.FindActive(ctx, hash, constants.PipelineVersion); aerr == nil {
				log.Info("submission joined active job", "job_id", active.ID, "doc_hash", hash)
				return SubmitResult{JobID: active.ID, DocumentHash: hash, State: active.State, Reused: true, Deduplicated: dedup}, nil
			}
		}
		return SubmitResult{}, err
	}
	o.enqueue(job.ID)
	return SubmitResult{JobID: job.ID, DocumentHash: hash, State: job.State, Deduplicated: dedup}, nil
}

// Poll returns the current job row.
func (o *Orchestrator) Poll(ctx context.Context, id uuid.UUID) (*repository.Job, error) {
	return o.jobs.Get(ctx, id)
}

// Cancel requests cancellation. It returns false for jobs past the point
// of no return; those run to completion so cached work is not abandoned.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	if _, err := o.jobs.Get(ctx, id); err != nil {
		return false, err
	}
	return o.jobs.RequestCancel(ctx, id)
}

// Artifact returns the rendered PDF of a succeeded job.
func (o *Orchestrator) Artifact(ctx context.Context, id uuid.UUID) ([]byte, *repository.Job, error) {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.State != constants.JobStateSucceeded {
		return nil, job, common.NewAppError("NOT_READY",
			"job is "+string(job.State)+", artifact exists only for SUCCEEDED jobs", common.ErrInvalidInput)
	}
	pdf, err := o.store.Get(ctx, job.DocumentHash, constants.RenderedKind(job.RenderedChecksum))
	if err != nil {
		return nil, job, err
	}
	return pdf, job, nil
}

// ProcessJob runs a QUEUED job until it reaches a terminal state or a
// scheduled retry. Safe to call concurrently for the same id: the losing
// caller's CAS fails and it walks away.
func (o *Orchestrator) ProcessJob(ctx context.Context, id uuid.UUID) error {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != constants.JobStateQueued {
		o.logger.Debug("job not queued, skipping", "job_id", id, "state", job.State)
		return nil
	}
	ok, err := o.jobs.Transition(ctx, id, constants.JobStateQueued, constants.JobStateClassifying,
		repository.StateUpdate{LastStage: "classify"})
	if err != nil || !ok {
		return err
	}

	ctx = common.WithContentHash(ctx, job.DocumentHash)
	log := o.logger.With("job_id", id, "doc_hash", job.DocumentHash)

	raw, err := o.store.Get(ctx, job.DocumentHash, constants.ArtifactRaw)
	if err != nil {
		return o.settle(ctx, job, constants.JobStateClassifying, err)
	}

	var cls classify.Classification
	err = o.stage(ctx, func(ctx context.Context) error {
		var cerr error
		cls, cerr = o.classifier.Classify(raw)
		return cerr
	})
	if err != nil {
		return o.settle(ctx, job, constants.JobStateClassifying, err)
	}

	// the last suspension point where a cancel request still wins
	if flagged, ferr := o.jobs.CancelRequested(ctx, id); ferr == nil && flagged {
		if ok, _ := o.jobs.Transition(ctx, id, constants.JobStateClassifying, constants.JobStateCanceled,
			repository.StateUpdate{}); ok {
			log.Info("job canceled")
			return nil
		}
	}

	if ok, err := o.jobs.Transition(ctx, id, constants.JobStateClassifying, constants.JobStateExtracting,
		repository.StateUpdate{LastStage: "extract"}); err != nil || !ok {
		return err
	}

	res, err := o.extractText(ctx, job.DocumentHash, raw, cls)
	if err != nil {
		return o.settle(ctx, job, constants.JobStateExtracting, err)
	}

	if ok, err := o.jobs.Transition(ctx, id, constants.JobStateExtracting, constants.JobStateNormalizing,
		repository.StateUpdate{LastStage: "normalize"}); err != nil || !ok {
		return err
	}

	doc := o.normalizer.Normalize(res)
	canonical, err := json.Marshal(doc)
	if err != nil {
		return o.settle(ctx, job, constants.JobStateNormalizing,
			common.NewAppError("INVALID_INPUT", "canonical document not encodable", common.ErrInvalidInput))
	}
	if _, err := o.store.Put(ctx, job.DocumentHash, constants.ArtifactCanonical, canonical); err != nil {
		return o.settle(ctx, job, constants.JobStateNormalizing, err)
	}

	if ok, err := o.jobs.Transition(ctx, id, constants.JobStateNormalizing, constants.JobStateRendering,
		repository.StateUpdate{LastStage: "render"}); err != nil || !ok {
		return err
	}

	art, err := o.renderDoc(ctx, job, doc)
	if err != nil {
		return o.settle(ctx, job, constants.JobStateRendering, err)
	}

	if ok, err := o.jobs.Transition(ctx, id, constants.JobStateRendering, constants.JobStateSucceeded,
		repository.StateUpdate{RenderedChecksum: art.Checksum}); err != nil || !ok {
		return err
	}
	log.Info("job succeeded", "pages", art.PageCount, "pdf_checksum", art.Checksum[:12], "used_ocr", res.UsedOCR())
	return nil
}

// extractText returns the cached extraction when present; otherwise it
// runs the engines and publishes the result. The store's write-once Put
// makes a lost claim race harmless.
func (o *Orchestrator) extractText(ctx context.Context, hash string, raw []byte, cls classify.Classification) (extract.Result, error) {
	key := cache.ExtractedTextKey(hash)

	if cached, err := o.store.Get(ctx, hash, constants.ArtifactExtractedText); err == nil {
		var res extract.Result
		jerr := json.Unmarshal(cached, &res)
		if jerr == nil {
			o.logger.Debug("extraction cache hit", "doc_hash", hash)
			o.index.Done(key, hash)
			return res, nil
		}
		o.logger.Warn("cached extraction unreadable, re-extracting", "doc_hash", hash, "error", jerr)
	}

	claimed := o.index.Claim(key)
	var res extract.Result
	err := o.stage(ctx, func(ctx context.Context) error {
		var e error
		res, e = o.extractor.Extract(ctx, raw, cls)
		return e
	})
	if err != nil {
		if claimed {
			o.index.Release(key)
		}
		return extract.Result{}, err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		if claimed {
			o.index.Release(key)
		}
		return extract.Result{}, common.NewAppError("INVALID_INPUT", "extraction result not encodable", common.ErrInvalidInput)
	}
	if _, err := o.store.Put(ctx, hash, constants.ArtifactExtractedText, payload); err != nil {
		if claimed {
			o.index.Release(key)
		}
		return extract.Result{}, err
	}
	o.index.Done(key, hash)
	return res, nil
}

// renderDoc renders the canonical document, reusing a cached render when
// the (document, template, template checksum) triple has one.
func (o *Orchestrator) renderDoc(ctx context.Context, job *repository.Job, doc normalize.CanonicalDoc) (render.Artifact, error) {
	tmpl, err := o.registry.Resolve(job.TemplateID)
	if err != nil {
		return render.Artifact{}, err
	}
	key := cache.RenderedKey(job.DocumentHash, job.TemplateID, tmpl.Checksum)

	if checksum, ok := o.index.Lookup(key); ok {
		if pdf, gerr := o.store.Get(ctx, job.DocumentHash, constants.RenderedKind(checksum)); gerr == nil {
			o.logger.Debug("render cache hit", "doc_hash", job.DocumentHash, "template_id", job.TemplateID)
			return render.Artifact{
				TemplateID:       job.TemplateID,
				TemplateChecksum: tmpl.Checksum,
				ByteSize:         len(pdf),
				Checksum:         checksum,
				PDF:              pdf,
			}, nil
		}
	}

	claimed := o.index.Claim(key)
	var art render.Artifact
	err = o.stage(ctx, func(ctx context.Context) error {
		var e error
		art, e = o.renderer.Render(ctx, job.TemplateID, doc)
		return e
	})
	if err != nil {
		if claimed {
			o.index.Release(key)
		}
		return render.Artifact{}, err
	}
	if _, err := o.store.Put(ctx, job.DocumentHash, constants.RenderedKind(art.Checksum), art.PDF); err != nil {
		if claimed {
			o.index.Release(key)
		}
		return render.Artifact{}, err
	}
	o.index.Done(key, art.Checksum)
	return art, nil
}

// settle records a stage failure: a transient failure with attempts left
// is scheduled for retry with exponential backoff, everything else is
// terminal. The returned error is always the original cause.
func (o *Orchestrator) settle(ctx context.Context, job *repository.Job, from constants.JobState, cause error) error {
	upd := repository.StateUpdate{
		IncrementAttempt: true,
		ErrorCode:        common.ErrorCode(cause),
		ErrorSummary:     truncate(cause.Error(), 512),
	}
	attempt := job.Attempts + 1

	if common.IsTransient(cause) && attempt < o.cfg.MaxAttempts {
		upd.NextRetryAt = time.Now().UTC().Add(o.backoffDelay(attempt))
		if ok, err := o.jobs.Transition(ctx, job.ID, from, constants.JobStateRetryScheduled, upd); err == nil && ok {
			o.logger.Warn("job retry scheduled",
				"job_id", job.ID, "attempt", attempt, "error_code", upd.ErrorCode, "next_retry_at", upd.NextRetryAt)
			return cause
		}
	}

	if _, err := o.jobs.Transition(ctx, job.ID, from, constants.JobStateFailed, upd); err != nil {
		o.logger.Error("recording job failure failed", "job_id", job.ID, "error", err)
	}
	o.logger.Error("job failed",
		"job_id", job.ID, "stage", string(from), "attempt", attempt, "error_code", upd.ErrorCode, "error", cause)
	return cause
}

// backoffDelay computes the delay before the given 1-based retry attempt.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (o *Orchestrator) stage(ctx context.Context, fn func(context.Context) error) error {
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (o *Orchestrator) enqueue(id uuid.UUID) {
	if o.dispatch != nil {
		o.dispatch(id)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
