package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/cache"
	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/repository"
	"github.com/swiftai/cv-pipeline/internal/storage"
)

const (
	sweepLease = "housekeeping"
	sweepBatch = 200
)

// SweepStats summarizes one housekeeping pass.
type SweepStats struct {
	StaleFailed     int
	Redispatched    int
	RetriesPromoted int
	Expired         int
}

// Sweeper runs the periodic housekeeping pass: fail stale jobs, promote
// due retries back to QUEUED, and expire artifacts of old terminal jobs.
// A database lease keeps sweeps mutually exclusive across processes.
type Sweeper struct {
	cfg      common.PipelineConfig
	jobs     repository.JobRepository
	leases   repository.LeaseRepository
	store    storage.ArtifactStore
	index    *cache.Index
	holder   string
	dispatch func(uuid.UUID)
	logger   *slog.Logger
}

func NewSweeper(cfg common.PipelineConfig, jobs repository.JobRepository, leases repository.LeaseRepository,
	store storage.ArtifactStore, index *cache.Index, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 3 * time.Minute
	}
	return &Sweeper{
		cfg:    cfg,
		jobs:   jobs,
		leases: leases,
		store:  store,
		index:  index,
		holder: uuid.NewString(),
		logger: logger,
	}
}

// OnPromote registers the hook that hands promoted and re-dispatched job
// ids to the worker pool.
func (s *Sweeper) OnPromote(fn func(uuid.UUID)) {
	s.dispatch = fn
}

// Run sweeps on a fixed interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("housekeeping sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single pass. It is a no-op when another process holds
// the lease.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	got, err := s.leases.Acquire(ctx, sweepLease, s.holder, 2*s.cfg.SweepInterval, now)
	if err != nil {
		return stats, err
	}
	if !got {
		s.logger.Debug("sweep lease held elsewhere, skipping")
		return stats, nil
	}
	defer func() { _ = s.leases.Release(ctx, sweepLease, s.holder) }()

	if err := s.sweepStale(ctx, now, &stats); err != nil {
		return stats, err
	}
	if err := s.promoteRetries(ctx, now, &stats); err != nil {
		return stats, err
	}
	if err := s.expireArtifacts(ctx, now, &stats); err != nil {
		return stats, err
	}

	if stats != (SweepStats{}) {
		s.logger.Info("housekeeping sweep done",
			"stale_failed", stats.StaleFailed,
			"redispatched", stats.Redispatched,
			"retries_promoted", stats.RetriesPromoted,
			"expired", stats.Expired,
		)
	}
	return stats, nil
}

// sweepStale fails running jobs whose worker made no progress within
// StaleAfter, and re-dispatches QUEUED jobs the pool dropped under load.
func (s *Sweeper) sweepStale(ctx context.Context, now time.Time, stats *SweepStats) error {
	stale, err := s.jobs.Stale(ctx, now.Add(-s.cfg.StaleAfter), sweepBatch)
	if err != nil {
		return err
	}
	for _, j := range stale {
		switch j.State {
		case constants.JobStateQueued:
			s.enqueue(j.ID)
			stats.Redispatched++
		case constants.JobStateRetryScheduled:
			// handled by promotion once its backoff elapses
		default:
			ok, terr := s.jobs.Transition(ctx, j.ID, j.State, constants.JobStateFailed, repository.StateUpdate{
				IncrementAttempt: true,
				ErrorCode:        "TIMEOUT",
				ErrorSummary:     "no progress within " + s.cfg.StaleAfter.String(),
			})
			if terr != nil {
				s.logger.Warn("failing stale job failed", "job_id", j.ID, "error", terr)
				continue
			}
			if ok {
				s.logger.Warn("stale job failed by sweep", "job_id", j.ID, "stage", j.LastStage)
				stats.StaleFailed++
			}
		}
	}
	return nil
}

func (s *Sweeper) promoteRetries(ctx context.Context, now time.Time, stats *SweepStats) error {
	due, err := s.jobs.DueRetries(ctx, now, sweepBatch)
	if err != nil {
		return err
	}
	for _, j := range due {
		ok, terr := s.jobs.Transition(ctx, j.ID, constants.JobStateRetryScheduled, constants.JobStateQueued,
			repository.StateUpdate{})
		if terr != nil {
			s.logger.Warn("promoting retry failed", "job_id", j.ID, "error", terr)
			continue
		}
		if ok {
			stats.RetriesPromoted++
			s.enqueue(j.ID)
		}
	}
	return nil
}

// expireArtifacts deletes the artifact group of terminal jobs past the
// retention TTL. The document row stays: a resubmission of the same bytes
// is then reprocessed from scratch. Documents with any job still running
// are skipped.
func (s *Sweeper) expireArtifacts(ctx context.Context, now time.Time, stats *SweepStats) error {
	old, err := s.jobs.TerminalOlderThan(ctx, now.Add(-s.cfg.RetentionTTL), sweepBatch)
	if err != nil {
		return err
	}
	for _, j := range old {
		busy, berr := s.jobs.HasNonTerminal(ctx, j.DocumentHash)
		if berr != nil || busy {
			continue
		}
		kinds, lerr := s.store.List(ctx, j.DocumentHash)
		if lerr != nil {
			s.logger.Warn("artifact group list failed", "doc_hash", j.DocumentHash, "error", lerr)
			continue
		}
		if derr := s.store.DeleteGroup(ctx, j.DocumentHash); derr != nil {
			s.logger.Warn("artifact group delete failed", "doc_hash", j.DocumentHash, "error", derr)
			continue
		}
		s.index.Invalidate(j.DocumentHash)
		s.logger.Info("artifact group expired", "doc_hash", j.DocumentHash, "artifacts", len(kinds))
		if derr := s.jobs.Delete(ctx, j.ID); derr != nil {
			s.logger.Warn("expired job delete failed", "job_id", j.ID, "error", derr)
			continue
		}
		stats.Expired++
	}
	return nil
}

func (s *Sweeper) enqueue(id uuid.UUID) {
	if s.dispatch != nil {
		s.dispatch(id)
	}
}
