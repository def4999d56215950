package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/swiftai/cv-pipeline/internal/common"
)

// LeaseRepository hands out the housekeeping lease so only one sweep runs
// at a time across all workers.
type LeaseRepository interface {
	// Acquire takes the named lease until now+ttl. It returns false when
	// another holder has it and it has not expired.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	// Release frees the lease if this holder still owns it.
	Release(ctx context.Context, name, holder string) error
}

type leaseRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewLeaseRepository(db *sql.DB, log *slog.Logger) LeaseRepository {
	if log == nil {
		log = slog.Default()
	}
	return &leaseRepo{db: db, log: log}
}

func (r *leaseRepo) Acquire(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	// seed the row so the CAS below always has something to update
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO sweep_leases (name, holder, expires_at_ms)
		VALUES ($1, '', 0)
		ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sweep_leases
		SET holder = $1, expires_at_ms = $2
		WHERE name = $3 AND (holder = '' OR holder = $1 OR expires_at_ms <= $4)`,
		holder, nowMS(now.Add(ttl)), name, nowMS(now))
	if err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Debug("lease acquired", "lease", name, "holder", holder)
	}
	return n > 0, nil
}

func (r *leaseRepo) Release(ctx context.Context, name, holder string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE sweep_leases SET holder = '', expires_at_ms = 0
		WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	r.log.Debug("lease released", "lease", name, "holder", holder)
	return nil
}
