package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// Document is the immutable upload record, addressed by content hash.
type Document struct {
	Hash       string
	MediaType  constants.MediaType
	SizeBytes  int64
	UploadedAt time.Time
}

type DocumentRepository interface {
	// Upsert records the document, returning true when it was already known
	// (resubmission of identical bytes).
	Upsert(ctx context.Context, doc Document) (deduplicated bool, err error)
	Get(ctx context.Context, hash string) (*Document, error)
	Delete(ctx context.Context, hash string) error
}

type documentRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewDocumentRepository(db *sql.DB, log *slog.Logger) DocumentRepository {
	if log == nil {
		log = slog.Default()
	}
	return &documentRepo{db: db, log: log}
}

func (r *documentRepo) Upsert(ctx context.Context, doc Document) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (hash, media_type, size_bytes, uploaded_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING`,
		doc.Hash, string(doc.MediaType), doc.SizeBytes, nowMS(doc.UploadedAt))
	if err != nil {
		r.log.Error("document upsert failed", "hash", doc.Hash, "error", err)
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	n, _ := res.RowsAffected()
	dedup := n == 0
	if dedup {
		r.log.Debug("document already known", "hash", doc.Hash)
	} else {
		r.log.Info("document recorded", "hash", doc.Hash, "media_type", doc.MediaType, "bytes", doc.SizeBytes)
	}
	return dedup, nil
}

func (r *documentRepo) Get(ctx context.Context, hash string) (*Document, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT hash, media_type, size_bytes, uploaded_at_ms
		FROM documents WHERE hash = $1`, hash)

	var d Document
	var mt string
	var uploadedMS int64
	if err := row.Scan(&d.Hash, &mt, &d.SizeBytes, &uploadedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	d.MediaType = constants.MediaType(mt)
	d.UploadedAt = time.UnixMilli(uploadedMS).UTC()
	return &d, nil
}

func (r *documentRepo) Delete(ctx context.Context, hash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE hash = $1`, hash); err != nil {
		return common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return nil
}
