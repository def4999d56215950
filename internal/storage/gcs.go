package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// GCSStore keeps artifacts in a GCS bucket under {hash}/{kind} objects.
// Writes use the DoesNotExist precondition so a losing racer is a clean
// no-op rather than an overwrite.
type GCSStore struct {
	bucket *gcs.BucketHandle
	logger *slog.Logger
}

func NewGCSStore(ctx context.Context, bucketName string, logger *slog.Logger) (*GCSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return &GCSStore{bucket: client.Bucket(bucketName), logger: logger}, nil
}

func objectName(hashHex string, kind constants.ArtifactKind) string {
	return hashHex + "/" + string(kind)
}

func (s *GCSStore) Put(ctx context.Context, hashHex string, kind constants.ArtifactKind, data []byte) (bool, error) {
	name := objectName(hashHex, kind)
	w := s.bucket.Object(name).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			s.logger.Debug("artifact already present", "object", name)
			return false, nil
		}
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	s.logger.Debug("artifact stored", "object", name, "bytes", len(data))
	return true, nil
}

func (s *GCSStore) Get(ctx context.Context, hashHex string, kind constants.ArtifactKind) ([]byte, error) {
	r, err := s.bucket.Object(objectName(hashHex, kind)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, hashHex string, kind constants.ArtifactKind) (bool, error) {
	_, err := s.bucket.Object(objectName(hashHex, kind)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
}

func (s *GCSStore) List(ctx context.Context, hashHex string) ([]constants.ArtifactKind, error) {
	var kinds []constants.ArtifactKind
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: hashHex + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
		}
		kinds = append(kinds, constants.ArtifactKind(attrs.Name[len(hashHex)+1:]))
	}
	return kinds, nil
}

func (s *GCSStore) DeleteGroup(ctx context.Context, hashHex string) error {
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: hashHex + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return common.WrapError(common.ErrStorageUnavailable, err.Error())
		}
		if err := s.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return common.WrapError(common.ErrStorageUnavailable, err.Error())
		}
	}
	s.logger.Info("artifact group deleted", "hash", hashHex)
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
