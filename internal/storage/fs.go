package storage

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// FSStore keeps artifacts on the local filesystem under root/{hash}/{kind}.
type FSStore struct {
	root   string
	logger *slog.Logger
}

func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return &FSStore{root: root, logger: logger}, nil
}

func (s *FSStore) path(hashHex string, kind constants.ArtifactKind) string {
	return filepath.Join(s.root, hashHex, string(kind))
}

// Put writes through a temp file and publishes it as a hard link under
// the final name. The link is the claim: it either succeeds atomically
// with the data already complete, or fails with EEXIST for the losing
// racer. The final name never holds a partial or empty artifact, and a
// crash mid-write leaves only a temp file, not a poisoned key.
func (s *FSStore) Put(_ context.Context, hashHex string, kind constants.ArtifactKind, data []byte) (bool, error) {
	dir := filepath.Join(s.root, hashHex)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}

	tmp, err := os.CreateTemp(dir, "."+string(kind)+"-*")
	if err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}

	if err := os.Link(tmpName, s.path(hashHex, kind)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.logger.Debug("artifact already present", "hash", hashHex, "kind", kind)
			return false, nil
		}
		return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	s.logger.Debug("artifact stored", "hash", hashHex, "kind", kind, "bytes", len(data))
	return true, nil
}

func (s *FSStore) Get(_ context.Context, hashHex string, kind constants.ArtifactKind) ([]byte, error) {
	data, err := os.ReadFile(s.path(hashHex, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, hashHex string, kind constants.ArtifactKind) (bool, error) {
	_, err := os.Stat(s.path(hashHex, kind))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, common.WrapError(common.ErrStorageUnavailable, err.Error())
}

func (s *FSStore) List(_ context.Context, hashHex string) ([]constants.ArtifactKind, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, hashHex))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	kinds := make([]constants.ArtifactKind, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		kinds = append(kinds, constants.ArtifactKind(e.Name()))
	}
	return kinds, nil
}

func (s *FSStore) DeleteGroup(_ context.Context, hashHex string) error {
	if err := os.RemoveAll(filepath.Join(s.root, hashHex)); err != nil {
		return common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	s.logger.Info("artifact group deleted", "hash", hashHex)
	return nil
}
