// Package storage persists raw uploads and derived artifacts under
// content-addressed keys. Layout is {documentHash}/{artifactKind}; writes
// are write-once so two workers racing on the same key do the work at
// most once.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/swiftai/cv-pipeline/constants"
)

// ArtifactStore abstracts over local disk and object storage.
type ArtifactStore interface {
	// Put stores data under {hashHex}/{kind}. It returns false when the key
	// already existed, in which case the stored bytes are left untouched.
	Put(ctx context.Context, hashHex string, kind constants.ArtifactKind, data []byte) (created bool, err error)
	// Get returns the stored bytes, or common.ErrNotFound.
	Get(ctx context.Context, hashHex string, kind constants.ArtifactKind) ([]byte, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, hashHex string, kind constants.ArtifactKind) (bool, error)
	// DeleteGroup removes every artifact stored under the document hash.
	DeleteGroup(ctx context.Context, hashHex string) error
	// List returns the artifact kinds present under the document hash.
	List(ctx context.Context, hashHex string) ([]constants.ArtifactKind, error)
}

// HashBytes returns the hex sha256 content hash used as the document
// identifier throughout the pipeline.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
