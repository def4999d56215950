// Package cache is the in-process index over the shared artifact caches.
// Claim/Done gives at-most-once work per key: the first claimer does
// the work, racers wait for the durable artifact instead. The store's
// write-once Put is the durable backstop; this index just makes the
// common case cheap.
package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/swiftai/cv-pipeline/constants"
)

type entry struct {
	ref  string
	done bool
}

type Index struct {
	c *gocache.Cache
}

func NewIndex(ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Index{c: gocache.New(ttl, 2*ttl)}
}

// Claim marks the key as in-flight. Only the first caller gets true;
// everyone else should look the artifact up (or redo cheaply).
func (i *Index) Claim(key string) bool {
	return i.c.Add(key, entry{}, gocache.DefaultExpiration) == nil
}

// Done publishes the artifact reference under the key.
func (i *Index) Done(key, ref string) {
	i.c.Set(key, entry{ref: ref, done: true}, gocache.DefaultExpiration)
}

// Release drops an unfinished claim so a later attempt can retry.
func (i *Index) Release(key string) {
	if v, ok := i.c.Get(key); ok {
		if e, isEntry := v.(entry); isEntry && !e.done {
			i.c.Delete(key)
		}
	}
}

// Lookup returns the published reference, if the work completed.
func (i *Index) Lookup(key string) (string, bool) {
	v, ok := i.c.Get(key)
	if !ok {
		return "", false
	}
	e, isEntry := v.(entry)
	if !isEntry || !e.done {
		return "", false
	}
	return e.ref, true
}

// Invalidate removes every key derived from the document hash. Used by
// the retention sweep after deleting the artifact group.
func (i *Index) Invalidate(docHash string) {
	for key := range i.c.Items() {
		if strings.HasPrefix(key, docHash+"/") {
			i.c.Delete(key)
		}
	}
}

// ExtractedTextKey keys the extraction cache by document content hash and
// extractor version.
func ExtractedTextKey(docHash string) string {
	return docHash + "/" + string(constants.ArtifactExtractedText) + "@" + constants.ExtractorVersion
}

// RenderedKey keys the render cache. The template id and its content
// checksum are part of the key so a template change misses cleanly.
func RenderedKey(docHash, templateID, templateChecksum string) string {
	return docHash + "/" + string(constants.ArtifactRendered) + "@" + constants.RenderVersion +
		"/" + templateID + "@" + templateChecksum
}
