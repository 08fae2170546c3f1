// Package artifact publishes stage outputs to a versioned, content-addressed
// object store.
//
// Keys are caller-chosen and used verbatim; a repeated Put under the same key
// overwrites. Public URLs never carry query-string authentication, and the
// fingerprint is computed by the store at upload time.
package artifact

import (
	"context"
	"path"
	"strings"
	"time"
)

// Artifact describes a committed object.
type Artifact struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
}

// Store is the surface the executor and worker publish through.
type Store interface {
	// Put uploads localPath under key.
	Put(ctx context.Context, key, localPath, contentType string) (Artifact, error)
	// Promote moves a staged object to its final key.
	Promote(ctx context.Context, stagingKey, key string) (Artifact, error)
	// RemovePrefix deletes every object under prefix.
	RemovePrefix(ctx context.Context, prefix string) error
	// URL returns the public URL for key without contacting the store.
	URL(key string) string
	// Env returns the environment a worker process needs to reopen the store.
	Env() []string
}

// StagingRoot is the key prefix under which workers upload before promotion.
const StagingRoot = "_staging"

// Version is the UTC date stamp artifacts of a run are keyed under.
func Version(t time.Time) string {
	return t.UTC().Format("20060102")
}

// CacheKey is the key of a cached raw download.
func CacheKey(version, basename string) string {
	return "/" + version + "/" + basename
}

// ConformKey is the key of a conformed CSV extract.
func ConformKey(version, source string) string {
	return "/" + version + "/" + source + ".csv"
}

// SampleKey is the key of an excerpt sample.
func SampleKey(version, source string) string {
	return version + "/samples/" + source + ".json"
}

// StagingPrefix is the prefix owned by one stage invocation.
func StagingPrefix(runID string) string {
	return StagingRoot + "/" + runID + "/"
}

// StagingKey maps a final key into the invocation's staging prefix.
func StagingKey(runID, key string) string {
	return StagingPrefix(runID) + strings.TrimLeft(key, "/")
}

// Basename returns the last path element of a URL or key, ignoring any query.
func Basename(ref string) string {
	if idx := strings.IndexAny(ref, "?#"); idx >= 0 {
		ref = ref[:idx]
	}
	return path.Base(strings.TrimRight(ref, "/"))
}
