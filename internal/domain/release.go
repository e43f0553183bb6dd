package domain

import (
	"context"
	"time"
)

// Release is one published PocketBase version as reported by the release
// source, with per-platform artifact download URLs.
type Release struct {
	Tag         string            `json:"tag"`
	Name        string            `json:"name"`
	PublishedAt time.Time         `json:"published_at"`
	Assets      map[string]string `json:"-"`
}

// ReleaseSource lists published versions and resolves artifact download URLs.
// Implementations cache results; a tag's artifact is trusted immutable.
type ReleaseSource interface {
	List(ctx context.Context) ([]Release, error)
	DownloadURL(ctx context.Context, tag, platform string) (string, error)
}

// ArtifactCache makes a versioned executable available locally, downloading
// it on first use.
type ArtifactCache interface {
	// Ensure returns the local path of the executable for the given tag,
	// fetching and caching it if absent.
	Ensure(ctx context.Context, tag string) (string, error)
}
