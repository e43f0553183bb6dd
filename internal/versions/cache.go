// Package versions caches immutable versioned PocketBase executables,
// downloading each (tag, platform) artifact on first use.
package versions

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

// Platform returns the artifact platform triple for the host, matching the
// asset naming of the release source (e.g. "linux_amd64").
func Platform() string {
	return runtime.GOOS + "_" + runtime.GOARCH
}

// ExecutableName returns the name of the cached executable for the host OS.
func ExecutableName() string {
	if runtime.GOOS == "windows" {
		return "pocketbase.exe"
	}
	return "pocketbase"
}

// Cache stores downloaded executables under root keyed by (tag, platform).
// A cached tag is trusted immutable and never auto-evicted.
type Cache struct {
	root     string
	source   domain.ReleaseSource
	platform string
	http     *http.Client
	logger   *slog.Logger
}

// NewCache creates a Cache rooted at root, fetching missing artifacts
// through source.
func NewCache(root string, source domain.ReleaseSource, logger *slog.Logger) *Cache {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	return &Cache{
		root:     root,
		source:   source,
		platform: Platform(),
		http:     retryClient.StandardClient(),
		logger:   logger,
	}
}

// Path returns where the executable for tag lives once cached.
func (c *Cache) Path(tag string) string {
	return filepath.Join(c.root, tag, c.platform, ExecutableName())
}

// Ensure returns the local executable path for tag, downloading and
// extracting the release archive if it is not cached yet. A partially
// written cache entry is removed before the error is surfaced.
func (c *Cache) Ensure(ctx context.Context, tag string) (string, error) {
	exePath := c.Path(tag)
	if _, err := os.Stat(exePath); err == nil {
		return exePath, nil
	}

	url, err := c.source.DownloadURL(ctx, tag, c.platform)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(exePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", domainerrors.IOFailure{Op: "create cache dir", Err: err}
	}

	c.logger.Info("downloading version artifact", "tag", tag, "platform", c.platform)

	if err := c.download(ctx, url, dir); err != nil {
		if rmErr := os.RemoveAll(filepath.Join(c.root, tag)); rmErr != nil {
			c.logger.Warn("cleanup of partial download failed", "tag", tag, "err", rmErr)
		}
		return "", err
	}

	if _, err := os.Stat(exePath); err != nil {
		_ = os.RemoveAll(filepath.Join(c.root, tag))
		return "", domainerrors.IOFailure{Op: "extract artifact", Err: fmt.Errorf("archive for %s contains no %s", tag, ExecutableName())}
	}

	c.logger.Info("version artifact cached", "tag", tag, "path", exePath)
	return exePath, nil
}

func (c *Cache) download(ctx context.Context, url, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domainerrors.IOFailure{Op: "download artifact", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domainerrors.IOFailure{Op: "download artifact", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	zipPath := filepath.Join(dir, "artifact.zip")
	out, err := os.Create(zipPath)
	if err != nil {
		return domainerrors.IOFailure{Op: "write archive", Err: err}
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return domainerrors.IOFailure{Op: "write archive", Err: err}
	}
	if err := out.Close(); err != nil {
		return domainerrors.IOFailure{Op: "write archive", Err: err}
	}

	if err := extractExecutable(zipPath, dir); err != nil {
		return err
	}
	return os.Remove(zipPath)
}

// extractExecutable pulls the executable out of the release zip, refusing
// entry names that would write outside dir.
func extractExecutable(zipPath, dir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return domainerrors.IOFailure{Op: "open archive", Err: err}
	}
	defer reader.Close()

	wanted := ExecutableName()
	for _, file := range reader.File {
		name := filepath.Base(file.Name)
		if name != wanted || strings.Contains(file.Name, "..") {
			continue
		}

		src, err := file.Open()
		if err != nil {
			return domainerrors.IOFailure{Op: "read archive entry", Err: err}
		}

		dstPath := filepath.Join(dir, wanted)
		dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			src.Close()
			return domainerrors.IOFailure{Op: "write executable", Err: err}
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		if closeErr := dst.Close(); copyErr == nil {
			copyErr = closeErr
		}
		if copyErr != nil {
			return domainerrors.IOFailure{Op: "write executable", Err: copyErr}
		}
		return nil
	}
	return domainerrors.IOFailure{Op: "extract artifact", Err: fmt.Errorf("no %s entry in archive", wanted)}
}
