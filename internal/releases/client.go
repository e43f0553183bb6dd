// Package releases fetches PocketBase release metadata from the GitHub API
// and caches it in memory.
package releases

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

// Client lists published releases with a TTL cache. On fetch errors a stale
// cache is served rather than failing the caller.
type Client struct {
	apiURL string
	ttl    time.Duration

	mu       sync.Mutex
	cached   []domain.Release
	cachedAt time.Time

	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a release client against apiURL, reusing fetched
// metadata for ttl.
func NewClient(apiURL string, ttl time.Duration, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	return &Client{
		apiURL: apiURL,
		ttl:    ttl,
		http:   retryClient.StandardClient(),
		logger: logger,
	}
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// List returns published releases, newest first, with per-platform artifact
// URLs. Drafts and prereleases are filtered out.
func (c *Client) List(ctx context.Context) ([]domain.Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		return c.cached, nil
	}

	releases, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			c.logger.Warn("release fetch failed, serving stale cache", "err", err)
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = releases
	c.cachedAt = time.Now()
	return releases, nil
}

// DownloadURL resolves the artifact URL for a tag on a platform such as
// "linux_amd64".
func (c *Client) DownloadURL(ctx context.Context, tag, platform string) (string, error) {
	releases, err := c.List(ctx)
	if err != nil {
		return "", err
	}
	for _, rel := range releases {
		if rel.Tag != tag {
			continue
		}
		if url, ok := rel.Assets[platform]; ok {
			return url, nil
		}
		return "", domainerrors.NotFound{Kind: "artifact", Ref: tag + "/" + platform}
	}
	return "", domainerrors.NotFound{Kind: "version", Ref: tag}
}

func (c *Client) fetch(ctx context.Context) ([]domain.Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch releases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch releases: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode releases: %w", err)
	}

	var releases []domain.Release
	for _, gr := range raw {
		if gr.Draft || gr.Prerelease {
			continue
		}
		tag := strings.TrimPrefix(gr.TagName, "v")
		if tag == "" {
			continue
		}

		assets := map[string]string{}
		for _, asset := range gr.Assets {
			name := strings.ToLower(asset.Name)
			for _, platform := range []string{"linux_amd64", "linux_arm64", "darwin_amd64", "darwin_arm64", "windows_amd64"} {
				if strings.Contains(name, platform) {
					assets[platform] = asset.BrowserDownloadURL
				}
			}
		}
		if len(assets) == 0 {
			continue
		}

		name := gr.Name
		if name == "" {
			name = tag
		}
		releases = append(releases, domain.Release{
			Tag:         tag,
			Name:        name,
			PublishedAt: gr.PublishedAt,
			Assets:      assets,
		})
	}
	return releases, nil
}
