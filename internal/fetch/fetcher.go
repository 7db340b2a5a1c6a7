// Package fetch retrieves dated remote archive parts into a local staging
// area with retry and idempotent skip-if-present semantics.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openairframes/tracepipe/internal/shared/config"
	"github.com/openairframes/tracepipe/internal/shared/logging"
	"github.com/openairframes/tracepipe/internal/shared/retry"
)

// ErrNotFound signals that upstream data does not exist for the requested
// date. It is never retried: the caller may treat it as "try again later".
var ErrNotFound = errors.New("no upstream data for date")

// release mirrors the upstream release index entry.
type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

type Fetcher struct {
	client         *http.Client
	baseURL        string
	stagingDir     string
	token          string
	maxAttempts    int
	retryDelay     time.Duration
	attemptTimeout time.Duration
	log            logging.Logger
}

// New builds a fetcher. baseURL points at the per-year release index; the
// year suffix and tag filtering follow the upstream archive layout. An API
// token is picked up from GITHUB_TOKEN when present for higher rate limits.
func New(cfg config.SourceConfig, stagingDir string, log logging.Logger) *Fetcher {
	return &Fetcher{
		client:         &http.Client{Timeout: cfg.AttemptTimeout},
		baseURL:        cfg.BaseURL,
		stagingDir:     stagingDir,
		token:          os.Getenv("GITHUB_TOKEN"),
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		attemptTimeout: cfg.AttemptTimeout,
		log:            log,
	}
}

// VersionTag returns the dated release tag prefix for a day.
func VersionTag(day time.Time) string {
	return "v" + day.Format("2006.01.02")
}

// FetchDay downloads every archive part for the given day and returns the
// local file paths. Parts already present in the staging area are not
// re-downloaded.
func (f *Fetcher) FetchDay(ctx context.Context, day time.Time) ([]string, error) {
	tag := VersionTag(day)

	releases, err := f.listReleases(ctx, strconv.Itoa(day.Year()), tag)
	if err != nil {
		return nil, err
	}
	// The last day of a year is sometimes published under the following
	// year's index.
	if len(releases) == 0 && day.Month() == time.December && day.Day() == 31 {
		f.log.Info("No releases in current year index, checking next year", "tag", tag)
		releases, err = f.listReleases(ctx, strconv.Itoa(day.Year()+1), tag)
		if err != nil {
			return nil, err
		}
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}

	assets := selectAssets(releases)
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: %s has no archive parts", ErrNotFound, tag)
	}

	if err := os.MkdirAll(f.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	var paths []string
	for _, a := range assets {
		path := filepath.Join(f.stagingDir, a.Name)
		if err := f.download(ctx, a.URL, path); err != nil {
			return nil, fmt.Errorf("download %s: %w", a.Name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// listReleases pages through the year's release index and keeps the releases
// whose tag matches the dated archive pattern.
func (f *Fetcher) listReleases(ctx context.Context, year, tag string) ([]release, error) {
	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(tag) + `-planes-readsb-prod-\d+(tmp)?$`)
	if err != nil {
		return nil, err
	}

	var matched []release
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s_%s/releases?page=%d", f.baseURL, year, page)

		var pageReleases []release
		err := retry.Do(ctx, f.maxAttempts, f.retryDelay, func(ctx context.Context) error {
			return f.getJSON(ctx, url, &pageReleases)
		})
		if err != nil {
			return nil, fmt.Errorf("list releases %s: %w", url, err)
		}
		if len(pageReleases) == 0 {
			break
		}
		for _, r := range pageReleases {
			if pattern.MatchString(r.TagName) {
				matched = append(matched, r)
			}
		}
	}
	return matched, nil
}

func (f *Fetcher) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, url))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// selectAssets picks the archive parts to download, preferring normal parts
// over tmp parts; tmp releases are only used when no normal ones exist.
func selectAssets(releases []release) []asset {
	var normal, tmp []asset
	for _, r := range releases {
		for _, a := range r.Assets {
			if !strings.Contains(a.Name, "planes-readsb-prod-") {
				continue
			}
			if strings.Contains(a.Name, "tmp") {
				tmp = append(tmp, a)
			} else {
				normal = append(normal, a)
			}
		}
	}
	if len(normal) > 0 {
		return normal
	}
	return tmp
}

// download fetches one asset to path. A no-op when path already exists. The
// body streams to path.part and is renamed on success, so an interrupted
// download is never mistaken for a complete one.
func (f *Fetcher) download(ctx context.Context, url, path string) error {
	if _, err := os.Stat(path); err == nil {
		f.log.Info("Already downloaded, skipping", "path", path)
		return nil
	}

	return retry.Do(ctx, f.maxAttempts, f.retryDelay, func(ctx context.Context) error {
		f.log.Info("Downloading", "url", url, "path", path)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		f.authorize(req)

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, url))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("GET %s: %s", url, resp.Status)
		}

		partPath := path + ".part"
		file, err := os.Create(partPath)
		if err != nil {
			return retry.Permanent(err)
		}

		n, err := io.Copy(file, resp.Body)
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(partPath)
			return err
		}
		if err := os.Rename(partPath, path); err != nil {
			os.Remove(partPath)
			return retry.Permanent(err)
		}

		f.log.Info("Saved", "path", path, "bytes", n)
		return nil
	})
}

func (f *Fetcher) authorize(req *http.Request) {
	if f.token != "" {
		req.Header.Set("Authorization", "token "+f.token)
	}
}
