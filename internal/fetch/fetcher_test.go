package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openairframes/tracepipe/internal/shared/config"
	"github.com/openairframes/tracepipe/internal/shared/logging"
)

func testFetcher(t *testing.T, serverURL string) *Fetcher {
	t.Helper()
	return New(config.SourceConfig{
		BaseURL:        serverURL + "/repos/adsblol/globe_history",
		MaxAttempts:    3,
		RetryDelay:     time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}, t.TempDir(), logging.Nop())
}

func releasesJSON(t *testing.T, tag string, assetNames []string, serverURL string) []byte {
	t.Helper()
	type asset struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
	}
	type rel struct {
		TagName string  `json:"tag_name"`
		Assets  []asset `json:"assets"`
	}
	r := rel{TagName: tag}
	for _, name := range assetNames {
		r.Assets = append(r.Assets, asset{Name: name, URL: serverURL + "/dl/" + name})
	}
	data, err := json.Marshal([]rel{r})
	require.NoError(t, err)
	return data
}

func TestFetchDay_DownloadsAllParts(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	parts := []string{
		"v2026.01.15-planes-readsb-prod-0.tar.0",
		"v2026.01.15-planes-readsb-prod-0.tar.1",
	}

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases" && r.URL.Query().Get("page") == "1":
			w.Write(releasesJSON(t, "v2026.01.15-planes-readsb-prod-0", parts, server.URL))
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases":
			w.Write([]byte("[]"))
		case r.URL.Path == "/dl/"+parts[0], r.URL.Path == "/dl/"+parts[1]:
			fmt.Fprint(w, "archive-bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := testFetcher(t, server.URL)
	paths, err := f.FetchDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		require.Equal(t, "archive-bytes", string(data))
	}
}

func TestFetchDay_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := testFetcher(t, server.URL)
	_, err := f.FetchDay(context.Background(), time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestFetchDay_RetriesServerErrors(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases" && r.URL.Query().Get("page") == "1":
			if calls.Add(1) < 3 {
				http.Error(w, "upstream sad", http.StatusInternalServerError)
				return
			}
			w.Write(releasesJSON(t, "v2026.01.15-planes-readsb-prod-0",
				[]string{"v2026.01.15-planes-readsb-prod-0.tar.0"}, server.URL))
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases":
			w.Write([]byte("[]"))
		default:
			fmt.Fprint(w, "archive-bytes")
		}
	}))
	defer server.Close()

	f := testFetcher(t, server.URL)
	paths, err := f.FetchDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchDay_SkipsExistingFiles(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	name := "v2026.01.15-planes-readsb-prod-0.tar.0"

	var downloads atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases" && r.URL.Query().Get("page") == "1":
			w.Write(releasesJSON(t, "v2026.01.15-planes-readsb-prod-0", []string{name}, server.URL))
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases":
			w.Write([]byte("[]"))
		default:
			downloads.Add(1)
			fmt.Fprint(w, "archive-bytes")
		}
	}))
	defer server.Close()

	f := testFetcher(t, server.URL)

	// Pre-stage the file: fetch must be a no-op for it.
	require.NoError(t, os.WriteFile(filepath.Join(f.stagingDir, name), []byte("already here"), 0o644))

	paths, err := f.FetchDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, int32(0), downloads.Load())

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "already here", string(data))
}

func TestFetchDay_PrefersNormalOverTmpAssets(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	normal := "v2026.01.15-planes-readsb-prod-0.tar.0"
	tmp := "v2026.01.15-planes-readsb-prod-0tmp.tar.0"

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases" && r.URL.Query().Get("page") == "1":
			w.Write(releasesJSON(t, "v2026.01.15-planes-readsb-prod-0", []string{tmp, normal}, server.URL))
		case r.URL.Path == "/repos/adsblol/globe_history_2026/releases":
			w.Write([]byte("[]"))
		default:
			fmt.Fprint(w, "archive-bytes")
		}
	}))
	defer server.Close()

	f := testFetcher(t, server.URL)
	paths, err := f.FetchDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, normal, filepath.Base(paths[0]))
}

func TestSelectAssets_TmpOnlyFallsBack(t *testing.T) {
	rels := []release{{
		TagName: "v2026.01.15-planes-readsb-prod-0tmp",
		Assets: []asset{
			{Name: "v2026.01.15-planes-readsb-prod-0tmp.tar.0", URL: "u"},
		},
	}}
	got := selectAssets(rels)
	require.Len(t, got, 1)
}

func TestVersionTag(t *testing.T) {
	require.Equal(t, "v2026.01.05", VersionTag(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)))
}
