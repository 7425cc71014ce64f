// Package net downloads model artifacts over HTTP.
package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	maxIdleConns     = 10
	timeoutInSeconds = 60
	clientAgent      = "kipple"
)

var (
	reqTransport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       timeoutInSeconds * time.Second,
		DisableCompression:    true,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: time.Duration(timeoutInSeconds) * time.Second,
	}

	// ErrorURLNotFound is returned when the server answers 404.
	ErrorURLNotFound = errors.New("URL not found")
)

// GetHTTPClient returns the client used for artifact downloads. There is no
// overall timeout; large artifacts are bounded by the request context.
func GetHTTPClient() *http.Client {
	return &http.Client{Transport: reqTransport}
}

func getResp(ctx context.Context, c *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP Get request: %w", err)
	}
	req.Header.Set("User-Agent", clientAgent)
	return c.Do(req) //nolint:gosec // URL comes from the run file
}

// Download saves url to path. The content goes to a temporary file in the
// same directory that is renamed over path only once complete, so an
// interrupted download never leaves a truncated artifact behind.
func Download(ctx context.Context, c *http.Client, url, path string) (n int64, retErr error) {
	resp, err := getResp(ctx, c, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrorURLNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("error downloading file (status: %d - %s): %s", resp.StatusCode, resp.Status, url)
	}

	out, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("error creating temp file: %w", err)
	}
	defer func() {
		if retErr != nil {
			out.Close()
			os.Remove(out.Name())
		}
	}()

	if n, err = io.Copy(out, resp.Body); err != nil {
		return 0, fmt.Errorf("error saving downloaded content to file: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("closing file: %w", err)
	}
	if err := os.Rename(out.Name(), path); err != nil {
		return 0, fmt.Errorf("error moving download into place: %w", err)
	}
	return n, nil
}

// Fetched is one downloaded artifact.
type Fetched struct {
	Name  string `json:"name" yaml:"name"`
	URL   string `json:"url" yaml:"url"`
	Bytes int64  `json:"bytes" yaml:"bytes"`
}

// FetchModels downloads every source into dir under its artifact name,
// skipping artifacts already present unless force is set. Sources are
// fetched in name order.
func FetchModels(ctx context.Context, c *http.Client, dir string, sources map[string]string, force bool) ([]Fetched, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating model dir: %w", err)
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Fetched, 0, len(names))
	for _, name := range names {
		if name != filepath.Base(name) {
			return out, fmt.Errorf("invalid artifact name: %s", name)
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil && !force {
			slog.Debug("model present, skipping", "name", name)
			continue
		}

		url := sources[name]
		slog.Info("downloading model", "name", name, "url", url)
		n, err := Download(ctx, c, url, path)
		if err != nil {
			return out, fmt.Errorf("fetching %s: %w", name, err)
		}
		out = append(out, Fetched{Name: name, URL: url, Bytes: n})
	}
	return out, nil
}
