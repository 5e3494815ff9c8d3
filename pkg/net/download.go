package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	maxIdleConns     = 10
	timeoutInSeconds = 60
	clientAgent      = "churnctl"
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

	ErrorURLNotFound = errors.New("URL not found")
)

func getRespWithContext(ctx context.Context, url string) (*http.Response, error) {
	c, err := GetHTTPClient()
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP Get request: %w", err)
	}

	req.Header.Set("User-Agent", clientAgent)

	return c.Do(req) //nolint:gosec // URL comes from local config
}

// Download saves the content of url to path. The file is written to a
// temporary sibling first so a failed download never leaves a partial file.
func Download(ctx context.Context, url string, path string) (retErr error) {
	resp, err := getRespWithContext(ctx, url)
	if err != nil {
		return fmt.Errorf("error creating HTTP Get request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrorURLNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error downloading file (status: %d - %s): %s", resp.StatusCode, resp.Status, url)
	}

	out, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	tmp := out.Name()
	defer func() {
		if retErr != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("error saving downloaded content to file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error moving download into place: %w", err)
	}
	return nil
}
