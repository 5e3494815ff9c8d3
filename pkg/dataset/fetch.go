package dataset

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/net"
)

const dirMode = 0700

// Ensure makes sure the data file exists locally, downloading it from url
// when it is missing and a url is configured.
func Ensure(ctx context.Context, path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return errs.New(errs.KindDataLoad, "stat "+path, err)
	}

	if url == "" {
		return errs.Errorf(errs.KindDataLoad, "ensure data", "file not found: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return errs.New(errs.KindDataLoad, "create data dir", err)
	}

	slog.Info("downloading dataset", "url", url, "path", path)
	if err := net.Download(ctx, url, path); err != nil {
		return errs.New(errs.KindDataLoad, "download "+url, err)
	}
	return nil
}
