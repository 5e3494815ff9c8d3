// Package report renders dashboard analyses as PDF and XLSX documents.
package report

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mchmarny/churnctl/pkg/dashboard"
	"github.com/mchmarny/churnctl/pkg/errs"
	"golang.org/x/sync/errgroup"
)

const (
	// FileTimestampFormat is the timestamp used in export file names.
	FileTimestampFormat = "20060102_1504"

	pdfPrefix  = "churn_analysis_report_"
	xlsxPrefix = "churn_analysis_data_"

	dirMode  = 0700
	fileMode = 0600
)

// Document is one analysis ready to be rendered.
type Document struct {
	Analysis     *dashboard.Analysis
	Source       string
	ModelVersion string
	GeneratedAt  time.Time
}

func (d *Document) validate() error {
	if d == nil || d.Analysis == nil || d.Analysis.Data == nil {
		return errs.Errorf(errs.KindExport, "render", "nothing to export")
	}
	return nil
}

// Export lists the files written by ExportAll.
type Export struct {
	PDF  string `json:"pdf" yaml:"pdf"`
	XLSX string `json:"xlsx" yaml:"xlsx"`
}

// FileNames returns the PDF and XLSX file names for a document generated at t.
func FileNames(t time.Time) (string, string) {
	ts := t.Format(FileTimestampFormat)
	return pdfPrefix + ts + ".pdf", xlsxPrefix + ts + ".xlsx"
}

// ExportAll renders both documents in parallel and writes them into dir.
// Nothing is written unless both render.
func ExportAll(ctx context.Context, dir string, d *Document) (*Export, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	var pdfBuf, xlsxBuf bytes.Buffer
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return render(ctx, &pdfBuf, d, WritePDF) })
	g.Go(func() error { return render(ctx, &xlsxBuf, d, WriteXLSX) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, errs.New(errs.KindExport, "create "+dir, err)
	}
	pdfName, xlsxName := FileNames(d.GeneratedAt)
	e := &Export{
		PDF:  filepath.Join(dir, pdfName),
		XLSX: filepath.Join(dir, xlsxName),
	}
	if err := os.WriteFile(e.PDF, pdfBuf.Bytes(), fileMode); err != nil {
		return nil, errs.New(errs.KindExport, "write "+pdfName, err)
	}
	if err := os.WriteFile(e.XLSX, xlsxBuf.Bytes(), fileMode); err != nil {
		return nil, errs.New(errs.KindExport, "write "+xlsxName, err)
	}

	slog.Default().WithGroup("report").Info("exported",
		"pdf", e.PDF, "pdf_size", pdfBuf.Len(), "xlsx", e.XLSX, "xlsx_size", xlsxBuf.Len())
	return e, nil
}

func render(ctx context.Context, w io.Writer, d *Document, fn func(io.Writer, *Document) error) error {
	if err := ctx.Err(); err != nil {
		return errs.New(errs.KindExport, "render", err)
	}
	return fn(w, d)
}
