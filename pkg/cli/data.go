package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mchmarny/churnctl/pkg/dashboard"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/report"
)

const (
	arraySelector = "|"

	uploadMaxBytes  = 50 << 20
	uploadFormField = "file"

	contentTypePDF  = "application/pdf"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var errNoSession = errors.New("no dataset loaded, upload a CSV or XLSX file first")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// SessionInfo describes the active dashboard session.
type SessionInfo struct {
	Session      *dashboard.Session `json:"session" yaml:"session"`
	Customers    int                `json:"customers" yaml:"customers"`
	ModelVersion string             `json:"model_version,omitempty" yaml:"modelVersion,omitempty"`
	Options      dashboard.Options  `json:"options" yaml:"options"`
}

func newSessionInfo(s *dashboard.Session) *SessionInfo {
	return &SessionInfo{
		Session:      s,
		Customers:    s.Len(),
		ModelVersion: s.ModelVersion(),
		Options:      s.Options(),
	}
}

// queryList reads a multi-value query parameter, either repeated
// (g=Male&g=Female) or joined (g=Male|Female).
func queryList(r *http.Request, key string) []string {
	var list []string
	for _, v := range r.URL.Query()[key] {
		for _, p := range strings.Split(v, arraySelector) {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
	}
	return list
}

func filterFromQuery(r *http.Request) dashboard.Filter {
	return dashboard.Filter{
		Gender:   queryList(r, "g"),
		Contract: queryList(r, "c"),
		Payment:  queryList(r, "p"),
	}
}

// analysis runs the filtered analysis of the active session.
func (d *dashboardServer) analysis(r *http.Request) (*dashboard.Session, *dashboard.Analysis, error) {
	s := d.getSession()
	if s == nil {
		return nil, nil, errNoSession
	}
	a, err := s.Analyze(filterFromQuery(r))
	if err != nil {
		return nil, nil, err
	}
	return s, a, nil
}

func (d *dashboardServer) sessionAPIHandler(w http.ResponseWriter, _ *http.Request) {
	s := d.getSession()
	if s == nil {
		writeError(w, http.StatusNotFound, errNoSession.Error())
		return
	}
	writeJSON(w, http.StatusOK, newSessionInfo(s))
}

func (d *dashboardServer) analysisAPIHandler(w http.ResponseWriter, r *http.Request) {
	_, a, err := d.analysis(r)
	if err != nil {
		d.writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (d *dashboardServer) writeAnalysisError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNoSession) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	d.log.Error("analysis failed", "error", err)
	writeError(w, http.StatusInternalServerError, "error analyzing dataset")
}

type exportFormat struct {
	name        string
	contentType string
	write       func(io.Writer, *report.Document) error
	fileName    func(pdf, xlsx string) string
}

var (
	exportPDF = exportFormat{
		name:        "pdf",
		contentType: contentTypePDF,
		write:       report.WritePDF,
		fileName:    func(pdf, _ string) string { return pdf },
	}
	exportXLSX = exportFormat{
		name:        "xlsx",
		contentType: contentTypeXLSX,
		write:       report.WriteXLSX,
		fileName:    func(_, xlsx string) string { return xlsx },
	}
)

// exportAPIHandler renders the filtered analysis as a download. Rendering
// happens before any byte is written so failures are reported as JSON.
func (d *dashboardServer) exportAPIHandler(f exportFormat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, a, err := d.analysis(r)
		if err != nil {
			d.writeAnalysisError(w, err)
			return
		}

		now := d.now()
		var buf bytes.Buffer
		doc := &report.Document{
			Analysis:     a,
			Source:       s.Source,
			ModelVersion: s.ModelVersion(),
			GeneratedAt:  now,
		}
		if err := f.write(&buf, doc); err != nil {
			d.log.Error("export failed", "format", f.name, "error", err)
			writeError(w, http.StatusInternalServerError, "error generating "+f.name+" report")
			return
		}
		d.metrics.exports.WithLabelValues(f.name).Inc()

		name := f.fileName(report.FileNames(now))
		w.Header().Set("Content-Type", f.contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		if _, err := buf.WriteTo(w); err != nil {
			d.log.Error("failed to write export", "format", f.name, "error", err)
		}
	}
}

// uploadAPIHandler starts a new session from an uploaded CSV or XLSX file.
// Browser form posts are redirected back to the dashboard.
func (d *dashboardServer) uploadAPIHandler(w http.ResponseWriter, r *http.Request) {
	fromForm := strings.Contains(r.Header.Get("Accept"), "text/html")
	fail := func(status int, msg string) {
		if fromForm {
			http.Redirect(w, r, "/?err="+url.QueryEscape(msg), http.StatusSeeOther)
			return
		}
		writeError(w, status, msg)
	}

	r.Body = http.MaxBytesReader(w, r.Body, uploadMaxBytes)
	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		fail(http.StatusBadRequest, "multipart field '"+uploadFormField+"' required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	f, err := dataset.Decode(name, file)
	if err != nil {
		d.log.Warn("upload rejected", "file", name, "error", err)
		fail(http.StatusBadRequest, err.Error())
		return
	}

	var m *dashboard.Model
	if d.serveDir != "" {
		if m, err = dashboard.LoadModel(d.serveDir); err != nil {
			d.log.Debug("no deployed model for upload", "error", err)
			m = nil
		}
	}

	s, err := dashboard.NewSession(name, f, m)
	if err != nil {
		status := http.StatusInternalServerError
		if errs.Is(err, errs.KindDataLoad) || errs.Is(err, errs.KindConfig) {
			status = http.StatusBadRequest
		}
		fail(status, err.Error())
		return
	}
	d.setSession(s)

	if fromForm {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionInfo(s))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
