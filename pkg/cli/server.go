package cli

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/dashboard"
	urfave "github.com/urfave/cli/v2"
)

const (
	serverShutdownWaitSeconds = 5
	serverTimeoutSeconds      = 300
	serverMaxHeaderBytes      = 20
)

var (
	//go:embed templates/*
	embedFS embed.FS

	portFlag = &urfave.IntFlag{
		Name:  "port",
		Usage: "Port on which the server will listen (optional, default: config server.port)",
	}

	noBrowserFlag = &urfave.BoolFlag{
		Name:    "no-browser",
		Aliases: []string{"nb"},
		Usage:   "Do not open browser automatically",
	}

	serverCmd = &urfave.Command{
		Name:    "server",
		Aliases: []string{"serve"},
		Usage:   "Start the churn dashboard server",
		Action:  cmdStartServer,
		Flags: []urfave.Flag{
			dataPathFlag,
			portFlag,
			noBrowserFlag,
			debugFlag,
		},
	}
)

// dashboardServer holds the active session. An upload replaces it.
type dashboardServer struct {
	serveDir string
	metrics  *serverMetrics
	log      *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	session *dashboard.Session
}

func newDashboardServer(serveDir string, s *dashboard.Session) *dashboardServer {
	d := &dashboardServer{
		serveDir: serveDir,
		metrics:  newServerMetrics(),
		log:      slog.Default().WithGroup("server"),
		now:      time.Now,
	}
	if s != nil {
		d.setSession(s)
	}
	return d
}

func (d *dashboardServer) getSession() *dashboard.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

func (d *dashboardServer) setSession(s *dashboard.Session) {
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
	d.metrics.sessions.Inc()
	d.log.Info("session started", "id", s.ID, "source", s.Source, "customers", s.Len(), "model", s.ModelVersion())
}

func cmdStartServer(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config
	path := dataPath(c, cfg)

	s, err := dashboard.Open(path, cfg.ServeDir)
	if err != nil {
		slog.Warn("no dataset loaded, upload one from the dashboard", "path", path, "error", err)
		s = nil
	}

	address := serverAddress(c, cfg)
	srv := &http.Server{
		Addr:           address,
		Handler:        makeRouter(newDashboardServer(cfg.ServeDir, s)),
		ReadTimeout:    serverTimeoutSeconds * time.Second,
		WriteTimeout:   serverTimeoutSeconds * time.Second,
		MaxHeaderBytes: 1 << serverMaxHeaderBytes,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("error starting server", "error", err)
		}
	}()

	url := fmt.Sprintf("http://%s", address)
	slog.Info("server started", "address", url)

	if !c.Bool(noBrowserFlag.Name) {
		openBrowser(url)
	}

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownWaitSeconds*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("error shutting down server", "error", err)
	}
	return nil
}

func serverAddress(c *urfave.Context, cfg *config.Config) string {
	port := cfg.Server.Port
	if p := c.Int(portFlag.Name); p > 0 {
		port = p
	}
	return fmt.Sprintf("%s:%d", cfg.Server.Address, port)
}

func makeRouter(d *dashboardServer) *http.ServeMux {
	tmpl := template.Must(template.New("").Funcs(templateFuncs).ParseFS(embedFS, "templates/*.html"))
	m := d.metrics

	mux := http.NewServeMux()

	// Views
	mux.HandleFunc("GET /{$}", m.instrument("home", homeViewHandler(tmpl, d)))

	// Data API
	mux.HandleFunc("GET /api/session", m.instrument("session", d.sessionAPIHandler))
	mux.HandleFunc("GET /api/analysis", m.instrument("analysis", d.analysisAPIHandler))
	mux.HandleFunc("GET /api/export/pdf", m.instrument("export_pdf", d.exportAPIHandler(exportPDF)))
	mux.HandleFunc("GET /api/export/xlsx", m.instrument("export_xlsx", d.exportAPIHandler(exportXLSX)))
	mux.HandleFunc("POST /api/upload", m.instrument("upload", d.uploadAPIHandler))

	// Operations
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", m.handler())

	return mux
}

func openBrowser(url string) {
	var cmd string
	args := make([]string, 0, 1)

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
	case "linux":
		cmd = "xdg-open"
	default: // windows
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler"}
	}

	args = append(args, url)
	if err := exec.Command(cmd, args...).Start(); err != nil {
		slog.Error("failed to open browser", "error", err)
	}
}
