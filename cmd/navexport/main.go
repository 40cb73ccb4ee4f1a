// Command navexport drives the ATT&CK Navigator to export layers as SVG
// and multi-page PDF.
//
// Usage:
//
//	navexport -config navexport.yaml serve
//	navexport -entry http://nav/index.html -layers-base http://nav/layers export -o out.pdf enterprise mobile
//	navexport -entry http://nav/index.html svg -o layer.svg http://nav/layers/x
//	navexport -config navexport.yaml download ics
//	navexport -config navexport.yaml check a b c
//	navexport -config navexport.yaml mcp
//
// Layer arguments that are not http(s) URLs are treated as layer ids and
// resolved against layers_base.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/navexport/api"
	"github.com/hazyhaar/navexport/dbopen"
	"github.com/hazyhaar/navexport/export"
	"github.com/hazyhaar/navexport/frame"
	"github.com/hazyhaar/navexport/internal/browser"
	"github.com/hazyhaar/navexport/internal/config"
	"github.com/hazyhaar/navexport/journal"
	"github.com/hazyhaar/navexport/pdfdoc"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintln(os.Stderr, "usage: navexport [-config file] [-entry url] [-layers-base url] [-log-level level] serve|export|svg|download|check|mcp [args]")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to navexport.yaml")
	entryURL := flag.String("entry", "", "Navigator entry document (overrides entry_url)")
	layersBase := flag.String("layers-base", "", "base URL layer ids resolve against (overrides layers_base)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides log_level)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := resolveConfig(*configPath, *entryURL, *layersBase, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stderr: stdout carries the MCP protocol and command output.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("navexport: fatal", "error", err)
		os.Exit(1)
	}
}

func resolveConfig(path, entry, layersBase, logLevel string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if entry != "" {
		cfg.EntryURL = entry
	}
	if layersBase != "" {
		cfg.LayersBase = layersBase
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

// app holds everything a command needs. Chrome is launched on the first
// PDF page only.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	browser   *browser.Manager
	frames    *frame.Manager
	artifacts *export.DirStore
	journal   *journal.Store
	exporter  *export.Exporter
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(journal.Schema))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	artifacts, err := export.NewDirStore(cfg.ArtifactDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	sandbox, err := cfg.Sandbox()
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{cfg: cfg, db: db, artifacts: artifacts, journal: journal.New(db)}
	a.browser = browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Bin:              cfg.Browser.Bin,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Logger:           logger,
	})
	a.frames = frame.NewManager(frame.Config{
		EntryURL:  cfg.EntryURL,
		Sandbox:   &sandbox,
		Client:    &http.Client{Timeout: cfg.Export.ItemTimeout},
		MaxBody:   cfg.Frame.MaxBody,
		UserAgent: cfg.Frame.UserAgent,
		Logger:    logger,
	})
	a.exporter, err = export.New(export.Config{
		Frames:      a.frames,
		Renderer:    pdfdoc.NewChromeRenderer(a.browser, logger),
		Artifacts:   artifacts,
		Journal:     a.journal,
		Concurrency: cfg.Export.Concurrency,
		ItemTimeout: cfg.Export.ItemTimeout,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	a.frames.Close()
	a.browser.Close()
	a.db.Close()
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "serve", "export", "svg", "download", "check", "mcp":
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := api.New(api.Config{
		Exporter:   a.exporter,
		Artifacts:  a.artifacts,
		Journal:    a.journal,
		LayersBase: cfg.LayersBase,
		DB:         a.db,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	switch cmd {
	case "serve":
		return serve(ctx, logger, cfg, srv)
	case "mcp":
		m := mcp.NewServer(&mcp.Implementation{Name: "navexport", Version: version}, nil)
		srv.Endpoints().RegisterMCP(m)
		logger.Info("navexport: mcp on stdio")
		return m.Run(ctx, &mcp.StdioTransport{})
	case "export":
		return runExport(ctx, a, srv.Endpoints(), args)
	case "svg":
		return runSVG(ctx, srv.Endpoints(), args)
	case "download":
		return runDownload(ctx, a, srv.Endpoints(), args)
	default:
		return runCheck(ctx, srv.Endpoints(), args)
	}
}

func serve(ctx context.Context, logger *slog.Logger, cfg *config.Config, s *api.Server) error {
	s.StartReloaders(ctx.Done())

	hs := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("navexport: listening", "addr", cfg.Listen, "entry", cfg.EntryURL)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("navexport: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func runExport(ctx context.Context, a *app, eps api.Endpoints, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "", "write the PDF here (default: the artifact name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("export: no layers given")
	}
	req := &api.BatchRequest{}
	for _, arg := range fs.Args() {
		req.Items = append(req.Items, itemRequest(arg))
	}
	resp, err := eps.PDF(ctx, req)
	if err != nil {
		return err
	}
	res := resp.(*export.Result)
	dst := *out
	if dst == "" {
		dst = res.Artifact.Name
	}
	if err := copyArtifact(a.artifacts, res.Artifact, dst); err != nil {
		return err
	}
	return printJSON(res)
}

func runSVG(ctx context.Context, eps api.Endpoints, args []string) error {
	fs := flag.NewFlagSet("svg", flag.ContinueOnError)
	out := fs.String("o", "", "write the SVG here (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("svg: exactly one layer expected")
	}
	req := itemRequest(fs.Arg(0))
	resp, err := eps.SVG(ctx, &req)
	if err != nil {
		return err
	}
	svg := resp.(*export.SVGResult).SVG
	if *out == "" {
		_, err := io.WriteString(os.Stdout, svg.Markup+"\n")
		return err
	}
	return os.WriteFile(*out, []byte(svg.Markup), 0o644)
}

func runDownload(ctx context.Context, a *app, eps api.Endpoints, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	out := fs.String("o", "", "write the file here (default: the name the app chose)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("download: exactly one layer expected")
	}
	req := itemRequest(fs.Arg(0))
	resp, err := eps.Download(ctx, &req)
	if err != nil {
		return err
	}
	art := resp.(*export.Artifact)
	dst := *out
	if dst == "" {
		dst = art.Name
	}
	if err := copyArtifact(a.artifacts, *art, dst); err != nil {
		return err
	}
	return printJSON(art)
}

func runCheck(ctx context.Context, eps api.Endpoints, args []string) error {
	if len(args) == 0 {
		return errors.New("check: no layers given")
	}
	req := &api.BatchRequest{}
	for _, arg := range args {
		req.Items = append(req.Items, itemRequest(arg))
	}
	resp, err := eps.Check(ctx, req)
	if err != nil {
		return err
	}
	results := resp.([]api.CheckResult)
	if err := printJSON(results); err != nil {
		return err
	}
	for _, r := range results {
		if !r.OK {
			return errors.New("check: some layers failed to load")
		}
	}
	return nil
}

func itemRequest(arg string) api.ItemRequest {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return api.ItemRequest{URI: arg}
	}
	return api.ItemRequest{LayerID: arg}
}

func copyArtifact(store *export.DirStore, art export.Artifact, dst string) error {
	rc, _, err := store.Open(art.Export, art.Name)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return f.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
