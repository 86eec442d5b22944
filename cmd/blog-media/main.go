// blog-media is the media service for the blog: it accepts image uploads,
// optimizes them for their usage context (post body, category icon or
// banner, user avatar), stores the original and its responsive variants,
// and serves them over a small HTTP API.
//
// Usage:
//
//	blog-media [flags]
//
// Flags:
//
//	-config string     YAML config file (optional)
//	-addr string       Listen address (default ":8420")
//	-data string       Data directory for catalog and objects (default "~/.local/share/blog-media")
//	-tailnet-only      Bind only to Tailscale interface
//	-import string     Import image URLs listed in this file, then exit
//	-reference string  Usage context for -import and -optimize (post, category, user)
//	-optimize string   Optimize one local image file, write results to -out, then exit
//	-out string        Output directory for -optimize (default ".")
//	-version           Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
	"tailscale.com/tsnet"

	"github.com/Jesssullivan/blog-media/internal/catalog"
	"github.com/Jesssullivan/blog-media/internal/config"
	"github.com/Jesssullivan/blog-media/internal/importer"
	"github.com/Jesssullivan/blog-media/internal/media"
	"github.com/Jesssullivan/blog-media/internal/metrics"
	"github.com/Jesssullivan/blog-media/internal/optimize"
	"github.com/Jesssullivan/blog-media/internal/server"
	"github.com/Jesssullivan/blog-media/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "YAML config file")
		addr         = flag.String("addr", ":8420", "Listen address")
		dataDir      = flag.String("data", defaultDataDir(), "Data directory")
		tailnetOnly  = flag.Bool("tailnet-only", false, "Bind only to Tailscale interface")
		importFile   = flag.String("import", "", "Import image URLs listed in this file, then exit")
		referenceStr = flag.String("reference", "post", "Usage context: post, category or user")
		optimizeFile = flag.String("optimize", "", "Optimize one local image, then exit")
		outDir       = flag.String("out", ".", "Output directory for -optimize")
		showVersion  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("blog-media %s (%s) built %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "data":
			cfg.DataDir = *dataDir
		case "tailnet-only":
			cfg.TailnetOnly = *tailnetOnly
		}
	})
	if cfg.DataDir == "" {
		cfg.DataDir = *dataDir
	}

	ref, err := optimize.ParseReference(*referenceStr)
	if err != nil {
		log.Fatalf("%v", err)
	}

	collector := metrics.New()
	collector.Publish()
	opt := optimize.New(cfg.Optimizer,
		optimize.WithMetrics(collector),
		optimize.WithLogger(slog.Default()),
	)

	// One-shot optimize mode needs no catalog or store.
	if *optimizeFile != "" {
		if err := optimizeLocal(opt, *optimizeFile, *outDir, ref); err != nil {
			log.Fatalf("optimize: %v", err)
		}
		os.Exit(0)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	// Open catalog (SQLite).
	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		log.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()
	if n, err := cat.Count(context.Background()); err == nil {
		log.Printf("catalog: %d media in %s", n, cfg.CatalogPath())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	svc := media.New(cat, store, opt, cfg.Upload.Workers)

	// One-shot import mode.
	if *importFile != "" {
		f, err := os.Open(*importFile)
		if err != nil {
			log.Fatalf("import: %v", err)
		}
		urls, err := importer.ReadURLs(f)
		f.Close()
		if err != nil {
			log.Fatalf("import: %v", err)
		}
		im := importer.New(svc, importer.Options{
			RateLimit:  cfg.Import.RateLimit,
			MaxRetries: cfg.Import.MaxRetries,
			Timeout:    cfg.Import.Timeout,
			MaxBytes:   cfg.Upload.MaxBytes,
		})
		n, err := im.Run(ctx, urls, ref)
		if err != nil {
			log.Fatalf("import: %v", err)
		}
		log.Printf("imported %d new images of %d urls", n, len(urls))
		os.Exit(0)
	}

	// Build HTTP server. A zero upload rate disables throttling.
	limit := rate.Inf
	if cfg.Upload.RateLimit > 0 {
		limit = rate.Limit(cfg.Upload.RateLimit)
	}
	handler := server.New(svc, server.Options{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		UploadLimiter:  rate.NewLimiter(limit, max(cfg.Upload.Burst, 1)),
	})

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	var ln net.Listener
	if cfg.TailnetOnly {
		// tsnet binds directly to the tailnet, with no public exposure.
		ts := &tsnet.Server{
			Hostname: cfg.Hostname,
			Dir:      filepath.Join(cfg.DataDir, "tsnet"),
		}
		defer ts.Close()

		var tsErr error
		ln, tsErr = ts.Listen("tcp", cfg.Addr)
		if tsErr != nil {
			log.Fatalf("tsnet listen: %v", tsErr)
		}
		log.Printf("blog-media %s listening on tailnet (hostname: %s, addr: %s)", version, cfg.Hostname, ln.Addr())
	} else {
		var listenErr error
		ln, listenErr = net.Listen("tcp", cfg.Addr)
		if listenErr != nil {
			log.Fatalf("listen: %v", listenErr)
		}
		log.Printf("blog-media %s listening on %s", version, cfg.Addr)
	}

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == "s3" {
		s3, err := storage.NewS3(cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		if err := s3.Check(ctx); err != nil {
			return nil, err
		}
		return s3, nil
	}
	return storage.NewLocal(cfg.ObjectDir())
}

// optimizeLocal runs the pipeline on one file and writes every output next
// to each other in outDir.
func optimizeLocal(opt *optimize.Optimizer, path, outDir string, ref optimize.Reference) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ext := filepath.Ext(path)
	out, err := opt.Optimize(optimize.Request{Data: data, Reference: ref, Extension: ext})
	if err != nil {
		return err
	}
	if out.IsSkipped() {
		log.Printf("%s: skipped (%s)", path, out.Skipped)
		return nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	stem := filepath.Base(path[:len(path)-len(ext)])
	res := out.Result
	images := append([]optimize.OptimizedImage{res.Original}, res.Variants...)
	for _, img := range images {
		name := fmt.Sprintf("%s@%s.%s", stem, img.Label, img.Extension)
		if err := os.WriteFile(filepath.Join(outDir, name), img.Data, 0o644); err != nil {
			return err
		}
		log.Printf("wrote %s %dx%d %s", name, img.Width, img.Height, humanize.Bytes(uint64(len(img.Data))))
	}
	if res.ReplacedOriginal {
		log.Printf("original re-encoded: %s -> %s",
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(len(res.Original.Data))))
	}
	return nil
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "blog-media")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "blog-media")
}
