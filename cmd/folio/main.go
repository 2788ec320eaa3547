// Command folio converts a scanned or typeset book into validated,
// semantically tagged markup, one section at a time.
//
// Usage:
//
//	go run ./cmd/folio \
//	  -manifest ./book/manifest.yaml \
//	  -out ./artifacts \
//	  -db ./folio.db \
//	  -provider openrouter -model qwen/qwen2.5-vl-72b-instruct
//
// The manifest names the PDF and each section's absolute page range.
// Artifacts land under <out>/<run-id>/; the exit code is non-zero when
// any section failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	folio "github.com/foliopress/folio"
	"github.com/foliopress/folio/source"
	"github.com/foliopress/folio/store"
)

func main() {
	_ = godotenv.Load()

	var (
		manifestPath = flag.String("manifest", "", "Path to the section manifest YAML (required)")
		configPath   = flag.String("config", "", "Path to a YAML config file")
		outDir       = flag.String("out", "", "Artifact root directory (overrides config)")
		dbPath       = flag.String("db", "", "SQLite run index path (overrides config)")
		provider     = flag.String("provider", "", "Generation provider: openai, openrouter, ollama, custom")
		model        = flag.String("model", "", "Generation model (must accept images)")
		baseURL      = flag.String("base-url", "", "Generation provider base URL override")
		recognizer   = flag.String("recognizer", "", "Recognition service base URL")
		pageConc     = flag.Int("page-concurrency", 0, "Page worker pool size per section")
		sectionConc  = flag.Int("section-concurrency", 0, "Sections processed in parallel")
		tolerance    = flag.Float64("tolerance", -1, "Quality gate word-count deviation tolerance")
		dpi          = flag.Float64("dpi", 0, "Page raster resolution")
		verbose      = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *manifestPath == "" {
		log.Fatal("-manifest is required")
	}

	cfg := folio.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("reading config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("parsing config: %v", err)
		}
	}

	// Flags and environment override the config file.
	if *outDir != "" {
		cfg.ArtifactRoot = *outDir
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *provider != "" {
		cfg.LLM.Provider = *provider
	}
	if *model != "" {
		cfg.LLM.Model = *model
	}
	if *baseURL != "" {
		cfg.LLM.BaseURL = *baseURL
	}
	if *recognizer != "" {
		cfg.RecognizerURL = *recognizer
	}
	if *pageConc > 0 {
		cfg.Concurrency.MaxPageConcurrency = *pageConc
	}
	if *sectionConc > 0 {
		cfg.Concurrency.MaxSectionConcurrency = *sectionConc
	}
	if *tolerance >= 0 {
		cfg.Quality.Tolerance = *tolerance
	}
	if *dpi > 0 {
		cfg.RasterDPI = *dpi
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("FOLIO_API_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *manifestPath); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg folio.Config, manifestPath string) error {
	m, err := source.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	text, err := source.OpenTextLayer(m.PDF)
	if err != nil {
		return fmt.Errorf("opening text layer: %w", err)
	}
	defer text.Close()

	raster, err := source.OpenRasterizer(m.PDF, cfg.RasterDPI)
	if err != nil {
		return fmt.Errorf("opening rasterizer: %w", err)
	}
	defer raster.Close()

	book, err := source.Load(ctx, m, text, raster)
	if err != nil {
		return fmt.Errorf("loading book: %w", err)
	}

	runID := uuid.NewString()
	tree, err := store.NewTree(cfg.ArtifactRoot, runID)
	if err != nil {
		return fmt.Errorf("creating artifact tree: %w", err)
	}
	index, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening run index: %w", err)
	}
	defer index.Close()

	pipe, err := folio.New(cfg,
		folio.WithRunID(runID),
		folio.WithTree(tree),
		folio.WithIndex(index),
	)
	if err != nil {
		return err
	}

	summary, runErr := pipe.Run(ctx, book)
	if summary != nil {
		fmt.Print(summary.String())
		fmt.Printf("artifacts: %s\n", tree.RunDir())
	}
	return runErr
}
