package folio

import (
	"fmt"

	"github.com/foliopress/folio/extract"
	"github.com/foliopress/folio/llm"
	"github.com/foliopress/folio/source"
)

// Config holds all configuration for the folio pipeline.
type Config struct {
	// LLM is the generation service endpoint. The model must accept
	// image content.
	LLM llm.Config `json:"llm" yaml:"llm"`

	// RecognizerURL is the base URL of the local recognition service
	// used when a page's embedded text layer is illegible.
	RecognizerURL string `json:"recognizer_url" yaml:"recognizer_url"`

	// ArtifactRoot is the directory holding per-run artifact trees.
	ArtifactRoot string `json:"artifact_root" yaml:"artifact_root"`

	// DBPath is the path to the SQLite run index.
	DBPath string `json:"db_path" yaml:"db_path"`

	// RasterDPI controls page image resolution.
	RasterDPI float64 `json:"raster_dpi" yaml:"raster_dpi"`

	Generation  GenerationConfig          `json:"generation" yaml:"generation"`
	Repair      RepairConfig              `json:"repair" yaml:"repair"`
	Quality     QualityConfig             `json:"quality" yaml:"quality"`
	Legibility  extract.LegibilityConfig  `json:"legibility" yaml:"legibility"`
	Concurrency ConcurrencyConfig         `json:"concurrency" yaml:"concurrency"`
}

// GenerationConfig bounds the calls made to the generation service.
type GenerationConfig struct {
	// MaxAttempts is the per-page retry budget.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelayMS seeds the exponential backoff between attempts,
	// in milliseconds.
	BaseDelayMS int `json:"base_delay_ms" yaml:"base_delay_ms"`

	// RequestsPerSecond caps the aggregate request rate across all page
	// workers. Zero means unlimited.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

// RepairConfig bounds the markup correction loop.
type RepairConfig struct {
	// MaxAttempts is the number of repair round-trips allowed per page
	// before the page fails.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// QualityConfig controls the word-count deviation gate.
type QualityConfig struct {
	// Tolerance is the allowed relative word-count deviation, inclusive.
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`

	// FailPageOnDeviation makes a page-scope deviation fail the page.
	// When false the deviation is logged but the page is accepted.
	FailPageOnDeviation bool `json:"fail_page_on_deviation" yaml:"fail_page_on_deviation"`

	// FailSectionOnDeviation makes a section-scope deviation fail the
	// whole section. Off by default: the section check is advisory
	// because the per-page gates already ran.
	FailSectionOnDeviation bool `json:"fail_section_on_deviation" yaml:"fail_section_on_deviation"`
}

// ConcurrencyConfig bounds parallelism.
type ConcurrencyConfig struct {
	// MaxPageConcurrency is the page worker pool size within a section.
	MaxPageConcurrency int `json:"max_page_concurrency" yaml:"max_page_concurrency"`

	// MaxSectionConcurrency bounds how many sections run at once.
	MaxSectionConcurrency int `json:"max_section_concurrency" yaml:"max_section_concurrency"`

	// CancelSiblingsOnFailure stops in-flight sibling pages once a page
	// has definitively failed, since the section is lost either way.
	CancelSiblingsOnFailure bool `json:"cancel_siblings_on_failure" yaml:"cancel_siblings_on_failure"`
}

// DefaultConfig returns a Config with sensible defaults for local
// inference.
func DefaultConfig() Config {
	return Config{
		LLM: llm.Config{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		RecognizerURL: "http://localhost:8089",
		ArtifactRoot:  "artifacts",
		DBPath:        "folio.db",
		RasterDPI:     source.DefaultRasterDPI,
		Generation: GenerationConfig{
			MaxAttempts: 3,
			BaseDelayMS: 500,
		},
		Repair: RepairConfig{
			MaxAttempts: 1,
		},
		Quality: QualityConfig{
			Tolerance:           0.15,
			FailPageOnDeviation: true,
		},
		Legibility: extract.DefaultLegibilityConfig(),
		Concurrency: ConcurrencyConfig{
			MaxPageConcurrency:      5,
			MaxSectionConcurrency:   2,
			CancelSiblingsOnFailure: true,
		},
	}
}

// Validate checks configuration invariants that constructors rely on.
func (c *Config) Validate() error {
	if c.Generation.MaxAttempts < 1 {
		return fmt.Errorf("%w: generation max_attempts must be >= 1", ErrInvalidConfig)
	}
	if c.Repair.MaxAttempts < 0 {
		return fmt.Errorf("%w: repair max_attempts must be >= 0", ErrInvalidConfig)
	}
	if c.Quality.Tolerance < 0 {
		return fmt.Errorf("%w: quality tolerance must be >= 0", ErrInvalidConfig)
	}
	if c.Concurrency.MaxPageConcurrency < 1 {
		return fmt.Errorf("%w: max_page_concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.Concurrency.MaxSectionConcurrency < 1 {
		return fmt.Errorf("%w: max_section_concurrency must be >= 1", ErrInvalidConfig)
	}
	return nil
}
