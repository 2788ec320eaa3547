package source

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Manifest describes the section boundaries produced by the splitter.
type Manifest struct {
	PDF      string            `yaml:"pdf" json:"pdf"`
	Sections []ManifestSection `yaml:"sections" json:"sections"`

	// Path is where the manifest was loaded from, for run provenance.
	Path string `yaml:"-" json:"-"`
}

// ManifestSection is one section's inclusive absolute page range.
type ManifestSection struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
	Start int    `yaml:"start" json:"start"` // 1-based, inclusive
	End   int    `yaml:"end" json:"end"`     // 1-based, inclusive
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Path = path
	return &m, nil
}

// Validate checks the manifest for structural problems: missing fields,
// inverted or overlapping ranges, duplicate section IDs.
func (m *Manifest) Validate() error {
	if m.PDF == "" {
		return fmt.Errorf("manifest: pdf path is required")
	}
	if len(m.Sections) == 0 {
		return fmt.Errorf("manifest: at least one section is required")
	}

	seen := make(map[string]bool, len(m.Sections))
	for _, s := range m.Sections {
		if s.ID == "" {
			return fmt.Errorf("manifest: section with pages %d-%d has no id", s.Start, s.End)
		}
		if seen[s.ID] {
			return fmt.Errorf("manifest: duplicate section id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Start < 1 {
			return fmt.Errorf("manifest: section %s start %d is not 1-based", s.ID, s.Start)
		}
		if s.End < s.Start {
			return fmt.Errorf("manifest: section %s range %d-%d is inverted", s.ID, s.Start, s.End)
		}
	}

	// Overlap check on ranges sorted by start.
	ordered := make([]ManifestSection, len(m.Sections))
	copy(ordered, m.Sections)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Start <= ordered[i-1].End {
			return fmt.Errorf("manifest: sections %s and %s overlap (%d-%d vs %d-%d)",
				ordered[i-1].ID, ordered[i].ID,
				ordered[i-1].Start, ordered[i-1].End, ordered[i].Start, ordered[i].End)
		}
	}
	return nil
}
