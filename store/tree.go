package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrArtifactExists is returned when a write would overwrite an existing
// artifact. The tree is append-only: nothing is ever rewritten in place.
var ErrArtifactExists = errors.New("store: artifact already exists")

// Tree is the append-only artifact file tree for one run:
//
//	<root>/<run>/<section>/page-<n>/extracted-<tier>.txt
//	<root>/<run>/<section>/page-<n>/attempt-<k>.txt
//	<root>/<run>/<section>/page-<n>/repair-<k>.txt
//	<root>/<run>/<section>/page-<n>/final.xml
//	<root>/<run>/<section>/section.xml
//	<root>/<run>/report.txt
//	<root>/<run>/report.xlsx
type Tree struct {
	root  string
	runID string
}

// NewTree creates the artifact tree root for a run. The run directory
// must not already exist.
func NewTree(root, runID string) (*Tree, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	runDir := filepath.Join(root, runID)
	if err := os.Mkdir(runDir, 0755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: run directory %s", ErrArtifactExists, runDir)
		}
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	return &Tree{root: root, runID: runID}, nil
}

// RunDir returns the absolute directory of this run's artifacts.
func (t *Tree) RunDir() string {
	return filepath.Join(t.root, t.runID)
}

// PageDir returns the artifact directory for one page.
func (t *Tree) PageDir(sectionID string, pageIndex int) string {
	return filepath.Join(t.RunDir(), sectionID, fmt.Sprintf("page-%d", pageIndex))
}

// WriteExtracted stores the extracted text for a page, named by tier.
func (t *Tree) WriteExtracted(sectionID string, pageIndex int, tier, text string) error {
	name := fmt.Sprintf("extracted-%s.txt", tier)
	return t.writeNew(filepath.Join(t.PageDir(sectionID, pageIndex), name), []byte(text))
}

// WriteAttempt stores the markup returned by one generation attempt.
func (t *Tree) WriteAttempt(sectionID string, pageIndex, attempt int, markup string) error {
	name := fmt.Sprintf("attempt-%d.txt", attempt)
	return t.writeNew(filepath.Join(t.PageDir(sectionID, pageIndex), name), []byte(markup))
}

// WriteRepair stores the markup returned by one repair round.
func (t *Tree) WriteRepair(sectionID string, pageIndex, attempt int, markup string) error {
	name := fmt.Sprintf("repair-%d.txt", attempt)
	return t.writeNew(filepath.Join(t.PageDir(sectionID, pageIndex), name), []byte(markup))
}

// WriteFinal stores the accepted markup for a page.
func (t *Tree) WriteFinal(sectionID string, pageIndex int, markup string) error {
	return t.writeNew(filepath.Join(t.PageDir(sectionID, pageIndex), "final.xml"), []byte(markup))
}

// WriteSectionDoc stores the assembled section document.
func (t *Tree) WriteSectionDoc(sectionID, content string) error {
	return t.writeNew(filepath.Join(t.RunDir(), sectionID, "section.xml"), []byte(content))
}

// WriteReport stores the human-readable run report.
func (t *Tree) WriteReport(text string) error {
	return t.writeNew(filepath.Join(t.RunDir(), "report.txt"), []byte(text))
}

// ReportXLSXPath returns where the spreadsheet export belongs. The caller
// writes it directly; excelize owns the file format.
func (t *Tree) ReportXLSXPath() string {
	return filepath.Join(t.RunDir(), "report.xlsx")
}

// writeNew creates a file that must not already exist. O_EXCL enforces
// the append-only property at the filesystem level.
func (t *Tree) writeNew(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrArtifactExists, path)
		}
		return fmt.Errorf("creating artifact %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing artifact %s: %w", path, err)
	}
	return f.Close()
}
