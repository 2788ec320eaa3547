package folio

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
)

// Outcome is one section's result as recorded by the run report.
type Outcome struct {
	SectionID  string  `json:"section_id"`
	Succeeded  bool    `json:"succeeded"`
	Pages      int     `json:"pages"`
	FailedPage int     `json:"failed_page,omitempty"`
	Stage      Stage   `json:"stage,omitempty"`
	Err        string  `json:"error,omitempty"`
	Deviation  float64 `json:"deviation,omitempty"`
}

// RunReport accumulates section outcomes from concurrent workers.
type RunReport struct {
	mu       sync.Mutex
	runID    string
	started  time.Time
	outcomes []Outcome
}

// NewRunReport starts an empty report for a run.
func NewRunReport(runID string) *RunReport {
	return &RunReport{runID: runID, started: time.Now()}
}

// Record adds one section outcome. Safe for concurrent use.
func (r *RunReport) Record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Finalize tallies the recorded outcomes into an immutable summary.
// Outcomes are sorted by section ID so the report is deterministic
// regardless of completion order.
func (r *RunReport) Finalize() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcomes := make([]Outcome, len(r.outcomes))
	copy(outcomes, r.outcomes)
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].SectionID < outcomes[j].SectionID
	})

	s := &Summary{
		RunID:    r.runID,
		Started:  r.started,
		Finished: time.Now(),
		Outcomes: outcomes,
	}
	for _, o := range outcomes {
		s.Attempted++
		s.PagesTotal += o.Pages
		if o.Succeeded {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// Summary is the finalized run report.
type Summary struct {
	RunID      string    `json:"run_id"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	PagesTotal int       `json:"pages_total"`
	Outcomes   []Outcome `json:"outcomes"`
}

// String renders the flat human-readable report.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\n", s.RunID)
	fmt.Fprintf(&b, "sections: %d attempted, %d succeeded, %d failed (%d pages)\n",
		s.Attempted, s.Succeeded, s.Failed, s.PagesTotal)
	fmt.Fprintf(&b, "elapsed: %s\n", s.Finished.Sub(s.Started).Round(time.Millisecond))
	for _, o := range s.Outcomes {
		if o.Succeeded {
			fmt.Fprintf(&b, "  ok   %-20s %d pages, deviation %.3f\n",
				o.SectionID, o.Pages, o.Deviation)
		} else {
			fmt.Fprintf(&b, "  FAIL %-20s page %d at %s: %s\n",
				o.SectionID, o.FailedPage, o.Stage, o.Err)
		}
	}
	return b.String()
}

// WriteXLSX exports the summary as a spreadsheet for operators who live
// in Excel.
func (s *Summary) WriteXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Run Report"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	headers := []string{"Section", "Status", "Pages", "Failed Page", "Stage", "Error", "Deviation"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for row, o := range s.Outcomes {
		status := "ok"
		if !o.Succeeded {
			status = "failed"
		}
		values := []interface{}{o.SectionID, status, o.Pages, o.FailedPage, string(o.Stage), o.Err, o.Deviation}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving spreadsheet: %w", err)
	}
	return nil
}
