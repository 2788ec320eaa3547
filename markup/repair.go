package markup

import (
	"context"
	"log/slog"

	"github.com/foliopress/folio/extract"
	"github.com/foliopress/folio/source"
)

// State is a repair-loop position for one markup candidate.
type State string

const (
	StateUnchecked       State = "unchecked"
	StateWellFormed      State = "well_formed"
	StateMalformed       State = "malformed"
	StateRepairRequested State = "repair_requested"
	StateRepairExhausted State = "repair_exhausted"
)

// RepairAttempt is one correction round-trip, preserved verbatim so later
// attempts never erase earlier ones.
type RepairAttempt struct {
	Attempt    int    `json:"attempt"`
	Markup     string `json:"markup"`     // what the repair call returned (cleaned)
	WellFormed bool   `json:"well_formed"`
	ParseError string `json:"parse_error,omitempty"`
	CallError  string `json:"call_error,omitempty"` // repair request itself failed
}

// Candidate is the (possibly repaired) markup for one page. It becomes
// immutable once well-formed or once the repair budget is exhausted.
type Candidate struct {
	SectionID  string          `json:"section_id"`
	PageIndex  int             `json:"page_index"`
	Markup     string          `json:"markup"` // latest candidate text
	WellFormed bool            `json:"well_formed"`
	State      State           `json:"state"`
	Repairs    []RepairAttempt `json:"repairs,omitempty"`
}

// RepairCount returns how many correction round-trips were made.
func (c *Candidate) RepairCount() int {
	return len(c.Repairs)
}

// Repairer submits a broken markup candidate back to the generation
// service for syntactic correction. This is a distinct request type from
// generation: it carries the malformed artifact and the original source
// text for the same page, not a fresh generation from scratch.
type Repairer interface {
	Repair(ctx context.Context, page source.PageSource, broken string, sourceText string) (string, error)
}

// Recorder persists each repair attempt as it happens, so a crash
// mid-repair still leaves forensic evidence.
type Recorder interface {
	RecordRepair(page source.PageSource, attempt int, markup string) error
}

// RepairLoop drives a candidate through the well-formedness state machine:
//
//	Unchecked → WellFormed                                  (terminal)
//	Unchecked → Malformed → RepairRequested → WellFormed    (terminal)
//	                      ↘ … up to maxAttempts … ↘ RepairExhausted (terminal)
type RepairLoop struct {
	repairer    Repairer
	recorder    Recorder
	maxAttempts int
}

// NewRepairLoop builds a repair loop with the given budget. A budget of 0
// means malformed output fails immediately; the default budget is 1.
func NewRepairLoop(repairer Repairer, recorder Recorder, maxAttempts int) *RepairLoop {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &RepairLoop{repairer: repairer, recorder: recorder, maxAttempts: maxAttempts}
}

// Run validates raw markup and, when malformed, requests corrections until
// it is well-formed or the budget is spent. At most maxAttempts+1
// well-formedness checks are performed. Every repair round is appended to
// the candidate's history and persisted via the recorder before the next
// round starts.
func (l *RepairLoop) Run(ctx context.Context, raw string, ext extract.Result, page source.PageSource) *Candidate {
	cand := &Candidate{
		SectionID: page.SectionID,
		PageIndex: page.Index,
		Markup:    CleanResponse(raw),
		State:     StateUnchecked,
	}

	if err := CheckWellFormed(cand.Markup); err == nil {
		cand.State = StateWellFormed
		cand.WellFormed = true
		return cand
	} else {
		cand.State = StateMalformed
		slog.Debug("markup: malformed response", "page", page.Ref(), "error", err)
	}

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		cand.State = StateRepairRequested
		fixed, err := l.repairer.Repair(ctx, page, cand.Markup, ext.Text)
		if err != nil {
			// The repair request itself failed; the round still consumed
			// budget and is still recorded.
			rec := RepairAttempt{Attempt: attempt, CallError: err.Error()}
			cand.Repairs = append(cand.Repairs, rec)
			cand.State = StateMalformed
			slog.Warn("markup: repair call failed",
				"page", page.Ref(), "attempt", attempt, "error", err)
			continue
		}

		fixed = CleanResponse(fixed)
		rec := RepairAttempt{Attempt: attempt, Markup: fixed}
		if err := CheckWellFormed(fixed); err == nil {
			rec.WellFormed = true
		} else {
			rec.ParseError = err.Error()
		}
		cand.Repairs = append(cand.Repairs, rec)

		if l.recorder != nil {
			if err := l.recorder.RecordRepair(page, attempt, fixed); err != nil {
				slog.Warn("markup: persisting repair attempt failed",
					"page", page.Ref(), "attempt", attempt, "error", err)
			}
		}

		cand.Markup = fixed
		if rec.WellFormed {
			cand.State = StateWellFormed
			cand.WellFormed = true
			slog.Info("markup: repaired", "page", page.Ref(), "attempt", attempt)
			return cand
		}
		cand.State = StateMalformed
	}

	cand.State = StateRepairExhausted
	return cand
}
