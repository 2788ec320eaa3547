// Package gen drives the remote generation service: it turns a page into
// tagged markup, owning retry policy, backoff, rate limiting, and the
// durable record of every wire attempt.
package gen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/foliopress/folio/extract"
	"github.com/foliopress/folio/llm"
	"github.com/foliopress/folio/source"
)

// ErrAttemptsExhausted is returned when every generation attempt failed
// with a transient error and the retry budget is spent.
var ErrAttemptsExhausted = errors.New("gen: generation attempts exhausted")

const (
	// DefaultMaxAttempts bounds the calls made for one page.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 500 * time.Millisecond
)

// Outcome classifies how a single attempt ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_error"
	OutcomeFatal     Outcome = "fatal_error"
	// OutcomeExhausted marks the final transient failure when no retry
	// budget remains.
	OutcomeExhausted Outcome = "exhausted"
)

// Attempt is the durable record of one wire call. Attempts are numbered
// from 1 and persisted in order; a page's history is never rewritten.
type Attempt struct {
	Attempt  int           `json:"attempt"`
	Outcome  Outcome       `json:"outcome"`
	Markup   string        `json:"markup,omitempty"`
	Err      string        `json:"error,omitempty"`
	Status   int           `json:"status,omitempty"` // HTTP status when the service answered
	Duration time.Duration `json:"duration"`
}

// AttemptRecorder persists attempts as they complete, before the client
// decides what to do next. A crash mid-page still leaves every attempt
// on disk.
type AttemptRecorder interface {
	RecordAttempt(page source.PageSource, a Attempt) error
}

// Client calls the generation service with bounded retries.
type Client struct {
	provider    llm.Provider
	model       string
	maxAttempts int
	baseDelay   time.Duration
	limiter     *rate.Limiter
	recorder    AttemptRecorder
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts sets the per-page attempt budget.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay seeds the exponential backoff: the sleep after attempt n
// is d*2^n.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.baseDelay = d
		}
	}
}

// WithLimiter installs a rate limiter shared across page workers. Each
// attempt waits for a token before hitting the wire.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithRecorder installs the attempt persistence hook.
func WithRecorder(r AttemptRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient builds a generation client on the given transport.
func NewClient(provider llm.Provider, model string, opts ...Option) *Client {
	c := &Client{
		provider:    provider,
		model:       model,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate converts one page into tagged markup. It makes up to
// maxAttempts wire calls, sleeping baseDelay*2^attempt between transient
// failures. The full attempt history is returned alongside the error; on
// success the last attempt carries the markup.
//
// Backoff sleeps are per-call and do not serialize sibling workers.
func (c *Client) Generate(ctx context.Context, page source.PageSource, ext extract.Result) ([]Attempt, error) {
	req := c.generationRequest(page, ext)

	var history []Attempt
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return history, err
		}

		start := time.Now()
		resp, err := c.provider.ChatWithImages(ctx, req)
		a := Attempt{Attempt: attempt, Duration: time.Since(start)}

		if err == nil {
			a.Outcome = OutcomeSuccess
			a.Markup = resp.Content
			c.record(page, a)
			history = append(history, a)
			slog.Debug("gen: page generated",
				"page", page.Ref(), "attempt", attempt,
				"elapsed", a.Duration.Round(time.Millisecond))
			return history, nil
		}

		lastErr = err
		a.Err = err.Error()

		var apiErr *llm.APIError
		transient := true
		if errors.As(err, &apiErr) {
			a.Status = apiErr.Status
			transient = apiErr.Transient()
		}

		switch {
		case !transient:
			a.Outcome = OutcomeFatal
			c.record(page, a)
			history = append(history, a)
			slog.Warn("gen: fatal generation error",
				"page", page.Ref(), "attempt", attempt, "status", a.Status, "error", err)
			return history, fmt.Errorf("gen: page %s: %w", page.Ref(), err)
		case attempt == c.maxAttempts:
			a.Outcome = OutcomeExhausted
		default:
			a.Outcome = OutcomeTransient
		}
		c.record(page, a)
		history = append(history, a)

		if a.Outcome == OutcomeExhausted {
			break
		}

		delay := c.backoff(attempt)
		slog.Debug("gen: transient error, backing off",
			"page", page.Ref(), "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return history, err
		}
	}

	return history, fmt.Errorf("%w: page %s after %d attempts: %v",
		ErrAttemptsExhausted, page.Ref(), c.maxAttempts, lastErr)
}

// Repair asks the service to correct malformed markup. It is a distinct
// request type from generation: the broken artifact and the original
// extracted text are both supplied, and the service is told to fix
// structure, not to re-generate content. Single wire call per invocation;
// the repair loop owns the round budget.
func (c *Client) Repair(ctx context.Context, page source.PageSource, broken, sourceText string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	req := c.repairRequest(page, broken, sourceText)
	start := time.Now()
	resp, err := c.provider.ChatWithImages(ctx, req)
	if err != nil {
		return "", fmt.Errorf("gen: repair for page %s: %w", page.Ref(), err)
	}
	slog.Debug("gen: repair returned",
		"page", page.Ref(), "elapsed", time.Since(start).Round(time.Millisecond))
	return resp.Content, nil
}

func (c *Client) generationRequest(page source.PageSource, ext extract.Result) llm.VisionChatRequest {
	userText := fmt.Sprintf("%s\n\nExtracted page text (%s tier):\n%s",
		generationInstructions, ext.Tier, ext.Text)
	return llm.VisionChatRequest{
		Model: c.model,
		Messages: []llm.VisionMessage{
			{
				Role:    "system",
				Content: []llm.ContentPart{{Type: "text", Text: generationSystemPrompt}},
			},
			{
				Role: "user",
				Content: []llm.ContentPart{
					{Type: "text", Text: userText},
					{Type: "image_url", ImageURL: &llm.ImageURL{URL: pngDataURL(page.Image)}},
				},
			},
		},
	}
}

func (c *Client) repairRequest(page source.PageSource, broken, sourceText string) llm.VisionChatRequest {
	userText := fmt.Sprintf("%s\n\nBroken markup:\n%s\n\nOriginal page text:\n%s",
		repairInstructions, broken, sourceText)
	return llm.VisionChatRequest{
		Model: c.model,
		Messages: []llm.VisionMessage{
			{
				Role:    "system",
				Content: []llm.ContentPart{{Type: "text", Text: repairSystemPrompt}},
			},
			{
				Role: "user",
				Content: []llm.ContentPart{
					{Type: "text", Text: userText},
					{Type: "image_url", ImageURL: &llm.ImageURL{URL: pngDataURL(page.Image)}},
				},
			},
		},
	}
}

// backoff returns the sleep after a transient failure of the given
// attempt number: baseDelay * 2^attempt.
func (c *Client) backoff(attempt int) time.Duration {
	return c.baseDelay << attempt
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) record(page source.PageSource, a Attempt) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordAttempt(page, a); err != nil {
		slog.Warn("gen: persisting attempt failed",
			"page", page.Ref(), "attempt", a.Attempt, "error", err)
	}
}

func pngDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
