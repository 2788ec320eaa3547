package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Recognizer converts a page image to text. Implementations are stateless
// and safe for concurrent use; every call carries its own page context.
type Recognizer interface {
	Recognize(ctx context.Context, png []byte) (string, error)
}

// HTTPRecognizer calls a local recognition service over HTTP. The service
// accepts a PNG upload and returns {"text": "..."}; it is best-effort and
// may return empty text for blank or unreadable pages.
type HTTPRecognizer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRecognizer creates a client for the recognition service at baseURL.
func NewHTTPRecognizer(baseURL string) *HTTPRecognizer {
	return &HTTPRecognizer{
		baseURL: baseURL,
		// Recognition of a single page at 150 DPI is normally seconds;
		// a minute means the service is wedged.
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type recognizeResponse struct {
	Text string `json:"text"`
}

// Recognize submits one page image and returns the recognized text.
func (r *HTTPRecognizer) Recognize(ctx context.Context, png []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "page.png")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(png); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/recognize", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("recognition request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", fmt.Errorf("recognition service error %d: %s", resp.StatusCode, string(slurp))
	}

	var parsed recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding recognition response: %w", err)
	}
	return parsed.Text, nil
}
