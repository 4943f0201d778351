package medication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/kiloguardian/kiloguardian/internal/httpkit"
	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
)

// Draft is the structured medication the external vision+LLM
// collaborator read off a prescription image (spec §4.7, "Extraction
// path"). LowConfidenceFields names the fields the collaborator itself
// flagged as uncertain, so the registry can surface them for user review
// instead of silently trusting a guess.
type Draft struct {
	Name                string   `json:"medication_name"`
	Dosage              string   `json:"dosage"`
	ScheduleRaw         string   `json:"schedule"`
	Prescriber          string   `json:"prescriber"`
	Instructions        string   `json:"instructions"`
	OCRText             string   `json:"ocr_text"`
	LowConfidenceFields []string `json:"low_confidence_fields"`
}

// Extractor posts a prescription image to the external collaborator and
// parses its structured response. It is treated as a black box: any
// failure (timeout, non-2xx, malformed body) surfaces as a
// kgerrors.Upstream, returned alongside whatever partial draft was
// already decoded, so the caller can hand the user a form to complete by hand rather than
// failing the whole request (spec §4.7).
type Extractor struct {
	baseURL string
	client  *http.Client
}

func NewExtractor(baseURL string, timeout time.Duration) *Extractor {
	return &Extractor{
		baseURL: baseURL,
		client:  httpkit.NewClient(httpkit.WithTimeout(timeout)),
	}
}

// Extract copies filename's contents into an in-memory multipart form
// body, posts it to the collaborator's /analyze/prescription endpoint
// and decodes its structured response. The whole body is built before
// the request is sent; it is not streamed.
func (e *Extractor) Extract(ctx context.Context, filename string, file io.Reader) (Draft, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("prescription", filename)
	if err != nil {
		return Draft{}, fmt.Errorf("build extract request: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return Draft{}, fmt.Errorf("stream prescription file: %w", err)
	}
	if err := w.Close(); err != nil {
		return Draft{}, fmt.Errorf("finalize extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/analyze/prescription", &body)
	if err != nil {
		return Draft{}, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return Draft{}, kgerrors.Upstream{Backend: "extractor", Cause: err}
	}

	if resp.StatusCode >= 300 {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		return Draft{}, kgerrors.Upstream{Backend: "extractor", Cause: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	var draft Draft
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil {
		return draft, kgerrors.Upstream{Backend: "extractor", Cause: fmt.Errorf("decode extract response: %w", err)}
	}
	return draft, nil
}
