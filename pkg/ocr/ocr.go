// Package ocr wraps the external text-extraction service. The pipeline
// invokes it per chunk with a page window of the source document.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Request identifies a slice of the source document to extract.
// PageStart/PageEnd are 1-based and inclusive; zero values mean the whole
// document.
type Request struct {
	SourceURL string
	Language  string
	PageStart int
	PageEnd   int
}

// Page is the extracted text of a single page.
type Page struct {
	Number     int
	Text       string
	Confidence float64
}

// Result holds the pages extracted for one request, in document order.
type Result struct {
	Pages []Page
}

// Text joins the page texts in order.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Confidence averages the per-page confidence, 0 when unreported.
func (r Result) Confidence() float64 {
	if len(r.Pages) == 0 {
		return 0
	}
	var sum float64
	for _, p := range r.Pages {
		sum += p.Confidence
	}
	return sum / float64(len(r.Pages))
}

// Engine extracts text from a document reference.
type Engine interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// HTTPEngine calls an OCR.space-compatible parse endpoint.
type HTTPEngine struct {
	baseURL    string
	apiKey     string
	engine     string
	httpClient *http.Client
}

// NewHTTPEngine constructs the client. baseURL is the parse endpoint,
// e.g. "https://api.ocr.space/parse/imageurl".
func NewHTTPEngine(baseURL, apiKey string, httpClient *http.Client) *HTTPEngine {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		engine:     "2",
		httpClient: httpClient,
	}
}

type parsedResult struct {
	ParsedText        string  `json:"ParsedText"`
	FileParseExitCode int     `json:"FileParseExitCode"`
	MeanConfidence    float64 `json:"MeanConfidence"`
}

type parseResponse struct {
	ParsedResults         []parsedResult  `json:"ParsedResults"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage"`
}

// Extract requests OCR for the given page window and returns per-page text.
func (e *HTTPEngine) Extract(ctx context.Context, req Request) (Result, error) {
	q := url.Values{}
	q.Set("apikey", e.apiKey)
	q.Set("url", req.SourceURL)
	q.Set("isTable", "false")
	q.Set("OCREngine", e.engine)
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	if req.PageStart > 0 {
		pages := strconv.Itoa(req.PageStart)
		if req.PageEnd > req.PageStart {
			pages += "-" + strconv.Itoa(req.PageEnd)
		}
		q.Set("pages", pages)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("ocr service error: %s", resp.Status)
	}
	var parsed parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decode ocr response: %w", err)
	}
	if parsed.IsErroredOnProcessing || len(parsed.ParsedResults) == 0 {
		return Result{}, fmt.Errorf("ocr processing failed: %s", flattenErrorMessage(parsed.ErrorMessage))
	}
	pages := make([]Page, 0, len(parsed.ParsedResults))
	for i, pr := range parsed.ParsedResults {
		if pr.FileParseExitCode < 0 {
			continue
		}
		number := req.PageStart + i
		if req.PageStart == 0 {
			number = i + 1
		}
		pages = append(pages, Page{
			Number:     number,
			Text:       pr.ParsedText,
			Confidence: pr.MeanConfidence,
		})
	}
	result := Result{Pages: pages}
	if strings.TrimSpace(result.Text()) == "" {
		return Result{}, fmt.Errorf("no text extracted")
	}
	return result, nil
}

// flattenErrorMessage tolerates the service reporting either a string or a
// list of strings.
func flattenErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return strings.Join(many, "; ")
	}
	return string(raw)
}
