package chunker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// OCR endpoint and form fields.
const (
	apiOCR         = "/v1/ocr"
	formFieldFile  = "file"
	headerAccept   = "Accept"
	headerContent  = "Content-Type"
	contentTypeApp = "application/json"
	maxErrorBody   = 4 << 10
)

// Error messages.
const (
	errFmtOCRStatus = "OCR service returned non-OK status: %s, body: %s"
)

// ErrInvalidEncoding indicates a plain-text document that is not valid UTF-8.
var ErrInvalidEncoding = errors.New("document is not valid UTF-8")

// PlainTextExtractor reads text documents as they are.
type PlainTextExtractor struct{}

// Extract decodes data as UTF-8.
func (PlainTextExtractor) Extract(_ context.Context, _ string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", ErrInvalidEncoding
	}

	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

// OCRClient extracts text from scanned or binary documents via an HTTP OCR service.
type OCRClient struct {
	httpClient *http.Client
	baseURL    string
}

// ocrResponse is the JSON body returned by the OCR service.
type ocrResponse struct {
	Text string `json:"text"`
}

// NewOCRClient creates a client for the OCR service at baseURL.
func NewOCRClient(baseURL string, timeout time.Duration) *OCRClient {
	return &OCRClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Extract uploads the document as multipart form data and returns the recognized text.
func (c *OCRClient) Extract(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(data)
	if err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiOCR, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerContent, writer.FormDataContentType())
	req.Header.Set(headerAccept, contentTypeApp)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request to OCR service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return "", fmt.Errorf(errFmtOCRStatus, resp.Status, strings.TrimSpace(string(body)))
	}

	var result ocrResponse

	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return "", fmt.Errorf("failed to decode OCR response: %w", err)
	}

	return result.Text, nil
}

// DefaultExtractors maps document extensions to extractors.
func DefaultExtractors(ocr TextExtractor) map[string]TextExtractor {
	plain := PlainTextExtractor{}

	return map[string]TextExtractor{
		".txt":  plain,
		".md":   plain,
		".pdf":  ocr,
		".doc":  ocr,
		".docx": ocr,
		".png":  ocr,
		".jpg":  ocr,
		".jpeg": ocr,
	}
}
