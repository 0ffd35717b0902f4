// internal/clients/ocr_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"cardkiosk/internal/cards"
)

// OCRClient sends card images to the text extraction service.
type OCRClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOCRClient(baseURL string, timeout time.Duration) *OCRClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OCRClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ocrResponse struct {
	Success bool   `json:"success"`
	RUT     string `json:"rut"`
	Message string `json:"message,omitempty"`
}

// Extract uploads image and returns the identifier read from it, or
// cards.ErrNoMatch when the service found none.
func (c *OCRClient) Extract(ctx context.Context, filename string, image io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("tarjetaTNE", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, image); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ocr", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ocrResponse
	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode ocr response: %w", err)
		}
	default:
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if !out.Success || strings.TrimSpace(out.RUT) == "" {
		return "", cards.ErrNoMatch
	}
	return out.RUT, nil
}
