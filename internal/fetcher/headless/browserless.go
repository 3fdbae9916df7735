package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

const maxRenderedBytes = 20 << 20

// HTTPRenderer talks to a Browserless-style rendering service over HTTP.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer builds a client for the service rooted at baseURL.
func NewHTTPRenderer(baseURL string, client *http.Client) *HTTPRenderer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRenderer{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type renderPayload struct {
	URL           string       `json:"url"`
	TimeoutMs     int64        `json:"timeoutMs,omitempty"`
	WaitCondition string       `json:"waitCondition,omitempty"`
	GotoOptions   *gotoOptions `json:"gotoOptions,omitempty"`
	UserAgent     string       `json:"userAgent,omitempty"`
}

type gotoOptions struct {
	WaitUntil string `json:"waitUntil,omitempty"`
	Timeout   int64  `json:"timeout,omitempty"`
}

// renderReply accepts any subset of the documented fields.
type renderReply struct {
	StatusCode *int    `json:"statusCode"`
	HTML       *string `json:"html"`
	Title      *string `json:"title"`
	ElapsedMs  *int64  `json:"elapsedMs"`
	Error      string  `json:"error"`
}

// Render posts the request to {base}/content.
func (r *HTTPRenderer) Render(ctx context.Context, request crawler.RenderRequest) (crawler.RenderResult, error) {
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}
	payload := renderPayload{
		URL:           request.URL,
		TimeoutMs:     request.Timeout.Milliseconds(),
		WaitCondition: request.WaitCondition,
		UserAgent:     request.UserAgent,
	}
	if request.WaitCondition == crawler.WaitNetworkIdle {
		payload.GotoOptions = &gotoOptions{WaitUntil: "networkidle2", Timeout: request.Timeout.Milliseconds()}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/content", bytes.NewReader(body))
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("new render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderedBytes))
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("read render response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return crawler.RenderResult{}, fmt.Errorf("render service status %d: %s", resp.StatusCode, strings.TrimSpace(string(truncate(raw, 256))))
	}

	result := crawler.RenderResult{URL: request.URL, StatusCode: http.StatusOK, Elapsed: time.Since(start)}
	if isJSON(resp.Header.Get("Content-Type"), raw) {
		var reply renderReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return crawler.RenderResult{}, fmt.Errorf("decode render response: %w", err)
		}
		if reply.Error != "" {
			return crawler.RenderResult{}, fmt.Errorf("render service: %s", reply.Error)
		}
		if reply.HTML == nil {
			return crawler.RenderResult{}, errors.New("render service returned no html")
		}
		result.HTML = *reply.HTML
		if reply.StatusCode != nil {
			result.StatusCode = *reply.StatusCode
		}
		if reply.Title != nil {
			result.Title = *reply.Title
		}
		if reply.ElapsedMs != nil {
			result.Elapsed = time.Duration(*reply.ElapsedMs) * time.Millisecond
		}
	} else {
		result.HTML = string(raw)
	}
	if result.Title == "" {
		result.Title = titleOf(result.HTML)
	}
	return result, nil
}

// Health probes {base}/health.
func (r *HTTPRenderer) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("new health request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func isJSON(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func titleOf(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
