package webcrawl

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aiknowledge/internal/adapter"
)

// Run statuses reported by the crawling service.
const (
	RunReady     = "READY"
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
	RunAborted   = "ABORTED"
	RunTimedOut  = "TIMED-OUT"
)

// Webhook event types delivered when a run finishes.
const (
	EventRunSucceeded = "ACTOR.RUN.SUCCEEDED"
	EventRunFailed    = "ACTOR.RUN.FAILED"
	EventRunAborted   = "ACTOR.RUN.ABORTED"
	EventRunTimedOut  = "ACTOR.RUN.TIMED_OUT"
	// EventCrawlProgress is emitted by the service itself for partial progress.
	EventCrawlProgress = "CRAWL.PROGRESS"
)

const WebhookSecretHeader = "X-Apify-Webhook-Secret"

type Run struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Markdown string `json:"markdown"`
}

type RunRequest struct {
	StartURL    string
	MaxPages    int
	KnowledgeID string
}

// Client is the crawling service API used by the adapter.
type Client interface {
	StartRun(ctx context.Context, req RunRequest) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	DatasetItems(ctx context.Context, datasetID string) ([]Page, error)
}

type ClientConfig struct {
	BaseURL       string
	Token         string
	ActorID       string
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
}

type apifyClient struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &apifyClient{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

type webhookSpec struct {
	EventTypes      []string `json:"eventTypes"`
	RequestURL      string   `json:"requestUrl"`
	PayloadTemplate string   `json:"payloadTemplate"`
	HeadersTemplate string   `json:"headersTemplate,omitempty"`
}

func (c *apifyClient) StartRun(ctx context.Context, req RunRequest) (*Run, error) {
	input := map[string]any{
		"startUrls":     []map[string]string{{"url": req.StartURL}},
		"maxCrawlPages": req.MaxPages,
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal crawl input failed: %w", err)
	}

	query := url.Values{}
	if c.cfg.WebhookURL != "" {
		headers, _ := json.Marshal(map[string]string{WebhookSecretHeader: c.cfg.WebhookSecret})
		hooks, err := json.Marshal([]webhookSpec{{
			EventTypes: []string{EventRunSucceeded, EventRunFailed, EventRunAborted, EventRunTimedOut},
			RequestURL: c.cfg.WebhookURL,
			PayloadTemplate: fmt.Sprintf(`{"eventType": {{eventType}}, "eventData": {{eventData}}, "knowledgeId": %q}`,
				req.KnowledgeID),
			HeadersTemplate: string(headers),
		}})
		if err != nil {
			return nil, fmt.Errorf("marshal webhook failed: %w", err)
		}
		query.Set("webhooks", base64.StdEncoding.EncodeToString(hooks))
	}

	var out struct {
		Data Run `json:"data"`
	}
	path := "/v2/acts/" + url.PathEscape(c.cfg.ActorID) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, query, body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *apifyClient) GetRun(ctx context.Context, runID string) (*Run, error) {
	var out struct {
		Data Run `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(runID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *apifyClient) DatasetItems(ctx context.Context, datasetID string) ([]Page, error) {
	query := url.Values{"format": {"json"}, "clean": {"true"}}
	var pages []Page
	if err := c.do(ctx, http.MethodGet, "/v2/datasets/"+url.PathEscape(datasetID)+"/items", query, nil, &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

func (c *apifyClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build crawl request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return adapter.Transient(fmt.Errorf("call crawl service failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapter.Transient(fmt.Errorf("read crawl response failed: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.FromHTTPStatus(resp.StatusCode,
			fmt.Errorf("crawl service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode crawl response failed: %w", err)
	}
	return nil
}
