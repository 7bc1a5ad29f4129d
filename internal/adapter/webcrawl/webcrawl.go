package webcrawl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/logger"
)

const defaultMaxPages = 50

// Config is stored on the data source.
type Config struct {
	URLs     []string `json:"urls"`
	MaxPages int      `json:"maxPages,omitempty"`
}

// WebhookPayload is what the crawling service posts back, and what the
// progress endpoint publishes for partial results.
type WebhookPayload struct {
	EventType   string    `json:"eventType"`
	EventData   EventData `json:"eventData"`
	KnowledgeID string    `json:"knowledgeId"`
}

type EventData struct {
	ActorID      string `json:"actorId,omitempty"`
	ActorRunID   string `json:"actorRunId"`
	PagesCrawled int    `json:"pagesCrawled,omitempty"`
	PagesTotal   int    `json:"pagesTotal,omitempty"`
}

type Adapter struct {
	client   Client
	loader   *adapter.Loader
	maxPages int
	logger   *slog.Logger
}

func New(client Client, loader *adapter.Loader, maxPages int, log *slog.Logger) *Adapter {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Adapter{client: client, loader: loader, maxPages: maxPages, logger: log.With("component", "webcrawl")}
}

func (a *Adapter) Type() model.DataSourceType { return model.DataSourceTypeWebCrawl }

func (a *Adapter) Async() bool { return true }

// NormalizeURL is the dedupe key for a crawl start URL.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid url %q", adapter.ErrInvalidConfig, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), nil
}

func (a *Adapter) PrepareConfig(raw json.RawMessage) (json.RawMessage, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidConfig, err)
	}
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", adapter.ErrInvalidConfig)
	}
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("%w: maxPages must not be negative", adapter.ErrInvalidConfig)
	}
	for i, raw := range cfg.URLs {
		u, err := NormalizeURL(raw)
		if err != nil {
			return nil, err
		}
		cfg.URLs[i] = u
	}
	return json.Marshal(cfg)
}

func (a *Adapter) ListItems(_ context.Context, src adapter.Source) ([]adapter.Item, error) {
	var cfg Config
	if err := adapter.DecodeConfig(src, &cfg); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	items := make([]adapter.Item, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		key, err := NormalizeURL(raw)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, adapter.Item{
			Key:  key,
			Name: key,
			Type: "url",
			Metadata: map[string]any{
				model.MetaURL:      key,
				model.MetaMimeType: "text/markdown",
				"maxPages":         cfg.MaxPages,
			},
		})
	}
	return items, nil
}

// IndexItem starts a crawl run. The unit stays INDEXING until the run's
// webhook arrives or the recovery sweep polls it.
func (a *Adapter) IndexItem(ctx context.Context, k *model.Knowledge, _ adapter.Source) (*adapter.IndexResult, error) {
	maxPages := k.MetaInt("maxPages")
	if maxPages <= 0 {
		maxPages = a.maxPages
	}
	run, err := a.client.StartRun(ctx, RunRequest{
		StartURL:    k.MetaString(model.MetaURL),
		MaxPages:    maxPages,
		KnowledgeID: k.ID,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("crawl run started", "knowledge_id", k.ID, "run_id", run.ID)
	return &adapter.IndexResult{
		Status: model.IndexStatusIndexing,
		Metadata: map[string]any{
			model.MetaRunID:           run.ID,
			model.MetaDatasetID:       run.DefaultDatasetID,
			model.MetaPercentComplete: 0,
		},
	}, nil
}

func (a *Adapter) PollStatus(ctx context.Context, k *model.Knowledge) (*adapter.IndexResult, error) {
	runID := k.MetaString(model.MetaRunID)
	if k.IndexStatus.Terminal() || runID == "" {
		return adapter.CurrentState(k), nil
	}
	run, err := a.client.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return a.settle(ctx, k, run)
}

func (a *Adapter) HandleAsyncEvent(ctx context.Context, k *model.Knowledge, payload json.RawMessage) (*adapter.IndexResult, error) {
	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode crawl event: %v", adapter.ErrUnsupported, err)
	}
	if runID := k.MetaString(model.MetaRunID); runID != "" && p.EventData.ActorRunID != "" && runID != p.EventData.ActorRunID {
		a.logger.Warn("ignoring event for superseded run", "knowledge_id", k.ID, "run_id", p.EventData.ActorRunID)
		return adapter.CurrentState(k), nil
	}

	switch p.EventType {
	case EventCrawlProgress:
		pct := 0
		if p.EventData.PagesTotal > 0 {
			pct = min(100*p.EventData.PagesCrawled/p.EventData.PagesTotal, 99)
		}
		return &adapter.IndexResult{
			Status:   model.IndexStatusIndexing,
			Metadata: map[string]any{model.MetaPercentComplete: pct, "pagesCrawled": p.EventData.PagesCrawled},
		}, nil
	case EventRunSucceeded:
		runID := p.EventData.ActorRunID
		if runID == "" {
			runID = k.MetaString(model.MetaRunID)
		}
		run, err := a.client.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return a.settle(ctx, k, run)
	case EventRunFailed, EventRunAborted, EventRunTimedOut:
		return failed(k, p.EventType), nil
	}
	return nil, fmt.Errorf("%w: crawl event %q", adapter.ErrUnsupported, p.EventType)
}

func (a *Adapter) settle(ctx context.Context, k *model.Knowledge, run *Run) (*adapter.IndexResult, error) {
	switch run.Status {
	case RunSucceeded:
		return a.collect(ctx, k, run)
	case RunFailed, RunAborted, RunTimedOut:
		return failed(k, run.Status), nil
	}
	return &adapter.IndexResult{Status: model.IndexStatusIndexing}, nil
}

// collect downloads the crawled pages and indexes them as one markdown document.
func (a *Adapter) collect(ctx context.Context, k *model.Knowledge, run *Run) (*adapter.IndexResult, error) {
	datasetID := run.DefaultDatasetID
	if datasetID == "" {
		datasetID = k.MetaString(model.MetaDatasetID)
	}
	pages, err := a.client.DatasetItems(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, p := range pages {
		body := p.Markdown
		if body == "" {
			body = p.Text
		}
		if strings.TrimSpace(body) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if p.Title != "" {
			fmt.Fprintf(&b, "# %s\n", p.Title)
		}
		fmt.Fprintf(&b, "Source: %s\n\n%s", p.URL, strings.TrimSpace(body))
	}

	res, err := a.loader.LoadText(ctx, k, k.MetaString(model.MetaURL), b.String(), len(pages))
	if err != nil {
		return nil, err
	}
	res.Metadata[model.MetaPercentComplete] = 100
	res.Metadata["pagesCrawled"] = len(pages)
	return res, nil
}

func failed(k *model.Knowledge, reason string) *adapter.IndexResult {
	return &adapter.IndexResult{
		Status: model.IndexStatusFailed,
		Metadata: map[string]any{
			model.MetaErrors: map[string]model.StepError{
				"crawl": {
					Kind:    adapter.KindRemoteFailure,
					Message: fmt.Sprintf("crawl run %s ended with %s", k.MetaString(model.MetaRunID), reason),
					At:      time.Now(),
				},
			},
		},
	}
}

func (a *Adapter) DeleteItem(ctx context.Context, knowledgeID string) error {
	return a.loader.Delete(ctx, knowledgeID)
}
