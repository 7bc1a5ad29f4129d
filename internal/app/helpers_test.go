package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/adapter/adaptertest"
	"aiknowledge/internal/adapter/fileupload"
	"aiknowledge/internal/adapter/webcrawl"
	"aiknowledge/internal/events"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/retry"
	"aiknowledge/internal/platform/database"
	"aiknowledge/internal/repository"
)

// fakeSource is a synchronous adapter whose items and outcomes are set by the test.
type fakeSource struct {
	loader *adapter.Loader

	mu        sync.Mutex
	items     []adapter.Item
	texts     map[string]string
	failures  map[string][]error
	listErr   error
	deleted   []string
	indexCall map[string]int
}

func newFakeSource(loader *adapter.Loader, texts map[string]string) *fakeSource {
	f := &fakeSource{loader: loader, texts: texts, failures: map[string][]error{}, indexCall: map[string]int{}}
	f.setItems(texts)
	return f
}

func (f *fakeSource) setItems(texts map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = texts
	f.items = nil
	for key := range texts {
		f.items = append(f.items, adapter.Item{
			Key:      key,
			Name:     key + ".md",
			Type:     "file",
			Metadata: map[string]any{model.MetaMimeType: "text/markdown"},
		})
	}
}

// failNext makes the next IndexItem calls for key return errs in order.
func (f *fakeSource) failNext(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = append(f.failures[key], errs...)
}

func (f *fakeSource) Type() model.DataSourceType { return model.DataSourceTypeCloudDrive }

func (f *fakeSource) Async() bool { return false }

func (f *fakeSource) ListItems(context.Context, adapter.Source) ([]adapter.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]adapter.Item(nil), f.items...), nil
}

func (f *fakeSource) IndexItem(ctx context.Context, k *model.Knowledge, _ adapter.Source) (*adapter.IndexResult, error) {
	f.mu.Lock()
	f.indexCall[k.SourceKey]++
	if errs := f.failures[k.SourceKey]; len(errs) > 0 {
		f.failures[k.SourceKey] = errs[1:]
		f.mu.Unlock()
		return nil, errs[0]
	}
	text := f.texts[k.SourceKey]
	f.mu.Unlock()
	return f.loader.LoadText(ctx, k, k.Name, text, 1)
}

func (f *fakeSource) PollStatus(_ context.Context, k *model.Knowledge) (*adapter.IndexResult, error) {
	return adapter.CurrentState(k), nil
}

func (f *fakeSource) HandleAsyncEvent(context.Context, *model.Knowledge, json.RawMessage) (*adapter.IndexResult, error) {
	return nil, adapter.ErrUnsupported
}

func (f *fakeSource) DeleteItem(ctx context.Context, knowledgeID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, knowledgeID)
	f.mu.Unlock()
	return f.loader.Delete(ctx, knowledgeID)
}

// fakeCrawler stands in for the crawling service.
type fakeCrawler struct {
	mu     sync.Mutex
	status string
	pages  []webcrawl.Page
}

func (c *fakeCrawler) StartRun(context.Context, webcrawl.RunRequest) (*webcrawl.Run, error) {
	return &webcrawl.Run{ID: "run-1", Status: webcrawl.RunRunning, DefaultDatasetID: "dataset-1"}, nil
}

func (c *fakeCrawler) GetRun(_ context.Context, runID string) (*webcrawl.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &webcrawl.Run{ID: runID, Status: c.status, DefaultDatasetID: "dataset-1"}, nil
}

func (c *fakeCrawler) DatasetItems(context.Context, string) ([]webcrawl.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages, nil
}

func (c *fakeCrawler) finish(pages ...webcrawl.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = webcrawl.RunSucceeded
	c.pages = pages
}

type harness struct {
	db        *gorm.DB
	env       *adaptertest.Env
	bus       *events.LocalBus
	sources   *repository.DataSourceRepository
	knowledge *repository.KnowledgeRepository
	agents    *repository.AgentDataSourceRepository
	ingestion *IngestionService
	service   *DataSourceService
	drive     *fakeSource
	crawler   *fakeCrawler
}

// newHarness runs the whole pipeline in process: sqlite, in-memory vectors,
// the local bus, a fake drive source, the real upload adapter and the real
// crawl adapter over a fake crawling service.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:      database.OpenTest(t),
		env:     adaptertest.New(t),
		bus:     events.NewLocalBus(context.Background(), nil),
		crawler: &fakeCrawler{status: webcrawl.RunRunning},
	}
	h.sources = repository.NewDataSourceRepository(h.db)
	h.knowledge = repository.NewKnowledgeRepository(h.db)
	h.agents = repository.NewAgentDataSourceRepository(h.db)
	h.drive = newFakeSource(h.env.Loader, map[string]string{})

	registry := adapter.NewRegistry(
		h.drive,
		fileupload.New(h.env.Blobs, h.env.Loader),
		webcrawl.New(h.crawler, h.env.Loader, 10, nil),
	)
	svc, err := NewIngestionService(h.sources, h.knowledge, registry, h.bus, IngestionConfig{MaxAttempts: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	h.ingestion = svc
	h.service = NewDataSourceService(h.sources, h.knowledge, h.agents, registry, h.env.Blobs, h.bus, nil)

	h.bus.Subscribe(events.NewDispatcher(svc, events.NewMemoryMarker(), retry.Policy{MaxAttempts: 1}, nil))
	return h
}

func (h *harness) createDrive(t *testing.T, texts map[string]string) *model.DataSource {
	t.Helper()
	h.drive.setItems(texts)
	ds, err := h.service.Create(context.Background(), CreateDataSourceInput{
		OrgID:  "org-1",
		UserID: "user-1",
		Name:   "drive",
		Type:   model.DataSourceTypeCloudDrive,
		Config: json.RawMessage(`{"folderId":"root"}`),
	})
	require.NoError(t, err)
	h.bus.Wait()
	return ds
}

func (h *harness) source(t *testing.T, id string) *model.DataSource {
	t.Helper()
	ds, err := h.sources.GetByID(context.Background(), id)
	require.NoError(t, err)
	return ds
}

func (h *harness) units(t *testing.T, dataSourceID string) map[string]model.Knowledge {
	t.Helper()
	list, err := h.knowledge.ListByDataSourceID(context.Background(), dataSourceID)
	require.NoError(t, err)
	out := make(map[string]model.Knowledge, len(list))
	for _, k := range list {
		out[k.SourceKey] = k
	}
	return out
}

func words(n int, word string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", word, i)
	}
	return strings.Join(parts, " ")
}
