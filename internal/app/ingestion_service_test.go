package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/adapter/webcrawl"
	"aiknowledge/internal/events"
	"aiknowledge/internal/indexer"
	"aiknowledge/internal/model"
)

func TestUploadOfSmallTextCompletes(t *testing.T) {
	h := newHarness(t)
	text := words(500, "token")

	ds, err := h.service.Upload(context.Background(), UploadInput{
		OrgID:  "org-1",
		UserID: "user-1",
		Files:  []UploadFile{{FileName: "notes.txt", MimeType: "text/plain", Size: int64(len(text)), Body: strings.NewReader(text)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", ds.Name)
	h.bus.Wait()

	got := h.source(t, ds.ID)
	assert.Equal(t, model.IndexStatusCompleted, got.IndexStatus)
	assert.Equal(t, 100, got.IndexPercentage)
	assert.NotNil(t, got.LastIndexedAt)

	units := h.units(t, ds.ID)
	require.Len(t, units, 1)
	for _, k := range units {
		assert.Equal(t, model.IndexStatusCompleted, k.IndexStatus)
		assert.Equal(t, 500, k.TotalTokenCount())
		assert.Equal(t, 1, k.MetaInt("chunkCount"))
		assert.NotEmpty(t, k.ExtractedBlobRef)
		assert.Equal(t, 1, h.env.Vectors.Count(indexer.Namespace(k.ID)))
	}
}

func TestOneFailingUnitFailsSourceOnly(t *testing.T) {
	h := newHarness(t)
	h.drive.failNext("bad", adapter.ErrUnsupported)

	ds := h.createDrive(t, map[string]string{
		"good-1": words(20, "a"),
		"good-2": words(20, "b"),
		"bad":    words(20, "c"),
	})

	got := h.source(t, ds.ID)
	assert.Equal(t, model.IndexStatusFailed, got.IndexStatus)
	assert.Equal(t, 66, got.IndexPercentage)
	assert.NotNil(t, got.LastIndexedAt)

	units := h.units(t, ds.ID)
	require.Len(t, units, 3)
	for _, key := range []string{"good-1", "good-2"} {
		assert.Equal(t, model.IndexStatusCompleted, units[key].IndexStatus)
		assert.Equal(t, 1, h.env.Vectors.Count(indexer.Namespace(units[key].ID)))
	}

	bad := units["bad"]
	assert.Equal(t, model.IndexStatusFailed, bad.IndexStatus)
	errs, ok := bad.Metadata[model.MetaErrors].(map[string]any)
	require.True(t, ok)
	step, ok := errs["index"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, adapter.KindUnsupported, step["kind"])
	assert.NotEmpty(t, step["message"])
	assert.NotEmpty(t, step["at"])
	assert.Zero(t, h.env.Vectors.Count(indexer.Namespace(bad.ID)))
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.drive.failNext("flaky", adapter.Transient(assert.AnError))

	ds := h.createDrive(t, map[string]string{"flaky": words(10, "x")})

	assert.Equal(t, model.IndexStatusCompleted, h.source(t, ds.ID).IndexStatus)
	assert.Equal(t, 2, h.drive.indexCall["flaky"])
}

func TestEmptySourceCompletes(t *testing.T) {
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{})

	got := h.source(t, ds.ID)
	assert.Equal(t, model.IndexStatusCompleted, got.IndexStatus)
	assert.Equal(t, 100, got.IndexPercentage)
}

func TestListingFailureFailsSource(t *testing.T) {
	h := newHarness(t)
	h.drive.listErr = adapter.ErrUnauthorized

	ds := h.createDrive(t, map[string]string{"a": "text"})

	got := h.source(t, ds.ID)
	assert.Equal(t, model.IndexStatusFailed, got.IndexStatus)
	assert.Empty(t, h.units(t, ds.ID))
}

func TestRefreshListingFailureKeepsAggregate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a"), "b": words(5, "b")})
	settled := h.source(t, ds.ID)
	require.Equal(t, model.IndexStatusCompleted, settled.IndexStatus)
	require.NotNil(t, settled.LastIndexedAt)

	h.drive.mu.Lock()
	h.drive.listErr = adapter.ErrUnauthorized
	h.drive.mu.Unlock()
	require.NoError(t, h.service.RequestRefresh(ctx, "org-1", ds.ID))
	h.bus.Wait()

	for key, k := range h.units(t, ds.ID) {
		assert.Equal(t, model.IndexStatusCompleted, k.IndexStatus, "unit %s", key)
	}
	got := h.source(t, ds.ID)
	assert.Equal(t, model.IndexStatusCompleted, got.IndexStatus)
	assert.Equal(t, 100, got.IndexPercentage)
	assert.NotNil(t, got.LastIndexedAt)
	assert.Empty(t, h.drive.deleted)
}

func TestRelistFailureWithExistingUnitsAggregates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a")})

	h.drive.mu.Lock()
	h.drive.listErr = adapter.ErrUnauthorized
	h.drive.mu.Unlock()
	require.NoError(t, h.bus.Publish(ctx, events.New(events.SourceInitialized, ds.ID, ds.Type)))
	h.bus.Wait()

	assert.Equal(t, model.IndexStatusCompleted, h.source(t, ds.ID).IndexStatus)
}

func TestListingTwiceCreatesNoDuplicates(t *testing.T) {
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a"), "b": words(5, "b"), "c": words(5, "c")})

	require.NoError(t, h.bus.Publish(context.Background(), events.New(events.SourceInitialized, ds.ID, ds.Type)))
	h.bus.Wait()

	assert.Len(t, h.units(t, ds.ID), 3)
	for _, key := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, h.drive.indexCall[key], "unit %s indexed more than once", key)
	}
	assert.Equal(t, model.IndexStatusCompleted, h.source(t, ds.ID).IndexStatus)
}

func TestDuplicateEventIsHandledOnce(t *testing.T) {
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a")})

	e := events.New(events.RefreshRequested, ds.ID, ds.Type)
	require.NoError(t, h.bus.Publish(context.Background(), e))
	h.bus.Wait()
	require.NoError(t, h.bus.Publish(context.Background(), e))
	h.bus.Wait()

	assert.Equal(t, 2, h.drive.indexCall["a"])
}

func TestDeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a"), "b": words(5, "b")})
	units := h.units(t, ds.ID)
	require.NoError(t, h.agents.Attach(ctx, "agent-1", ds.ID))

	require.NoError(t, h.service.RequestDelete(ctx, "org-1", ds.ID))
	h.bus.Wait()

	assert.Nil(t, h.source(t, ds.ID))
	assert.ElementsMatch(t, []string{units["a"].ID, units["b"].ID}, h.drive.deleted)
	for _, k := range units {
		assert.Zero(t, h.env.Vectors.Count(indexer.Namespace(k.ID)))
	}
	for _, m := range []any{&model.Knowledge{}, &model.DataSourceKnowledge{}, &model.AgentDataSource{}} {
		var n int64
		require.NoError(t, h.db.Model(m).Count(&n).Error)
		assert.Zero(t, n)
	}
}

func TestLateResultForDeletedUnitIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a")})
	k := h.units(t, ds.ID)["a"]

	require.NoError(t, h.sources.DeleteCascade(ctx, ds.ID))
	k.IndexStatus = model.IndexStatusIndexing
	require.NoError(t, h.ingestion.apply(ctx, &k, &adapter.IndexResult{Status: model.IndexStatusCompleted}))

	got, err := h.knowledge.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, h.source(t, ds.ID))
}

func TestRefreshAddsRemovesAndReindexes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a"), "b": words(5, "b")})
	before := h.units(t, ds.ID)

	h.drive.setItems(map[string]string{"b": words(8, "b"), "c": words(5, "c")})
	require.NoError(t, h.service.RequestRefresh(ctx, "org-1", ds.ID))
	h.bus.Wait()

	after := h.units(t, ds.ID)
	require.Len(t, after, 2)
	assert.Equal(t, before["b"].ID, after["b"].ID)
	bk := after["b"]
	assert.Equal(t, 8, bk.TotalTokenCount())
	assert.Equal(t, model.IndexStatusCompleted, after["c"].IndexStatus)
	assert.Equal(t, []string{before["a"].ID}, h.drive.deleted)
	assert.Zero(t, h.env.Vectors.Count(indexer.Namespace(before["a"].ID)))
	assert.Equal(t, model.IndexStatusCompleted, h.source(t, ds.ID).IndexStatus)
}

func TestRetryKnowledgeReindexesFailedUnit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.drive.failNext("a", adapter.ErrNotFound)
	ds := h.createDrive(t, map[string]string{"a": words(5, "a")})
	require.Equal(t, model.IndexStatusFailed, h.source(t, ds.ID).IndexStatus)
	k := h.units(t, ds.ID)["a"]

	_, err := h.service.RetryKnowledge(ctx, "org-2", k.ID)
	assert.ErrorIs(t, err, ErrKnowledgeNotFound)

	got, err := h.service.RetryKnowledge(ctx, "org-1", k.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IndexStatusInitialized, got.IndexStatus)
	h.bus.Wait()

	k = h.units(t, ds.ID)["a"]
	assert.Equal(t, model.IndexStatusCompleted, k.IndexStatus)
	assert.NotContains(t, k.Metadata, model.MetaErrors)
	assert.Equal(t, model.IndexStatusCompleted, h.source(t, ds.ID).IndexStatus)

	_, err = h.service.RetryKnowledge(ctx, "org-1", k.ID)
	assert.ErrorIs(t, err, ErrKnowledgeNotRetryable)
}

func createCrawl(t *testing.T, h *harness) (*model.DataSource, model.Knowledge) {
	t.Helper()
	ds, err := h.service.Create(context.Background(), CreateDataSourceInput{
		OrgID:  "org-1",
		UserID: "user-1",
		Name:   "docs site",
		Type:   model.DataSourceTypeWebCrawl,
		Config: json.RawMessage(`{"urls":["https://docs.example.com/"]}`),
	})
	require.NoError(t, err)
	h.bus.Wait()

	units := h.units(t, ds.ID)
	require.Len(t, units, 1)
	k := units["https://docs.example.com"]
	require.Equal(t, model.IndexStatusIndexing, k.IndexStatus)
	require.Equal(t, "run-1", k.MetaString(model.MetaRunID))
	require.Equal(t, model.IndexStatusIndexing, h.source(t, ds.ID).IndexStatus)
	return ds, k
}

func TestCrawlCompletesOnWebhook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds, k := createCrawl(t, h)

	h.crawler.finish(webcrawl.Page{URL: "https://docs.example.com", Title: "Docs", Text: words(30, "page")})
	body, err := json.Marshal(webcrawl.WebhookPayload{
		EventType:   webcrawl.EventRunSucceeded,
		EventData:   webcrawl.EventData{ActorRunID: "run-1"},
		KnowledgeID: k.ID,
	})
	require.NoError(t, err)
	require.NoError(t, h.service.ReceiveCrawlWebhook(ctx, body))
	h.bus.Wait()

	got := h.units(t, ds.ID)["https://docs.example.com"]
	assert.Equal(t, model.IndexStatusCompleted, got.IndexStatus)
	assert.Equal(t, 100, got.MetaInt(model.MetaPercentComplete))
	assert.Equal(t, 1, h.env.Vectors.Count(indexer.Namespace(k.ID)))
	assert.Equal(t, model.IndexStatusCompleted, h.source(t, ds.ID).IndexStatus)

	// a redelivered webhook maps to the same event and a late one is dropped
	require.NoError(t, h.service.ReceiveCrawlWebhook(ctx, body))
	h.bus.Wait()
	assert.Equal(t, model.IndexStatusCompleted, h.units(t, ds.ID)["https://docs.example.com"].IndexStatus)

	assert.ErrorIs(t, h.service.ReceiveCrawlWebhook(ctx, []byte(`{"eventType":"ACTOR.RUN.SUCCEEDED","knowledgeId":"missing"}`)), ErrWebhookUnknown)
	assert.ErrorIs(t, h.service.ReceiveCrawlWebhook(ctx, []byte(`not json`)), ErrInvalidInput)
}

func TestSweepSettlesStaleCrawl(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds, k := createCrawl(t, h)

	result, err := h.ingestion.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.DataSourceID, "fresh sources are not swept")

	require.NoError(t, h.db.Model(&model.DataSource{}).Where("id = ?", ds.ID).
		UpdateColumn("updated_at", time.Now().Add(-2*time.Hour)).Error)
	h.crawler.finish(webcrawl.Page{URL: "https://docs.example.com", Text: words(30, "page")})

	result, err = h.ingestion.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ds.ID, result.DataSourceID)
	assert.Equal(t, 1, result.Polled)
	assert.Equal(t, 1, result.Settled)

	assert.Equal(t, model.IndexStatusCompleted, h.units(t, ds.ID)["https://docs.example.com"].IndexStatus)
	got := h.source(t, ds.ID)
	assert.Equal(t, model.IndexStatusCompleted, got.IndexStatus)
	assert.Equal(t, 100, got.IndexPercentage)
	assert.Equal(t, 1, h.env.Vectors.Count(indexer.Namespace(k.ID)))

	result, err = h.ingestion.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.DataSourceID)
}

func TestSweepLeavesRunningCrawlIndexing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds, _ := createCrawl(t, h)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.db.Model(&model.DataSource{}).Where("id = ?", ds.ID).UpdateColumn("updated_at", old).Error)

	result, err := h.ingestion.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Polled)
	assert.Zero(t, result.Settled)

	got := h.source(t, ds.ID)
	assert.Equal(t, model.IndexStatusIndexing, got.IndexStatus)
	assert.True(t, got.UpdatedAt.After(old), "swept source moves to the back of the queue")
}

type recordingPublisher struct {
	published []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.published = append(p.published, e)
	return nil
}

func TestRefreshDueRequestsElapsedSources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pub := &recordingPublisher{}
	svc, err := NewIngestionService(h.sources, h.knowledge, adapter.NewRegistry(), pub, IngestionConfig{}, nil)
	require.NoError(t, err)
	defer svc.Close()

	old := time.Now().Add(-48 * time.Hour)
	ds := &model.DataSource{OrgID: "org-1", OwnerUserID: "u", Name: "daily", Type: model.DataSourceTypeWebCrawl,
		RefreshPeriod: model.RefreshPeriodDaily, IndexStatus: model.IndexStatusCompleted, LastIndexedAt: &old}
	require.NoError(t, h.sources.Create(ctx, ds))

	n, err := svc.RefreshDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = svc.RefreshDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.published, 2)
	assert.Equal(t, events.RefreshRequested, pub.published[0].Type)
	assert.Equal(t, ds.ID, pub.published[0].DataSourceID)
	assert.Equal(t, pub.published[0].ID, pub.published[1].ID, "repeated checks share one event id")
}

func TestRetryableEvent(t *testing.T) {
	assert.True(t, RetryableEvent(assert.AnError))
	assert.True(t, RetryableEvent(adapter.Transient(assert.AnError)))
	assert.False(t, RetryableEvent(adapter.ErrUnauthorized))
	assert.False(t, RetryableEvent(adapter.ErrUnsupported))
}
