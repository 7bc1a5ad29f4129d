package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/adapter/adaptertest"
	"aiknowledge/internal/adapter/fileupload"
	"aiknowledge/internal/adapter/webcrawl"
	"aiknowledge/internal/ai"
	"aiknowledge/internal/app"
	"aiknowledge/internal/events"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/jwtutil"
	"aiknowledge/internal/pkg/tokenizer"
	"aiknowledge/internal/platform/database"
	"aiknowledge/internal/repository"
	"aiknowledge/internal/transport/http/handler"
)

const (
	testSecret        = "test-secret"
	testWebhookSecret = "hook-secret"
)

type idleCrawler struct{}

func (idleCrawler) StartRun(context.Context, webcrawl.RunRequest) (*webcrawl.Run, error) {
	return nil, errors.New("not started in handler tests")
}

func (idleCrawler) GetRun(context.Context, string) (*webcrawl.Run, error) {
	return nil, errors.New("not started in handler tests")
}

func (idleCrawler) DatasetItems(context.Context, string) ([]webcrawl.Page, error) {
	return nil, nil
}

// recorder collects published events without running the pipeline.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type testServer struct {
	router    *gin.Engine
	bus       *events.LocalBus
	recorded  *recorder
	knowledge *repository.KnowledgeRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := database.OpenTest(t)
	env := adaptertest.New(t)
	bus := events.NewLocalBus(context.Background(), nil)
	rec := &recorder{}
	bus.Subscribe(rec)

	sources := repository.NewDataSourceRepository(db)
	knowledge := repository.NewKnowledgeRepository(db)
	agents := repository.NewAgentDataSourceRepository(db)
	registry := adapter.NewRegistry(
		fileupload.New(env.Blobs, env.Loader),
		webcrawl.New(idleCrawler{}, env.Loader, 10, nil),
	)
	dataSources := app.NewDataSourceService(sources, knowledge, agents, registry, env.Blobs, bus, nil)
	contexts := app.NewContextService(agents, knowledge, ai.HashEmbedder{Dims: 32}, env.Vectors, env.Blobs,
		tokenizer.Words{}, app.ContextConfig{}, nil)

	router := Register(gin.New(), testSecret, Handlers{
		DataSources: handler.NewDataSourceHandler(dataSources, nil),
		Agents:      handler.NewAgentHandler(dataSources, contexts, nil),
		Webhooks:    handler.NewWebhookHandler(dataSources, testWebhookSecret, nil),
	})
	return &testServer{router: router, bus: bus, recorded: rec, knowledge: knowledge}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, org string, body []byte, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if org != "" {
		token, err := jwtutil.SignToken(testSecret, org, "user-1", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func (s *testServer) createCrawl(t *testing.T, org string) model.DataSource {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/api/v1/data-sources", org,
		[]byte(`{"name":"docs","type":"WEB_CRAWL","config":{"urls":["https://example.com"]}}`), "application/json")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var ds model.DataSource
	require.NoError(t, json.Unmarshal(env.Data, &ds))
	return ds
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodGet, "/api/v1/data-sources", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40100, env.Code)
}

func TestCreateListAndGetDataSource(t *testing.T) {
	s := newTestServer(t)
	ds := s.createCrawl(t, "org-1")
	assert.Equal(t, model.DataSourceTypeWebCrawl, ds.Type)
	assert.Equal(t, model.IndexStatusInitialized, ds.IndexStatus)

	s.bus.Wait()
	assert.Equal(t, []events.Type{events.SourceInitialized}, s.recorded.types())

	w, env := s.do(t, http.MethodGet, "/api/v1/data-sources", "org-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.DataSource
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, ds.ID, list[0].ID)

	w, _ = s.do(t, http.MethodGet, "/api/v1/data-sources/"+ds.ID, "org-1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = s.do(t, http.MethodGet, "/api/v1/data-sources/"+ds.ID, "org-2", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, env.Code)
}

func TestCreateRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/api/v1/data-sources", "org-1", []byte(`{"type":"WEB_CRAWL"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/data-sources", "org-1",
		[]byte(`{"name":"x","type":"FTP"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/data-sources", "org-1",
		[]byte(`{"name":"x","type":"WEB_CRAWL","config":{"urls":[]}}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshWhileIndexingConflicts(t *testing.T) {
	s := newTestServer(t)
	ds := s.createCrawl(t, "org-1")

	w, env := s.do(t, http.MethodPut, "/api/v1/data-sources/"+ds.ID+"/refresh", "org-1", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40900, env.Code)

	w, _ = s.do(t, http.MethodDelete, "/api/v1/data-sources/"+ds.ID, "org-1", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	s.bus.Wait()
	assert.Contains(t, s.recorded.types(), events.DeleteRequested)
}

func TestUploadCreatesFileSource(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "handbook"))
	part, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w, env := s.do(t, http.MethodPost, "/api/v1/data-sources/upload", "org-1", body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var ds model.DataSource
	require.NoError(t, json.Unmarshal(env.Data, &ds))
	assert.Equal(t, model.DataSourceTypeFileUpload, ds.Type)
	assert.Equal(t, "handbook", ds.Name)
}

func TestUploadWithoutFiles(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "empty"))
	require.NoError(t, mw.Close())

	w, _ := s.do(t, http.MethodPost, "/api/v1/data-sources/upload", "org-1", body.Bytes(), mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCrawlWebhook(t *testing.T) {
	s := newTestServer(t)
	ds := s.createCrawl(t, "org-1")
	unit := &model.Knowledge{SourceKey: "https://example.com", Name: "https://example.com", IndexStatus: model.IndexStatusIndexing}
	_, err := s.knowledge.CreateIfAbsent(context.Background(), ds.ID, []*model.Knowledge{unit})
	require.NoError(t, err)

	post := func(secret string, payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/crawl", bytes.NewBufferString(payload))
		req.Header.Set(webcrawl.WebhookSecretHeader, secret)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	done := `{"eventType":"ACTOR.RUN.SUCCEEDED","eventData":{"actorRunId":"run-1"},"knowledgeId":"` + unit.ID + `"}`
	assert.Equal(t, http.StatusUnauthorized, post("wrong", done).Code)
	assert.Equal(t, http.StatusBadRequest, post(testWebhookSecret, `{`).Code)
	assert.Equal(t, http.StatusNotFound,
		post(testWebhookSecret, `{"eventType":"ACTOR.RUN.SUCCEEDED","eventData":{"actorRunId":"run-1"},"knowledgeId":"missing"}`).Code)
	assert.Equal(t, http.StatusAccepted, post(testWebhookSecret, done).Code)

	s.bus.Wait()
	assert.Contains(t, s.recorded.types(), events.KnowledgeContentRetrieved)
}

func TestAgentAttachmentAndContext(t *testing.T) {
	s := newTestServer(t)
	ds := s.createCrawl(t, "org-1")

	w, env := s.do(t, http.MethodPost, "/api/v1/agents/agent-1/context", "org-1",
		[]byte(`{"prompt":"what is new"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result app.ContextResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Empty(t, result.Context)
	assert.Empty(t, result.Sources)

	w, _ = s.do(t, http.MethodPut, "/api/v1/agents/agent-1/data-sources/"+ds.ID, "org-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodPut, "/api/v1/agents/agent-1/data-sources/"+ds.ID, "org-2", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = s.do(t, http.MethodGet, "/api/v1/agents/agent-1/data-sources", "org-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var attached []model.DataSource
	require.NoError(t, json.Unmarshal(env.Data, &attached))
	require.Len(t, attached, 1)
	assert.Equal(t, ds.ID, attached[0].ID)

	w, _ = s.do(t, http.MethodPost, "/api/v1/agents/agent-1/context", "org-1", []byte(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryUnknownKnowledge(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, http.MethodPost, "/api/v1/knowledge/missing/retry", "org-1", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
