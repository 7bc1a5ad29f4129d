package webcrawl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiknowledge/internal/adapter"
)

func TestClientStartRunRegistersWebhook(t *testing.T) {
	var hooks []webhookSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/acts/apify~website-content-crawler/runs", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		raw, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("webhooks"))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &hooks))
		_, _ = w.Write([]byte(`{"data":{"id":"run-9","status":"READY","defaultDatasetId":"set-9"}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL:       srv.URL,
		Token:         "token",
		ActorID:       "apify~website-content-crawler",
		WebhookURL:    "https://svc/api/v1/webhooks/crawl",
		WebhookSecret: "s3cret",
	})
	run, err := c.StartRun(context.Background(), RunRequest{StartURL: "https://example.com", MaxPages: 5, KnowledgeID: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "run-9", run.ID)
	assert.Equal(t, "set-9", run.DefaultDatasetID)

	require.Len(t, hooks, 1)
	assert.Len(t, hooks[0].EventTypes, 4)
	assert.Contains(t, hooks[0].PayloadTemplate, `"knowledgeId": "k1"`)
	assert.Contains(t, hooks[0].HeadersTemplate, "s3cret")
}

func TestClientClassifiesStatusCodes(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := NewClient(ClientConfig{BaseURL: srv.URL})

	_, err := c.GetRun(context.Background(), "r")
	assert.True(t, adapter.IsTransient(err))

	status = http.StatusNotFound
	_, err = c.GetRun(context.Background(), "r")
	assert.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestClientDatasetItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/datasets/set-1/items", r.URL.Path)
		_, _ = w.Write([]byte(`[{"url":"https://example.com","title":"Home","markdown":"hi"}]`))
	}))
	defer srv.Close()

	pages, err := NewClient(ClientConfig{BaseURL: srv.URL}).DatasetItems(context.Background(), "set-1")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "hi", pages[0].Markdown)
}
