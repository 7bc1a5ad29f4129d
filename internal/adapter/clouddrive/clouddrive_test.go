package clouddrive

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/adapter/adaptertest"
	"aiknowledge/internal/indexer"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/extract"
	"aiknowledge/internal/pkg/secretbox"
)

type fakeClient struct {
	token    string
	folders  map[string][]File
	content  map[string][]byte
	exported map[string]string
}

func (f *fakeClient) ListChildren(_ context.Context, folderID string) ([]File, error) {
	return f.folders[folderID], nil
}

func (f *fakeClient) Download(_ context.Context, fileID string) ([]byte, error) {
	data, ok := f.content[fileID]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return data, nil
}

func (f *fakeClient) Export(_ context.Context, fileID, mimeType string) ([]byte, error) {
	if f.exported == nil {
		f.exported = map[string]string{}
	}
	f.exported[fileID] = mimeType
	return f.content[fileID], nil
}

func newAdapter(t *testing.T, client *fakeClient) (*Adapter, adapter.Source, *adaptertest.Env) {
	t.Helper()
	box, err := secretbox.New("drive-secret")
	require.NoError(t, err)
	env := adaptertest.New(t)
	a := New(func(_ context.Context, token string) (Client, error) {
		client.token = token
		return client, nil
	}, box, env.Loader, nil)
	raw, err := a.SealConfig("root", "Shared", "access-token")
	require.NoError(t, err)
	return a, adapter.Source{ID: "ds", Type: model.DataSourceTypeCloudDrive, Config: raw}, env
}

func TestListItemsKeepsSupportedFilesOnly(t *testing.T) {
	client := &fakeClient{folders: map[string][]File{
		"root": {
			{ID: "f1", Name: "notes.txt", MimeType: extract.MimePlain},
			{ID: "f2", Name: "report.pdf", MimeType: extract.MimePDF},
			{ID: "f3", Name: "photo.png", MimeType: "image/png"},
			{ID: "sub", Name: "nested", MimeType: MimeFolder},
		},
		"sub": {
			{ID: "f4", Name: "plan", MimeType: MimeGoogleDoc},
			{ID: "root", Name: "loop", MimeType: MimeFolder},
		},
	}}
	a, src, _ := newAdapter(t, client)

	items, err := a.ListItems(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, items, 3)
	keys := []string{items[0].Key, items[1].Key, items[2].Key}
	assert.ElementsMatch(t, []string{"f1", "f2", "f4"}, keys)
	assert.Equal(t, "access-token", client.token)
	for _, it := range items {
		assert.Equal(t, it.Key, it.Metadata[model.MetaFileID])
		assert.NotEmpty(t, it.Metadata[model.MetaMimeType])
	}
}

func TestIndexItemExportsNativeFormats(t *testing.T) {
	client := &fakeClient{content: map[string][]byte{"sheet": []byte("name,qty\nbolts,4\n")}}
	a, src, env := newAdapter(t, client)
	k := &model.Knowledge{ID: "k1", Name: "inventory", Metadata: map[string]any{
		model.MetaFileID:   "sheet",
		model.MetaMimeType: MimeGoogleSheet,
	}}

	res, err := a.IndexItem(context.Background(), k, src)
	require.NoError(t, err)
	assert.Equal(t, model.IndexStatusCompleted, res.Status)
	assert.Equal(t, extract.MimeCSV, client.exported["sheet"])
	assert.Equal(t, extract.MimeCSV, res.Metadata["indexedMimeType"])
	assert.Equal(t, 1, env.Vectors.Count(indexer.Namespace("k1")))
}

func TestIndexItemMissingFile(t *testing.T) {
	a, src, _ := newAdapter(t, &fakeClient{})
	k := &model.Knowledge{ID: "k1", Metadata: map[string]any{model.MetaFileID: "gone", model.MetaMimeType: extract.MimePlain}}
	_, err := a.IndexItem(context.Background(), k, src)
	assert.True(t, errors.Is(err, adapter.ErrNotFound))
}

func TestTamperedCredentialIsUnauthorized(t *testing.T) {
	a, _, _ := newAdapter(t, &fakeClient{})
	src := adapter.Source{Config: []byte(`{"folderId":"root","credential":"not-sealed"}`)}
	_, err := a.ListItems(context.Background(), src)
	assert.ErrorIs(t, err, adapter.ErrUnauthorized)
}

func TestPrepareConfigSealsToken(t *testing.T) {
	client := &fakeClient{}
	a, _, _ := newAdapter(t, client)

	raw, err := a.PrepareConfig([]byte(`{"folderId":"root","folderName":"Shared","accessToken":"secret-token"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-token")

	_, err = a.ListItems(context.Background(), adapter.Source{ID: "ds", Config: raw})
	require.NoError(t, err)
	assert.Equal(t, "secret-token", client.token)

	_, err = a.PrepareConfig([]byte(`{"folderId":"root"}`))
	assert.ErrorIs(t, err, adapter.ErrInvalidConfig)
}
