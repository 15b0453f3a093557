package artifact_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"cloudship/internal/artifact"
	"cloudship/internal/deployment"
	"cloudship/internal/store"
	"cloudship/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if m.failKey != "" && strings.HasSuffix(key, m.failKey) {
		return "", errors.New("503 backend unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "gs://test-bucket/" + key, nil
}

func (m *memBlobs) pointer(t *testing.T, notebookID string) artifact.Pointer {
	t.Helper()
	m.mu.Lock()
	raw, ok := m.objects[artifact.PointerKey(notebookID)]
	m.mu.Unlock()
	require.True(t, ok, "pointer not written")

	var p artifact.Pointer
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

var pickle = append([]byte{0x80, 0x04, 0x95}, bytes.Repeat([]byte{0x01}, 64)...)

func newService(t *testing.T) (*artifact.Service, *memBlobs, *store.Store) {
	t.Helper()
	repo := storetest.Open(t)
	blobs := newMemBlobs()
	return artifact.NewService(repo, blobs, slog.New(slog.NewTextHandler(io.Discard, nil))), blobs, repo
}

func upload(body []byte, name string) artifact.Upload {
	return artifact.Upload{
		NotebookID: "nb-1",
		Filename:   name,
		Size:       int64(len(body)),
		Body:       bytes.NewReader(body),
	}
}

func TestUploadStoresActiveVersion(t *testing.T) {
	svc, blobs, _ := newService(t)
	ctx := context.Background()

	acc := 0.93
	up := upload(pickle, "model.pkl")
	up.Accuracy = &acc

	v, err := svc.Upload(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.Active)
	assert.NotNil(t, v.ActivatedAt)
	assert.Equal(t, &acc, v.Accuracy)
	assert.True(t, strings.HasPrefix(v.Location, "gs://test-bucket/models/nb-1/"))
	assert.True(t, strings.HasSuffix(v.Location, ".pkl"))

	key := strings.TrimPrefix(v.Location, "gs://test-bucket/")
	assert.Equal(t, pickle, blobs.objects[key], "blob must hold the full upload including the peeked header")

	p := blobs.pointer(t, "nb-1")
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, v.Location, p.Location)
}

func TestUploadRejectsBadFiles(t *testing.T) {
	svc, blobs, _ := newService(t)

	tests := []struct {
		name string
		up   artifact.Upload
	}{
		{"unknown extension", upload(pickle, "model.zip")},
		{"signature mismatch", upload([]byte("not a pickle at all"), "model.pkl")},
		{"empty", upload(nil, "model.pkl")},
		{"missing notebook", artifact.Upload{Filename: "model.pkl", Size: int64(len(pickle)), Body: bytes.NewReader(pickle)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(context.Background(), tt.up)
			assert.ErrorIs(t, err, deployment.ErrValidation)
		})
	}
	assert.Empty(t, blobs.objects)
}

func TestUploadNewVersionDeactivatesPrevious(t *testing.T) {
	svc, blobs, repo := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Upload(ctx, upload(pickle, "model.pkl"))
		require.NoError(t, err)
	}

	versions, err := svc.List(ctx, "nb-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)
	assert.True(t, versions[0].Active)
	assert.False(t, versions[1].Active)
	assert.False(t, versions[2].Active)

	n, err := repo.CountActive(ctx, "nb-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, blobs.pointer(t, "nb-1").Version)
}

func TestActivateOlderVersion(t *testing.T) {
	svc, blobs, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Upload(ctx, upload(pickle, "model.pkl"))
	require.NoError(t, err)
	_, err = svc.Upload(ctx, upload([]byte{0x89, 'H', 'D', 'F', 0x0d, 0x0a}, "model.h5"))
	require.NoError(t, err)

	v, err := svc.Activate(ctx, "nb-1", first.Version)
	require.NoError(t, err)
	assert.True(t, v.Active)

	active, err := svc.Active(ctx, "nb-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, 1, blobs.pointer(t, "nb-1").Version)

	_, err = svc.Activate(ctx, "nb-1", 42)
	assert.ErrorIs(t, err, deployment.ErrNotFound)
}

func TestPointerFailureKeepsDatabaseAuthoritative(t *testing.T) {
	svc, blobs, _ := newService(t)
	blobs.failKey = "latest.json"

	v, err := svc.Upload(context.Background(), upload(pickle, "model.pkl"))
	require.ErrorIs(t, err, deployment.ErrExternalService)
	require.NotNil(t, v)

	active, err := svc.Active(context.Background(), "nb-1")
	require.NoError(t, err)
	assert.Equal(t, v.ID, active.ID)
}

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		size     int64
		head     []byte
		wantExt  string
		wantErr  bool
	}{
		{"pickle protocol 5", "m.PKL", 10, []byte{0x80, 0x05}, ".pkl", false},
		{"hdf5", "m.h5", 10, []byte{0x89, 'H', 'D', 'F', 0x0d}, ".h5", false},
		{"torch zip", "m.pt", 10, []byte{'P', 'K', 0x03, 0x04}, ".pt", false},
		{"joblib", "m.joblib", 10, []byte{0x80, 0x03}, ".joblib", false},
		{"joblib protocol 5 unsupported", "m.joblib", 10, []byte{0x80, 0x05}, "", true},
		{"too large", "m.pkl", artifact.MaxSize + 1, []byte{0x80, 0x04}, "", true},
		{"no extension", "model", 10, []byte{0x80, 0x04}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := artifact.ValidateUpload(tt.filename, tt.size, tt.head)
			if tt.wantErr {
				assert.ErrorIs(t, err, deployment.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExt, ext)
		})
	}
}
