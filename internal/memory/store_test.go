package memory

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
)

// fakeEmbeddingServer serves an OpenAI-compatible /embeddings endpoint with
// deterministic vectors, so similarity search works without a real provider.
func fakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": embedText(req.Input)},
			},
		}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// embedText maps text to a fixed 8-dim vector. Identical text always embeds
// identically, so querying with a stored lesson's text ranks it first.
func embedText(text string) []float32 {
	vec := make([]float32, 8)
	for i := range vec {
		h := fnv.New32a()
		h.Write([]byte{byte(i)})
		h.Write([]byte(text))
		vec[i] = float32(h.Sum32()%1000)/1000 + 0.001
	}
	return vec
}

func testStore(t *testing.T) *Store {
	t.Helper()
	srv := fakeEmbeddingServer(t)
	store, err := NewStore(config.MemoryConfig{
		Enabled:    true,
		Path:       t.TempDir(),
		Collection: "lessons",
		Embedding: config.EmbeddingConfig{
			BaseURL: srv.URL,
			Model:   "test-embedder",
		},
	}, logging.NewNop())
	require.NoError(t, err)
	return store
}

func TestNewStore_RequiresLogger(t *testing.T) {
	_, err := NewStore(config.MemoryConfig{Path: t.TempDir(), Collection: "lessons"}, nil)
	assert.Error(t, err)
}

func TestStore_Empty(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	assert.Equal(t, 0, store.Count())

	lessons, err := store.Query(ctx, "anything", 3)
	require.NoError(t, err)
	assert.Nil(t, lessons)

	texts, err := store.Retrieve(ctx, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, texts)
}

func TestStore_QueryValidation(t *testing.T) {
	store := testStore(t)
	_, err := store.Query(context.Background(), "anything", 0)
	assert.Error(t, err)
}

func TestStoreLesson_Validation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	assert.Error(t, store.StoreLesson(ctx, "", "task", "lesson", 80))
	assert.Error(t, store.StoreLesson(ctx, "run-1", "task", "", 80))
}

func TestStore_Roundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreLesson(ctx, "run-1", "build a todo app",
		"Validate inputs before writing to disk.", 88))
	require.NoError(t, store.StoreLesson(ctx, "run-2", "build a chat server",
		"Close connections on shutdown.", 92))
	assert.Equal(t, 2, store.Count())

	// topK beyond the collection size is capped, not an error.
	lessons, err := store.Query(ctx, "Validate inputs before writing to disk.", 5)
	require.NoError(t, err)
	require.Len(t, lessons, 2)

	// The identical text embeds identically and ranks first.
	assert.Equal(t, "run-1", lessons[0].RunID)
	assert.Equal(t, "build a todo app", lessons[0].Task)
	assert.Equal(t, "Validate inputs before writing to disk.", lessons[0].Text)
	assert.Equal(t, 88, lessons[0].Score)
	assert.False(t, lessons[0].StoredAt.IsZero())
	assert.Greater(t, lessons[0].Similarity, lessons[1].Similarity)

	texts, err := store.Retrieve(ctx, "Validate inputs before writing to disk.", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Validate inputs before writing to disk."}, texts)
}

func TestStore_ReopenPersists(t *testing.T) {
	srv := fakeEmbeddingServer(t)
	cfg := config.MemoryConfig{
		Enabled:    true,
		Path:       t.TempDir(),
		Collection: "lessons",
		Embedding:  config.EmbeddingConfig{BaseURL: srv.URL, Model: "test-embedder"},
	}

	store, err := NewStore(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.StoreLesson(context.Background(), "run-1", "task", "lesson text", 80))

	reopened, err := NewStore(cfg, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}
