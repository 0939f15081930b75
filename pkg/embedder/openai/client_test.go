package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semretrieve/semretrieve-go/pkg/embedder/openai"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *openai.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := openai.NewClient(&openai.Config{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Dimensions: 2,
	})
	require.NoError(t, err)
	return client
}

func embeddingsResponse(data []map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"object": "list",
		"data":   data,
		"model":  "text-embedding-3-large",
		"usage":  map[string]int{"prompt_tokens": 0, "total_tokens": 0},
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := openai.NewClient(&openai.Config{})
	assert.Error(t, err)
}

func TestEmbedBatchResortsByIndex(t *testing.T) {
	// The API tags each result with the index of the input it belongs
	// to and does not promise response order.
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingsResponse([]map[string]interface{}{
			{"object": "embedding", "index": 2, "embedding": []float32{3, 0}},
			{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
			{"object": "embedding", "index": 1, "embedding": []float32{2, 0}},
		}))
	})

	vectors, err := client.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{2, 0}, vectors[1])
	assert.Equal(t, []float32{3, 0}, vectors[2])
}

func TestEmbedBatchRejectsResultCountMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingsResponse([]map[string]interface{}{
			{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
		}))
	})

	_, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestEmbedRejectsEmptyResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingsResponse(nil))
	})

	_, err := client.Embed(context.Background(), "hello")
	assert.Error(t, err)
}
