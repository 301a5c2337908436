package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/pkg/version"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func embedHandler(dims int, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(OllamaModelListResponse{
				Models: []OllamaModelInfo{{Name: "nomic-embed-text:latest"}},
			})
		case "/api/embed":
			if calls != nil {
				calls.Add(1)
			}
			var req struct {
				Model string   `json:"model"`
				Input []string `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			resp := OllamaEmbedResponse{Model: req.Model}
			for i := range req.Input {
				vec := make([]float64, dims)
				vec[i%dims] = 1
				resp.Embeddings = append(resp.Embeddings, vec)
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	// Given: an Ollama server returning 4-dim vectors
	var calls atomic.Int32
	srv := newOllamaServer(t, embedHandler(4, &calls))
	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Dimensions: 4, BatchSize: 2})

	// When: embedding three texts and one blank
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "", "b", "c"})

	// Then: one vector per input, blanks are zero, requests are batched
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	assert.Equal(t, []float32{0, 0, 0, 0}, vecs[1])
	assert.Len(t, vecs[3], 4)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOllamaEmbedder_SendsUserAgent(t *testing.T) {
	// Given: a server recording the User-Agent of embed requests
	var agent atomic.Value
	inner := embedHandler(4, nil)
	srv := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/embed" {
			agent.Store(r.Header.Get("User-Agent"))
		}
		inner(w, r)
	})
	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Dimensions: 4})

	// When
	_, err := e.EmbedBatch(context.Background(), []string{"hello"})

	// Then
	require.NoError(t, err)
	assert.Equal(t, version.UserAgent(), agent.Load())
}

func TestOllamaEmbedder_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
		code      string
	}{
		{"server error", http.StatusInternalServerError, true, kberrors.ErrCodeProviderUnavailable},
		{"rate limited", http.StatusTooManyRequests, true, kberrors.ErrCodeProviderUnavailable},
		{"model missing", http.StatusNotFound, false, kberrors.ErrCodeProviderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Dimensions: 4})

			_, err := e.EmbedBatch(context.Background(), []string{"x"})

			require.Error(t, err)
			assert.Equal(t, tt.transient, kberrors.IsTransient(err))
			assert.Equal(t, tt.code, kberrors.GetCode(err))
		})
	}
}

func TestOllamaEmbedder_ConnectionRefusedIsTransient(t *testing.T) {
	// Given: a server that is already gone
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()
	e := NewOllamaEmbedder(OllamaConfig{Host: host, Dimensions: 4})

	// When
	_, err := e.EmbedBatch(context.Background(), []string{"x"})

	// Then
	require.Error(t, err)
	assert.True(t, kberrors.IsTransient(err))
}

func TestOllamaEmbedder_TimeoutIsTransient(t *testing.T) {
	srv := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Dimensions: 4, Timeout: 50 * time.Millisecond})

	_, err := e.EmbedBatch(context.Background(), []string{"x"})

	require.Error(t, err)
	assert.True(t, kberrors.IsTransient(err))
	assert.Equal(t, kberrors.ErrCodeProviderTimeout, kberrors.GetCode(err))
}

func TestOllamaEmbedder_CountMismatch(t *testing.T) {
	srv := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(OllamaEmbedResponse{})
	})
	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Dimensions: 4})

	_, err := e.EmbedBatch(context.Background(), []string{"x"})

	assert.Equal(t, kberrors.ErrCodeEmbeddingFailed, kberrors.GetCode(err))
}

func TestOllamaEmbedder_Available(t *testing.T) {
	srv := newOllamaServer(t, embedHandler(4, nil))

	assert.True(t, NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"}).Available(context.Background()))
	assert.True(t, NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Model: "nomic-embed-text:latest"}).Available(context.Background()))
	assert.False(t, NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Model: "mxbai-embed-large"}).Available(context.Background()))
}

func TestOllamaEmbedder_Closed(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{Host: "http://127.0.0.1:1"})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
}
