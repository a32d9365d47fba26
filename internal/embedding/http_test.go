package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/niteru/internal/models"
)

func TestHTTPProvider_Embed(t *testing.T) {
	img := pngBytes(t, 9)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings/image", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req imageEmbedRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		assert.NoError(t, err)
		assert.Equal(t, img, raw)
		assert.Equal(t, "png", req.Format)
		assert.Equal(t, "voyage-multimodal-3", req.Model)
		_ = json.NewEncoder(w).Encode(imageEmbedResponse{Embedding: []float64{0.5, 0.5, 0.5, 0.5}})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL + "/", Model: "voyage-multimodal-3", APIKey: "secret", Dimensions: 4})
	a, err := NewAdapter(p, 4, 1<<20, time.Second)
	require.NoError(t, err)
	vec, err := a.Embed(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, vec)
	assert.Equal(t, "voyage-multimodal-3", a.ModelVersion())
}

func TestHTTPProvider_statusMapping(t *testing.T) {
	cases := []struct {
		status   int
		sentinel error
	}{
		{http.StatusUnprocessableEntity, models.ErrInvalidImage},
		{http.StatusRequestEntityTooLarge, models.ErrInvalidImage},
		{http.StatusServiceUnavailable, models.ErrProviderUnavailable},
		{http.StatusInternalServerError, models.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()
			a, err := NewAdapter(NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Dimensions: 4}), 4, 1<<20, time.Second)
			require.NoError(t, err)
			_, err = a.Embed(context.Background(), pngBytes(t, 1))
			assert.True(t, errors.Is(err, tc.sentinel), "got %v", err)
		})
	}
}

func TestHTTPProvider_malformedResponseIsContractViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()
	a, err := NewAdapter(NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Dimensions: 4}), 4, 1<<20, time.Second)
	require.NoError(t, err)
	_, err = a.Embed(context.Background(), pngBytes(t, 1))
	assert.True(t, errors.Is(err, models.ErrProviderContract), "got %v", err)
}

func TestHTTPProvider_slowServerTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	a, err := NewAdapter(NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Dimensions: 4}), 4, 1<<20, 30*time.Millisecond)
	require.NoError(t, err)
	_, err = a.Embed(context.Background(), pngBytes(t, 1))
	assert.True(t, errors.Is(err, models.ErrProviderUnavailable), "got %v", err)
}

func TestHTTPProvider_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Dimensions: 4})
	require.NoError(t, p.Ping(context.Background()))
	srv.Close()
	err := p.Ping(context.Background())
	assert.True(t, errors.Is(err, models.ErrProviderUnavailable), "got %v", err)
}
