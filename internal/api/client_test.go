package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enveloped(t *testing.T, v any) string {
	t.Helper()
	detail, err := json.Marshal(v)
	require.NoError(t, err)
	out, err := json.Marshal(map[string]any{
		"status": 0,
		"info":   map[string]any{"detail": string(detail)},
	})
	require.NoError(t, err)
	return string(out)
}

func TestGetMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/resource/item", r.URL.Path)
		assert.Equal(t, "fr", r.URL.Query().Get("lang"))
		assert.Equal(t, "mars-hd", r.URL.Query().Get("item"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, enveloped(t, map[string]any{
			"id": "mars-hd", "name": "Mars HD", "description": "d", "item": "https://x/m.zip", "publishTime": 1600000000,
		}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	item, err := c.GetMetadata(context.Background(), "mars-hd", "fr")
	require.NoError(t, err)
	assert.Equal(t, "mars-hd", item.ID)
	assert.Equal(t, "Mars HD", item.Name)
	require.NotNil(t, item.PublishTime)
	assert.Equal(t, int64(1600000000), item.PublishTime.Unix())
}

func TestGetLatestMetadataBareJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resource/latest", r.URL.Path)
		assert.Equal(t, "news", r.URL.Query().Get("type"))
		_, _ = io.WriteString(w, `{"title":"Eclipse season","id":"guide-1"}`)
	}))
	defer srv.Close()

	guide, err := NewClient(srv.URL+"/", srv.Client()).GetLatestMetadata(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, "guide-1", guide.ID)
	assert.Equal(t, "Eclipse season", guide.Title)
}

func TestGetUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/resource/updates", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "de", req["lang"])
		assert.Equal(t, []any{"a", "b"}, req["items"])
		assert.Equal(t, "12345", req["transactionIdApple"])
		assert.Equal(t, true, req["isSandboxApple"])

		_, _ = io.WriteString(w, `{"a":{"checksum":"new","size":10,"modificationDate":1700000000}}`)
	}))
	defer srv.Close()

	updates, err := NewClient(srv.URL, srv.Client()).GetUpdates(context.Background(), []string{"a", "b"}, "de", 12345, true)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "new", updates["a"].Checksum)
	assert.Equal(t, uint64(10), updates["a"].Size)
}

func TestGetSubscriptionValidity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscription/apple", r.URL.Path)
		assert.Equal(t, "77", r.URL.Query().Get("originalTransactionId"))
		assert.Equal(t, "0", r.URL.Query().Get("sandbox"))
		_, _ = io.WriteString(w, enveloped(t, map[string]bool{"valid": true}))
	}))
	defer srv.Close()

	valid, err := NewClient(srv.URL, srv.Client()).GetSubscriptionValidity(context.Background(), 77, false)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, "", ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, "", ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "", ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, "", ErrRateLimited},
		{"server error", http.StatusBadGateway, "", ErrServerError},
		{"bad request", http.StatusBadRequest, "", ErrRequestFailed},
		{"envelope failure", http.StatusOK, `{"status":1,"info":{"reason":"no such item"}}`, ErrRequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, srv.Client()).GetMetadata(context.Background(), "x", "en")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEnvelopeReasonIsReported(t *testing.T) {
	err := decodeResult([]byte(`{"status":3,"info":{"reason":"no such item"}}`), &struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such item")
}

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".zip") {
			w.Header().Set("Content-Type", "application/zip")
			_, _ = io.WriteString(w, "PKbinary")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"title":"logged-body","id":"g"}`)
	}))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "api.log")
	lt, err := NewLoggingTransport(srv.Client().Transport, logPath)
	require.NoError(t, err)

	client := NewClient(srv.URL, &http.Client{Transport: lt})
	guide, err := client.GetLatestMetadata(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, "logged-body", guide.Title)

	resp, err := client.HttpClient.Get(srv.URL + "/file.zip")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "PKbinary", string(body))

	require.NoError(t, lt.Close())
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/resource/latest")
	assert.Contains(t, string(data), "logged-body")
	assert.Contains(t, string(data), "(Body not logged)")
	assert.NotContains(t, string(data), "PKbinary")
}
