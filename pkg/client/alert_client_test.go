package client

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
	"go.uber.org/zap/zaptest"

	"groupchat/pkg/types"
)

func alert() *types.AlertRequest {
	return &types.AlertRequest{EventID: "e1", UserID: "u7", AlertID: "a1", Message: "help"}
}

func TestBroadcast_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/alerts", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get(internalTokenHeader))

		var req types.AlertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a1", req.AlertID)

		_ = json.NewEncoder(w).Encode(types.AlertResponse{
			Success: true,
			EventID: req.EventID,
			Groups:  []types.GroupAlertResult{{GroupID: "g1", Persisted: true, Delivered: 3}},
		})
	}))
	defer srv.Close()

	c := NewAlertClient(srv.URL+"/", "s3cret", WithLogger(zaptest.NewLogger(t)))
	resp, err := c.Broadcast(context.Background(), alert())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Groups, 1)
	assert.Equal(t, 3, resp.Groups[0].Delivered)
}

func TestBroadcast_StatusErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewAlertClient(srv.URL, "s3cret")
	_, err := c.Broadcast(context.Background(), alert())
	assert.ErrorIs(t, err, ErrNoGroups)

	status.Store(http.StatusForbidden)
	_, err = c.Broadcast(context.Background(), alert())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestBroadcast_TimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewAlertClient(srv.URL, "s3cret", WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	start := time.Now()
	_, err := c.Broadcast(context.Background(), alert())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBroadcast_InvalidRequest(t *testing.T) {
	c := NewAlertClient("http://127.0.0.1:0", "s3cret")
	_, err := c.Broadcast(context.Background(), &types.AlertRequest{EventID: "e1"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeliveryFailed)
}
