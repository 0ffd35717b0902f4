package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cardkiosk/internal/cards"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteClient_Send(t *testing.T) {
	var gotPath, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewRemoteClient(RemoteConfig{BaseURL: srv.URL + "/"})
	payload := json.RawMessage(`{"identifier":"A100","timestamp":"2024-03-01T09:00:00Z"}`)

	require.NoError(t, c.Send(context.Background(), cards.EndpointRegister, payload))
	assert.Equal(t, "/cards/register", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, string(payload), gotBody)
}

func TestRemoteClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"client error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) }},
		{"redirect is not an ack", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotModified) }},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewRemoteClient(RemoteConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
			assert.Error(t, c.Send(context.Background(), cards.EndpointPickup, json.RawMessage(`{}`)))
		})
	}
}

func TestRemoteClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewRemoteClient(RemoteConfig{BaseURL: url, Timeout: time.Second})
	assert.Error(t, c.Send(context.Background(), cards.EndpointRegister, json.RawMessage(`{}`)))
}

func TestRemoteClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewRemoteClient(RemoteConfig{BaseURL: srv.URL, BreakerFailures: 3, BreakerCooldown: time.Hour})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Error(t, c.Send(ctx, cards.EndpointRegister, json.RawMessage(`{}`)))
	}
	assert.Equal(t, "open", c.State())

	err := c.Send(ctx, cards.EndpointRegister, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), hits.Load(), "open breaker fails without a call")
}
