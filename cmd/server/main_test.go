package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ashureev/studyhub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownCancelsInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
			finished <- r.Context().Err()
		case <-time.After(5 * time.Second):
			finished <- nil
		}
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newHTTPServer(ln.Addr().String(), handler)
	go func() { _ = srv.Serve(ln) }()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/chat/stream")
		if err == nil {
			_ = resp.Body.Close()
		}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the handler")
	}

	begin := time.Now()
	require.NoError(t, srv.shutdown(3*time.Second))
	assert.Less(t, time.Since(begin), 3*time.Second)
	assert.ErrorIs(t, <-finished, context.Canceled)
}

func TestAllowedOrigins(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	assert.Equal(t, []string{"*"}, allowedOrigins(&config.Config{}))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		allowedOrigins(&config.Config{FrontendURL: "https://a.example, https://b.example"}))
}
