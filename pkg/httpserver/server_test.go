package httpserver_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/httpserver"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func waitForServer(t *testing.T, url string) *http.Response {
	t.Helper()

	var resp *http.Response
	var err error
	for range 50 {
		resp, err = http.Get(url)
		if err == nil {
			return resp
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server never came up: %v", err)
	return nil
}

func TestServer_RunAndShutdown(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := httpserver.New(httpserver.Config{Addr: addr, ShutdownTimeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("pong")) //nolint:errcheck
		}))
	}()

	resp := waitForServer(t, "http://"+addr+"/")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// Repeated shutdown is a no-op.
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestServer_RunTwiceFails(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := httpserver.New(httpserver.Config{Addr: addr}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, http.NotFoundHandler()) //nolint:errcheck

	resp := waitForServer(t, "http://"+addr+"/")
	resp.Body.Close()

	err := srv.Run(ctx, http.NotFoundHandler())
	assert.ErrorIs(t, err, httpserver.ErrStart)
}

func TestHealthCheckHandler(t *testing.T) {
	t.Parallel()

	readBody := func(t *testing.T, resp *http.Response) string {
		t.Helper()
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	t.Run("no checks means alive", func(t *testing.T) {
		t.Parallel()

		addr := freeAddr(t)
		srv := httpserver.New(httpserver.Config{Addr: addr}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go srv.Run(ctx, httpserver.HealthCheckHandler(nil)) //nolint:errcheck

		resp := waitForServer(t, "http://"+addr+"/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ALIVE", readBody(t, resp))
	})

	t.Run("passing checks report ready", func(t *testing.T) {
		t.Parallel()

		addr := freeAddr(t)
		srv := httpserver.New(httpserver.Config{Addr: addr}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ok := func(context.Context) error { return nil }
		go srv.Run(ctx, httpserver.HealthCheckHandler(nil, ok)) //nolint:errcheck

		resp := waitForServer(t, "http://"+addr+"/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "READY", readBody(t, resp))
	})

	t.Run("failing check reports not ready", func(t *testing.T) {
		t.Parallel()

		addr := freeAddr(t)
		srv := httpserver.New(httpserver.Config{Addr: addr}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		failing := func(context.Context) error { return errors.New("db down") }
		go srv.Run(ctx, httpserver.HealthCheckHandler(nil, failing)) //nolint:errcheck

		resp := waitForServer(t, "http://"+addr+"/health")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "NOT_READY", readBody(t, resp))
	})
}
