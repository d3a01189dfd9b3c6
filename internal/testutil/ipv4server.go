// Package testutil provides test helpers shared across packages.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
)

// IPv4Server is an HTTP test server pinned to the IPv4 loopback interface,
// for environments where httptest's default listener lands on IPv6 only.
// It registers its own cleanup; calling Close early is allowed.
type IPv4Server struct {
	URL string

	server    *http.Server
	transport *http.Transport
	closeOnce sync.Once
}

// NewIPv4Server starts an HTTP server bound to 127.0.0.1 serving handler.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}

	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		server:    &http.Server{Handler: handler},
		transport: &http.Transport{},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("test server: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns an HTTP client using the server's transport, so idle
// connections are reclaimed on Close.
func (s *IPv4Server) Client() *http.Client {
	return &http.Client{Transport: s.transport}
}

// Close shuts the server down. Safe to call more than once.
func (s *IPv4Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.server.Shutdown(context.Background())
		s.transport.CloseIdleConnections()
	})
}
