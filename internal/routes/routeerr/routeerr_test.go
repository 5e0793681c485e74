package routeerr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hingebase/mahoraga-go/internal/config"
	"github.com/hingebase/mahoraga-go/internal/core/ledger"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
)

func newEngineForTest(t *testing.T) *streamengine.Engine {
	t.Helper()
	l, err := ledger.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return streamengine.New(upstream.New(config.ServerConfig{}), l, nil)
}

func TestWritePropagatesUpstreamStatusAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Mirror", "origin")
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	eng := newEngineForTest(t)
	_, err := eng.Stream(context.Background(), []string{srv.URL}, streamengine.Options{})
	if err == nil {
		t.Fatal("expected Stream to fail against a 502-returning mirror")
	}

	w := httptest.NewRecorder()
	Write(w, err)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if w.Header().Get("X-Mirror") != "origin" {
		t.Fatalf("expected the upstream's X-Mirror header to be propagated, got %v", w.Header())
	}
}

func TestWriteTransportErrorYields504(t *testing.T) {
	eng := newEngineForTest(t)
	_, err := eng.Stream(context.Background(), []string{"http://127.0.0.1:1/never-listens"}, streamengine.Options{})
	if err == nil {
		t.Fatal("expected Stream to fail against an unreachable mirror")
	}

	w := httptest.NewRecorder()
	Write(w, err)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 for a pure transport failure", w.Code)
	}
}

func TestWritePathValidationErrorYields404(t *testing.T) {
	eng := newEngineForTest(t)
	_, err := eng.Stream(context.Background(), nil, streamengine.Options{})
	if err == nil {
		t.Fatal("Stream with no candidate urls should fail")
	}

	w := httptest.NewRecorder()
	Write(w, err)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a path-validation failure", w.Code)
	}
}
