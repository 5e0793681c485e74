package conda

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hingebase/mahoraga-go/internal/config"
	"github.com/hingebase/mahoraga-go/internal/core/ledger"
	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
)

func newTestEngine(t *testing.T) *streamengine.Engine {
	t.Helper()
	l, err := ledger.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return streamengine.New(upstream.New(config.ServerConfig{}), l, nil)
}

func TestNewRoutesShardPathsBeforeFallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("repodata.json bytes"))
	}))
	defer backend.Close()

	engine := newTestEngine(t)
	cacheDir := t.TempDir()
	h := New(engine, lockregistry.New(), cacheDir, nil, func(channel string) []string {
		return []string{backend.URL}
	})

	// A path that does not match any of the four sharded-repodata patterns
	// falls through to the channel catch-all. For this package archive the
	// mirror's repodata.json is not valid JSON, so the file is streamed
	// uncached from the mirror the callback resolved.
	req := httptest.NewRequest(http.MethodGet, "/conda/conda-forge/noarch/some-package-1.0-0.tar.bz2", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("fallback proxy status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "repodata.json bytes" {
		t.Fatalf("fallback proxy body = %q", w.Body.String())
	}
}

func TestNewRoutesShardIndexToShardHandler(t *testing.T) {
	engine := newTestEngine(t)
	cacheDir := t.TempDir()
	h := New(engine, lockregistry.New(), cacheDir, nil, func(channel string) []string { return nil })

	// No cached shard index exists yet; the shardroute handler should answer
	// (not the channel-proxy fallback, which would need a mirror list and
	// would behave differently on a miss).
	req := httptest.NewRequest(http.MethodGet, "/conda/conda-forge/noarch/repodata_shards.msgpack.zst", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("expected a miss (no shard index on disk yet), got 200")
	}
}
