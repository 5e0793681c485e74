package python

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hingebase/mahoraga-go/internal/config"
	"github.com/hingebase/mahoraga-go/internal/core/ledger"
	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
)

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		version, floor string
		want           bool
	}{
		{"3.5.0", "3.5.0", true},
		{"3.4.9", "3.5.0", false},
		{"3.5.1", "3.5.0", true},
		{"3.10.0", "3.5.0", true},
		{"4.0.0", "3.5.0", true},
		{"3.5", "3.5.0", true},
	}
	for _, c := range cases {
		if got := versionAtLeast(c.version, c.floor); got != c.want {
			t.Errorf("versionAtLeast(%q, %q) = %v, want %v", c.version, c.floor, got, c.want)
		}
	}
}

func TestHasPrereleaseOrBuild(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"3.12.0", false},
		{"3.12.0rc1", false}, // not a '-' or '+' marker, so not flagged by this check
		{"3.12.0-rc.1", true},
		{"3.12.0+local", true},
	}
	for _, c := range cases {
		if got := hasPrereleaseOrBuild(c.version); got != c.want {
			t.Errorf("hasPrereleaseOrBuild(%q) = %v, want %v", c.version, got, c.want)
		}
	}
}

func TestEmbeddedNameAllowed(t *testing.T) {
	if !embeddedNameAllowed("3.11.0", "python-3.11.0-embed-amd64.zip") {
		t.Error("expected the amd64 embed zip to be allowed")
	}
	if embeddedNameAllowed("3.11.0", "python-3.11.0-embed-amd64.exe") {
		t.Error("expected a non-zip name to be rejected")
	}
	if embeddedNameAllowed("3.11.0", "python-3.10.0-embed-amd64.zip") {
		t.Error("expected a name for a different version to be rejected")
	}
}

func TestPBSTagPattern(t *testing.T) {
	if !pbsTagPattern.MatchString("20240107") {
		t.Error("expected an 8-digit tag to match")
	}
	if pbsTagPattern.MatchString("2024010") {
		t.Error("expected a 7-digit tag to be rejected")
	}
	if pbsTagPattern.MatchString("2024-01-07") {
		t.Error("expected a dashed date to be rejected")
	}
}

func newHandler(t *testing.T) *Handler {
	t.Helper()
	l, err := ledger.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	locks := lockregistry.New()
	engine := streamengine.New(upstream.New(config.ServerConfig{}), l, nil)
	return &Handler{Engine: engine, Locks: locks, CacheDir: t.TempDir()}
}

func TestServeEmbeddedRejectsBadVersion(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/python/3.4.0/python-3.4.0-embed-amd64.zip", nil)
	w := httptest.NewRecorder()

	h.ServeEmbedded(w, req, "3.4.0", "python-3.4.0-embed-amd64.zip")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a pre-3.5 version", w.Code)
	}
}

func TestServeEmbeddedStreamsFromMirror(t *testing.T) {
	body := []byte("zip bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	h := newHandler(t)
	h.PythonMirrors = []string{srv.URL + "/{version}/{name}"}

	req := httptest.NewRequest(http.MethodGet, "/python/3.11.0/python-3.11.0-embed-amd64.zip", nil)
	w := httptest.NewRecorder()

	h.ServeEmbedded(w, req, "3.11.0", "python-3.11.0-embed-amd64.zip")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != string(body) {
		t.Fatalf("body = %q, want %q", w.Body.String(), body)
	}
}

func TestServeStandaloneRejectsBadTag(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/python-build-standalone/bad-tag/cpython.tar.zst", nil)
	w := httptest.NewRecorder()

	h.ServeStandalone(w, req, "bad-tag", "cpython.tar.zst")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a malformed tag", w.Code)
	}
}

func TestServeStandaloneVerifiesSidecarDigest(t *testing.T) {
	body := []byte("standalone tarball bytes")
	sum := sha256.Sum256(body)
	hexSum := hex.EncodeToString(sum[:])

	mux := http.NewServeMux()
	mux.HandleFunc("/20240107/cpython.tar.zst.sha256", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, hexSum)
	})
	mux.HandleFunc("/20240107/cpython.tar.zst", func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHandler(t)
	h.StandaloneMirrors = []string{srv.URL}

	req := httptest.NewRequest(http.MethodGet, "/python-build-standalone/20240107/cpython.tar.zst", nil)
	w := httptest.NewRecorder()

	h.ServeStandalone(w, req, "20240107", "cpython.tar.zst")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != string(body) {
		t.Fatalf("body = %q, want %q", w.Body.String(), body)
	}
	if w.Header().Get("Cache-Control") == "" {
		t.Fatal("expected a long-lived Cache-Control header on a resolved artifact")
	}
}

func TestServeStandaloneSecondRequestSkipsNetwork(t *testing.T) {
	body := []byte("standalone tarball bytes")
	sum := sha256.Sum256(body)
	hexSum := hex.EncodeToString(sum[:])

	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/20240107/cpython.tar.zst.sha256", func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, hexSum)
	})
	mux.HandleFunc("/20240107/cpython.tar.zst", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHandler(t)
	h.StandaloneMirrors = []string{srv.URL}

	req := httptest.NewRequest(http.MethodGet, "/python-build-standalone/20240107/cpython.tar.zst", nil)
	w := httptest.NewRecorder()
	h.ServeStandalone(w, req, "20240107", "cpython.tar.zst")
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	firstCalls := calls

	req2 := httptest.NewRequest(http.MethodGet, "/python-build-standalone/20240107/cpython.tar.zst", nil)
	w2 := httptest.NewRecorder()
	h.ServeStandalone(w2, req2, "20240107", "cpython.tar.zst")
	if w2.Code != http.StatusOK {
		t.Fatalf("second request status = %d, want 200", w2.Code)
	}
	if w2.Body.String() != string(body) {
		t.Fatalf("second request body = %q, want %q", w2.Body.String(), body)
	}
	if calls != firstCalls {
		t.Fatalf("expected no additional upstream calls on cache hit, got %d more", calls-firstCalls)
	}
}
