// Package python serves CPython embedded distributions and
// python-build-standalone releases.
package python

import (
	"encoding/hex"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
	"github.com/hingebase/mahoraga-go/internal/logger"
	"github.com/hingebase/mahoraga-go/internal/routes/routeerr"
)

// Handler serves /python/{version}/{name} and
// /python-build-standalone/{tag}/{name}.
type Handler struct {
	Engine            *streamengine.Engine
	Locks             *lockregistry.Registry
	PythonMirrors     []string
	StandaloneMirrors []string
	CacheDir          string
	Log               *logger.StyledLogger
}

var pbsTagPattern = regexp.MustCompile(`^\d{8}$`)

// embeddedNameAllowed checks name against the fixed three platform zips for
// a given version.
func embeddedNameAllowed(version string, name string) bool {
	switch name {
	case "python-" + version + "-embed-amd64.zip",
		"python-" + version + "-embed-arm64.zip",
		"python-" + version + "-embed-win32.zip":
		return true
	default:
		return false
	}
}

// ServeEmbedded handles GET /python/{version}/{name}.
func (h *Handler) ServeEmbedded(w http.ResponseWriter, r *http.Request, version, name string) {
	if !versionAtLeast(version, "3.5.0") || hasPrereleaseOrBuild(version) || !embeddedNameAllowed(version, name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	urls := make([]string, 0, len(h.PythonMirrors))
	for _, tmpl := range h.PythonMirrors {
		urls = append(urls, strings.NewReplacer("{version}", version, "{name}", name).Replace(tmpl))
	}

	resp, err := h.Engine.Stream(r.Context(), urls, streamengine.Options{CacheAction: upstream.NoCache})
	if err != nil {
		routeerr.Write(w, err)
		return
	}
	defer resp.Body.Close()

	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		w.Header().Set("Content-Type", mt)
	}
	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	copyBody(w, resp)
}

// ServeStandalone handles GET /python-build-standalone/{tag}/{name}: it
// fetches the `.sha256` sidecar across all mirrors first, then streams the
// artifact itself with that digest as the cache-integrity check.
func (h *Handler) ServeStandalone(w http.ResponseWriter, r *http.Request, tag, name string) {
	if !pbsTagPattern.MatchString(tag) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	cacheLocation := path.Join(h.CacheDir, "python-build-standalone", tag, name)
	handle := h.Locks.Lock(cacheLocation)
	defer handle.Unlock()

	if serveIfCached(w, r, cacheLocation) {
		h.Log.InfoCacheHit(cacheLocation)
		return
	}
	h.Log.InfoCacheMiss(cacheLocation)

	urls := make([]string, 0, len(h.StandaloneMirrors))
	sidecarURLs := make([]string, 0, len(h.StandaloneMirrors))
	for _, base := range h.StandaloneMirrors {
		u, err := url.JoinPath(base, tag, name)
		if err != nil {
			continue
		}
		urls = append(urls, u)
		sidecarURLs = append(sidecarURLs, u+".sha256")
	}

	content, err := h.Engine.Get(r.Context(), sidecarURLs)
	if err != nil {
		routeerr.Write(w, err)
		return
	}
	sha256Hex := strings.TrimSpace(string(content))
	digest, err := hex.DecodeString(sha256Hex)
	if err != nil {
		http.Error(w, "invalid sha256 sidecar", http.StatusBadGateway)
		return
	}

	resp, err := h.Engine.Stream(r.Context(), urls, streamengine.Options{
		CacheLocation: cacheLocation,
		SHA256:        digest,
		CacheAction:   upstream.NoCache,
	})
	if err != nil {
		routeerr.Write(w, err)
		return
	}
	defer resp.Body.Close()

	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		w.Header().Set("Content-Type", mt)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(resp.StatusCode)
	copyBody(w, resp)
}

func versionAtLeast(version, floor string) bool {
	vs, fs := splitVersionCore(version), splitVersionCore(floor)
	for i := 0; i < 3; i++ {
		if vs[i] != fs[i] {
			return vs[i] > fs[i]
		}
	}
	return true
}

func splitVersionCore(v string) [3]int {
	core := v
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		core = v[:i]
	}
	parts := strings.SplitN(core, ".", 3)
	var out [3]int
	for i := 0; i < len(parts) && i < 3; i++ {
		n, _ := strconv.Atoi(parts[i])
		out[i] = n
	}
	return out
}

func hasPrereleaseOrBuild(version string) bool {
	return strings.ContainsAny(version, "-+")
}

// serveIfCached serves cacheLocation directly if it already exists,
// matching the pre-attempt short-circuit rule: once a cache path's lock is
// held and the file is present, no upstream is ever contacted.
func serveIfCached(w http.ResponseWriter, r *http.Request, cacheLocation string) bool {
	f, err := os.Open(cacheLocation)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, cacheLocation, info.ModTime(), f)
	return true
}

func copyHeaders(w http.ResponseWriter, resp *streamengine.Response) {
	for k, v := range resp.Header {
		if k == "Content-Length" || k == "Connection" {
			continue
		}
		w.Header()[k] = v
	}
}

func copyBody(w http.ResponseWriter, resp *streamengine.Response) {
	// Flush the headers out before the first body byte, so the client sees
	// the status line even when the upstream's first chunk is slow.
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
