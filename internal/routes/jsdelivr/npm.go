// Package jsdelivr serves jsDelivr-backed npm packages (including the
// scoped @bokeh/@holoviz/@pyscript/@stlite allow-list and the pyodide
// tarball-extraction fast path), fetched from the pyodide CDN mirror list.
package jsdelivr

import (
	"archive/tar"
	"compress/bzip2"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
	"github.com/hingebase/mahoraga-go/internal/logger"
	"github.com/hingebase/mahoraga-go/internal/routes/routeerr"
)

// allowedUnscoped are the two package-name prefixes the npm route accepts
// without a scope segment in the request path.
var allowedUnscoped = []string{"pyodide@", "swagger-ui-dist@"}

type file struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	Size int    `json:"size"`
}

type metadata struct {
	Files []file `json:"files"`
}

type resolved struct {
	Version string            `json:"version"`
	Links   map[string]string `json:"links"`
}

// Handler serves GET /npm/{package}/{path...} and its four scoped variants.
type Handler struct {
	Engine         *streamengine.Engine
	Locks          *lockregistry.Registry
	PyodideMirrors []string
	CacheDir       string
	// Scopes is the allow-list of "@scope" prefixes accepted on the route,
	// e.g. {"bokeh", "holoviz", "pyscript", "stlite"}.
	Scopes []string
	Log    *logger.StyledLogger
}

// ServeHTTP implements the top-level /npm/ route: it splits the request
// path into an optional "@scope" segment, the "{package}@{version}"
// segment and the trailing file path, then delegates to ServeNPM.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/npm/")
	parts := strings.SplitN(rest, "/", 2)

	if strings.HasPrefix(parts[0], "@") {
		scope := strings.TrimPrefix(parts[0], "@")
		if !h.scopeAllowed(scope) || len(parts) < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		inner := strings.SplitN(parts[1], "/", 2)
		if len(inner) < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ServeNPM(w, r, scope, inner[0], inner[1])
		return
	}

	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.ServeNPM(w, r, "", parts[0], parts[1])
}

func (h *Handler) scopeAllowed(scope string) bool {
	for _, s := range h.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ServeNPM serves one file of one npm package version. scope is "" for the
// unscoped route, or the scope name (without '@') for a /@scope/ route.
func (h *Handler) ServeNPM(w http.ResponseWriter, r *http.Request, scope, pkgAtVersion, filePath string) {
	if scope == "" && !hasAllowedUnscopedPrefix(pkgAtVersion) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	requestCacheLocation := filepath.Join("npm", scopedName(scope, pkgAtVersion), filePath)
	handle1 := h.Locks.Lock(requestCacheLocation)
	defer handle1.Unlock()

	if serveIfCached(w, r, filepath.Join(h.CacheDir, requestCacheLocation)) {
		h.Log.InfoCacheHit(requestCacheLocation)
		return
	}

	name, version, ok := splitPackageVersion(pkgAtVersion)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	pkg := name
	if scope != "" {
		pkg = "@" + scope + "/" + name
	}

	res, err := h.fetchResolved(r, pkg, version)
	if err != nil {
		routeerr.Write(w, err)
		return
	}

	resolvedPkg := fmt.Sprintf("%s@%s", pkg, res.Version)
	cacheLocation := filepath.Join("npm", resolvedPkg, filePath)
	if cacheLocation != requestCacheLocation {
		handle2 := h.Locks.Lock(cacheLocation)
		defer handle2.Unlock()
		if serveIfCached(w, r, filepath.Join(h.CacheDir, cacheLocation)) {
			h.Log.InfoCacheHit(cacheLocation)
			return
		}
	}
	h.Log.InfoCacheMiss(cacheLocation)

	// The tarball name is keyed by the resolved version: the request's own
	// version segment may be a range or tag that only resolution pins down.
	if pkg == "pyodide" {
		if h.servePyodideTarball(w, r, res.Version, filePath, cacheLocation) {
			return
		}
	}

	selfURL := res.Links["self"]
	meta, err := h.fetchMetadata(r, selfURL, resolvedPkg)
	if err != nil {
		routeerr.Write(w, err)
		return
	}

	var f *file
	for i := range meta.Files {
		if strings.TrimPrefix(meta.Files[i].Name, "/") == filePath {
			f = &meta.Files[i]
			break
		}
	}
	if f == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	digest, err := base64.StdEncoding.DecodeString(f.Hash)
	if err != nil {
		http.Error(w, "invalid hash metadata", http.StatusBadGateway)
		return
	}

	urls := make([]string, 0, len(h.PyodideMirrors))
	for _, base := range h.PyodideMirrors {
		u, err := url.JoinPath(base, "npm", resolvedPkg, filePath)
		if err == nil {
			urls = append(urls, u)
		}
	}

	resp, err := h.Engine.Stream(r.Context(), urls, streamengine.Options{
		CacheLocation: filepath.Join(h.CacheDir, cacheLocation),
		SHA256:        digest,
		Size:          int64(f.Size),
		CacheAction:   upstream.NoCache,
	})
	if err != nil {
		routeerr.Write(w, err)
		return
	}
	defer resp.Body.Close()

	if mt := mime.TypeByExtension(path.Ext(filePath)); mt != "" {
		w.Header().Set("Content-Type", mt)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp)
}

// servePyodideTarball is the fast path that extracts a single member out of
// a locally present pyodide/pyodide-core/xbuildenv .tar.bz2 release bundle
// instead of going through jsDelivr's per-file metadata. version is the
// resolved pyodide version.
func (h *Handler) servePyodideTarball(w http.ResponseWriter, r *http.Request, version, filePath, cacheLocation string) bool {
	for _, bundle := range pyodidePackages(filePath) {
		tarball := filepath.Join(h.CacheDir, "pyodide", fmt.Sprintf("%s-%s.tar.bz2", bundle, version))
		handle := h.Locks.Lock(tarball)
		f, err := os.Open(tarball)
		if err != nil {
			handle.Unlock()
			continue
		}
		handle.Unlock()

		member := "pyodide/" + filePath
		if bundle == "xbuildenv" {
			member = "xbuildenv/pyodide-root/dist/" + filePath
		}

		dest := filepath.Join(h.CacheDir, cacheLocation)
		ok := extractTarMember(f, member, dest)
		f.Close()
		if ok {
			serveIfCached(w, r, dest)
			return true
		}
	}
	return false
}

func extractTarMember(f *os.File, member, dest string) bool {
	tr := tar.NewReader(bzip2.NewReader(f))
	for {
		hdr, err := tr.Next()
		if err != nil {
			return false
		}
		if hdr.Name != member {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return false
		}
		out, err := os.Create(dest)
		if err != nil {
			return false
		}
		defer out.Close()
		_, err = io.Copy(out, tr)
		return err == nil
	}
}

func pyodidePackages(filePath string) []string {
	switch filePath {
	case "pyodide.asm.js", "pyodide.asm.wasm", "pyodide.d.ts", "pyodide.js",
		"pyodide.mjs", "pyodide-lock.json", "python_stdlib.zip":
		return []string{"pyodide-core", "xbuildenv", "pyodide"}
	case "ffi.d.ts", "package.json":
		return []string{"pyodide-core", "pyodide"}
	case "pyodide.js.map", "pyodide.mjs.map":
		return []string{"xbuildenv", "pyodide"}
	case "console.html":
		return []string{"pyodide"}
	default:
		return nil
	}
}

func (h *Handler) fetchResolved(r *http.Request, pkg, version string) (*resolved, error) {
	cacheLocation := filepath.Join(h.CacheDir, "npm", pkg, version+".json")
	var out resolved
	if err := h.fetchJSONCached(r, fmt.Sprintf(
		"https://data.jsdelivr.com/v1/packages/npm/%s/resolved?specifier=%s", pkg, url.QueryEscape(version),
	), cacheLocation, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *Handler) fetchMetadata(r *http.Request, selfURL, resolvedPkg string) (*metadata, error) {
	cacheLocation := filepath.Join(h.CacheDir, "npm", resolvedPkg+".json")
	var out metadata
	if err := h.fetchJSONCached(r, selfURL+"?structure=flat", cacheLocation, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// fetchJSONCached tries the on-disk sidecar first, falling back to a network
// fetch and best-effort persisting the raw bytes for next time.
func (h *Handler) fetchJSONCached(r *http.Request, fetchURL, cacheLocation string, out any) error {
	handle := h.Locks.Lock(cacheLocation)
	defer handle.Unlock()

	if data, err := os.ReadFile(cacheLocation); err == nil {
		if json.Unmarshal(data, out) == nil {
			return nil
		}
	}

	raw, err := h.Engine.Get(r.Context(), []string{fetchURL})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cacheLocation), 0o755); err == nil {
		_ = os.WriteFile(cacheLocation, raw, 0o644)
	}
	return nil
}

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

func hasAllowedUnscopedPrefix(pkgAtVersion string) bool {
	for _, prefix := range allowedUnscoped {
		if strings.HasPrefix(pkgAtVersion, prefix) {
			return true
		}
	}
	return false
}

func scopedName(scope, pkgAtVersion string) string {
	if scope == "" {
		return pkgAtVersion
	}
	return "@" + scope + "/" + pkgAtVersion
}

func splitPackageVersion(pkgAtVersion string) (name, version string, ok bool) {
	i := strings.LastIndex(pkgAtVersion, "@")
	if i <= 0 {
		return "", "", false
	}
	return pkgAtVersion[:i], pkgAtVersion[i+1:], true
}

func streamBody(w http.ResponseWriter, resp *streamengine.Response) {
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
