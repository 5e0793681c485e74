package conda

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
	"github.com/hingebase/mahoraga-go/internal/logger"
	"github.com/hingebase/mahoraga-go/internal/routes/routeerr"
)

// packageFilePattern recognises a conda package artifact filename - the two
// archive formats conda channels serve package contents as.
var packageFilePattern = regexp.MustCompile(`\.(conda|tar\.bz2)$`)

// repodataRecord is the subset of a repodata.json package record this route
// needs to turn a plain channel passthrough into a cached, integrity-checked
// fetch: its SHA-256 digest and byte size.
type repodataRecord struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type repodataDoc struct {
	Packages      map[string]repodataRecord `json:"packages"`
	PackagesConda map[string]repodataRecord `json:"packages.conda"`
}

// servePackageFile is the fallback route's fast path for an individual
// package archive (rest == "{subdir...}/{filename}" with filename ending in
// ".conda" or ".tar.bz2"): it looks up the enclosing directory's
// repodata.json for that filename's sha256+size, then streams the artifact
// through the engine with those as the integrity tuple so it lands in the
// on-disk cache like any other large artifact. When the lookup fails for any
// reason - network error, unparsable body, no matching record - it falls
// back to a plain uncached passthrough of just that file rather than
// failing the request outright, since not every channel this proxy fronts
// is guaranteed to publish repodata.json in a shape this route understands.
//
// Returns false when rest doesn't look like a package file at all, so the
// caller can fall through to the generic uncached proxy.
func servePackageFile(w http.ResponseWriter, r *http.Request, engine *streamengine.Engine, locks *lockregistry.Registry, log *logger.StyledLogger, cacheDir, channel string, mirrors []string, rest string) bool {
	dir, filename := splitLast(rest)
	if filename == "" || !packageFilePattern.MatchString(filename) {
		return false
	}
	if len(mirrors) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return true
	}

	cacheLocation := filepath.Join(cacheDir, "channels", channel, filepath.FromSlash(dir), filename)

	// Pre-attempt rule: acquire the cache-path lock and short-circuit with
	// the file already on disk before doing any repodata lookup or network
	// fetch at all.
	handle := locks.Lock(cacheLocation)
	defer handle.Unlock()
	if serveIfCached(w, r, cacheLocation) {
		log.InfoCacheHit(cacheLocation)
		return true
	}

	// Mirrors are channel-agnostic base URLs, so the channel is part of the
	// upstream path.
	upstreamDir := channel + "/" + dir

	record, rerr := lookupRecord(r, engine, mirrors, upstreamDir, filename)
	if rerr == nil {
		if digest, derr := hex.DecodeString(record.SHA256); derr == nil && len(digest) > 0 {
			log.InfoCacheMiss(cacheLocation)
			streamPackageFile(w, r, engine, mirrors, upstreamDir, filename, cacheLocation, digest, record.Size)
			return true
		}
	}

	// No usable integrity tuple - stream straight through uncached.
	streamPackageFile(w, r, engine, mirrors, upstreamDir, filename, "", nil, 0)
	return true
}

func streamPackageFile(w http.ResponseWriter, r *http.Request, engine *streamengine.Engine, mirrors []string, dir, filename, cacheLocation string, digest []byte, size int64) {
	urls := make([]string, 0, len(mirrors))
	for _, base := range mirrors {
		u, err := url.JoinPath(base, dir, filename)
		if err == nil {
			urls = append(urls, u)
		}
	}

	resp, err := engine.Stream(r.Context(), urls, streamengine.Options{
		CacheLocation: cacheLocation,
		SHA256:        digest,
		Size:          size,
		CacheAction:   upstream.NoCache,
	})
	if err != nil {
		routeerr.Write(w, err)
		return
	}
	defer resp.Body.Close()

	if cacheLocation != "" {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	for k, v := range resp.Header {
		if k == "Content-Length" || k == "Connection" {
			continue
		}
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	copyStreamBody(w, resp)
}

// lookupRecord fetches dir/repodata.json across mirrors (through the
// engine's small-body Get path, so it benefits from the same 600s freshness
// cache jsDelivr metadata calls do) and returns the record for filename.
func lookupRecord(r *http.Request, engine *streamengine.Engine, mirrors []string, dir, filename string) (repodataRecord, error) {
	urls := make([]string, 0, len(mirrors))
	for _, base := range mirrors {
		u, err := url.JoinPath(base, dir, "repodata.json")
		if err == nil {
			urls = append(urls, u)
		}
	}

	body, err := engine.Get(r.Context(), urls)
	if err != nil {
		return repodataRecord{}, err
	}

	var doc repodataDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return repodataRecord{}, err
	}

	if rec, ok := doc.Packages[filename]; ok {
		return rec, nil
	}
	if rec, ok := doc.PackagesConda[filename]; ok {
		return rec, nil
	}
	return repodataRecord{}, os.ErrNotExist
}

func copyStreamBody(w http.ResponseWriter, resp *streamengine.Response) {
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

// serveIfCached serves cacheLocation directly if it already exists and is
// non-empty, matching the pre-attempt short-circuit every other adapter
// applies before contacting any mirror.
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

// splitLast splits a slash-separated path into its directory and final
// segment, e.g. "noarch/numpy-1.26.0-0.conda" -> ("noarch", "numpy-1.26.0-0.conda").
func splitLast(p string) (dir, name string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}
