// Package proxy implements the transparent, forward-only mirror proxies:
// conda, pypi and uv. None of these routes has an upfront digest to validate
// against (conda/PyPI/uv indexes have no universal companion checksum
// endpoint in scope here), so they stream straight through without writing
// to the cache, per the "Streaming body (without caching)" path.
package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
	"github.com/hingebase/mahoraga-go/internal/routes/routeerr"
)

// Handler forwards a request's trailing path onto each of Mirrors in
// load-balanced order.
type Handler struct {
	Engine  *streamengine.Engine
	Mirrors []string
	// StripPrefix is removed from the incoming request path before it's
	// joined onto each mirror base, e.g. "/conda/" or "/pypi/".
	StripPrefix string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, h.StripPrefix)

	urls := make([]string, 0, len(h.Mirrors))
	for _, base := range h.Mirrors {
		u, err := url.JoinPath(base, rest)
		if err != nil {
			continue
		}
		if r.URL.RawQuery != "" {
			u += "?" + r.URL.RawQuery
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	resp, err := h.Engine.Stream(r.Context(), urls, streamengine.Options{
		CacheAction: upstream.NoCache,
		Header:      forwardableHeader(r.Header),
	})
	if err != nil {
		routeerr.Write(w, err)
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		if k == "Content-Length" || k == "Connection" {
			continue
		}
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// forwardableHeader copies the client's request headers for the upstream
// call, minus the ones that would break the engine's body handling:
// Accept-Encoding (the engine can only decode gzip, and with compression
// disabled on the transport no Accept-Encoding is sent upstream at all) and
// Connection (hop-by-hop). Conditional headers pass through,
// which is what makes the engine's 304 path reachable for repodata polling
// clients.
func forwardableHeader(in http.Header) http.Header {
	out := in.Clone()
	out.Del("Accept-Encoding")
	out.Del("Connection")
	return out
}

