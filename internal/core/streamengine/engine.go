// Package streamengine implements mahoraga's central fetch-and-cache
// algorithm: try candidate mirrors in load-balanced order, validate response
// headers against the caller's expectations, and - when a cache location and
// digest are known - stream the response to the client while concurrently
// writing it to a temp file, verifying its SHA-256 and size, and atomically
// promoting it into the cache on success. A failed validation silently
// discards the temp file; it never interrupts the bytes already sent to the
// client, since those have already been written by the time the check runs.
package streamengine

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hingebase/mahoraga-go/internal/core/balancer"
	"github.com/hingebase/mahoraga-go/internal/core/ledger"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
	"github.com/hingebase/mahoraga-go/internal/logger"
)

// Options parametrises a Stream/Get call.
type Options struct {
	// CacheLocation, if set, is the final on-disk path this response's body
	// should be promoted to once it's verified. Caching is skipped entirely
	// when this is empty.
	CacheLocation string
	// SHA256 is the expected digest of the decoded bytes (after any gzip
	// Content-Encoding is removed). Required for caching.
	SHA256 []byte
	// Size is the caller's expected byte count, used to reconcile against
	// Content-Length and to pre-truncate the temp file. Zero means unknown.
	Size int64
	// CacheAction controls how the in-memory metadata cache is consulted for
	// this request (see upstream.CacheAction).
	CacheAction upstream.CacheAction
	// Header carries request headers to forward upstream, e.g. a client's
	// If-None-Match for the 304 passthrough path. Nil forwards nothing.
	Header http.Header
	// MediaType, if set, replaces the upstream's Content-Type in the
	// client-facing response (and is dropped from a 304's headers instead of
	// forwarding the upstream's).
	MediaType string
}

// Response is the result of a successful Stream call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// URL is the mirror this response was actually served from.
	URL string
}

// Engine ties a Client and Ledger together to drive mirror selection, header
// validation and cache promotion. The engine does not lock cache paths
// itself: the route adapter holds the cache-path mutex across the whole
// Stream call (the pre-attempt short-circuit rule), and promotion is
// idempotent anyway - a rename lands the same bytes, an integrity failure
// leaves whatever is already on disk untouched.
type Engine struct {
	client *upstream.Client
	ledger *ledger.Ledger
	log    *logger.StyledLogger
}

// New builds an Engine. log may be nil, in which case mirror and integrity
// events go to the process-default logger unstyled.
func New(client *upstream.Client, l *ledger.Ledger, log *logger.StyledLogger) *Engine {
	return &Engine{client: client, ledger: l, log: log}
}

// Get fetches and fully buffers a small body across mirrors, going through
// the upstream client's heuristic-freshness response cache. Useful for
// metadata lookups (e.g. a .sha256 sidecar or jsDelivr's resolved-version
// JSON) that are small enough to buffer in memory and requested often
// enough that a 600s cache is worth consulting.
func (e *Engine) Get(ctx context.Context, urls []string) ([]byte, error) {
	resp, err := e.Stream(ctx, urls, Options{CacheAction: upstream.CacheOrFetch})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Stream tries each candidate URL in load-balanced order until one succeeds.
// On success it returns a Response whose Body, when opts.CacheLocation and
// opts.SHA256 are both set, tees to the cache on a background goroutine as
// the caller reads it.
func (e *Engine) Stream(ctx context.Context, urls []string, opts Options) (*Response, error) {
	if len(urls) == 0 {
		return nil, wrap(PathValidationError, fmt.Errorf("no candidate mirrors"))
	}

	next := balancer.Next(e.ledger, urls)
	// lastResponseErr tracks the most recent mirror attempt that actually
	// produced an HTTP response, so exhaustion can propagate its status
	// instead of a blanket 504. A bare transport error leaves it untouched
	// (that attempt never got a response), a status >= 400 becomes the new
	// value, and a Content-Length mismatch clears it: that failure means a
	// fresh response was opened for this attempt, superseding whatever an
	// earlier mirror had produced.
	var lastResponseErr error
	for {
		url, ok := next()
		if !ok {
			if lastResponseErr != nil {
				return nil, lastResponseErr
			}
			return nil, ErrAllMirrorsFailed
		}

		resp, err := e.attempt(ctx, url, opts)
		if err != nil {
			switch KindOf(err) {
			case UpstreamStatusError:
				lastResponseErr = err
			case ContentLengthMismatch:
				e.log.WarnWithHost("content-length disagrees with expected size, trying next mirror", hostOf(url), "url", url, "error", err)
				lastResponseErr = nil
			}
			continue
		}
		return resp, nil
	}
}

func (e *Engine) attempt(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	host := hostOf(rawURL)
	e.ledger.OnOpen(host)
	start := time.Now()
	closed := false
	onClose := func() {
		if closed {
			return
		}
		closed = true
		e.ledger.OnClose(host, int(time.Since(start).Round(time.Second).Seconds()))
	}

	resp, err := e.client.Do(ctx, rawURL, opts.Header, opts.CacheAction)
	if err != nil {
		onClose()
		return nil, wrap(TransportError, err)
	}

	if resp.StatusCode == http.StatusNotModified {
		Detach(resp.Body)
		header := stripHopHeaders(resp.Header)
		header.Del("Content-Encoding")
		if opts.MediaType != "" {
			header.Del("Content-Type")
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     header,
			Body:       wrapCloseHook(io.NopCloser(http.NoBody), onClose),
			URL:        rawURL,
		}, nil
	}

	if resp.StatusCode >= 400 {
		onClose()
		DetachDrain(resp.Body, resp.Body)
		header := stripHopHeaders(resp.Header)
		return nil, wrapStatus(resp.StatusCode, header, fmt.Errorf("%s: unexpected status %d", rawURL, resp.StatusCode))
	}

	expectSize, err := unifyContentLength(resp.Header, opts.Size)
	if err != nil {
		onClose()
		DetachDrain(resp.Body, resp.Body)
		return nil, wrap(ContentLengthMismatch, err)
	}

	// The engine always serves (and caches) decoded bytes, even though the
	// transport is configured with DisableCompression so Content-Length can
	// be validated against the as-received wire size first.
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		decoded, derr := decodeBody(enc, resp.Body)
		if derr != nil {
			onClose()
			DetachDrain(resp.Body, resp.Body)
			return nil, wrap(TransportError, derr)
		}
		resp.Body = decoded
	}

	header := stripHopHeaders(resp.Header)
	header.Del("Content-Encoding")
	if opts.MediaType != "" {
		header.Set("Content-Type", opts.MediaType)
	}

	if opts.CacheLocation == "" || len(opts.SHA256) == 0 {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     header,
			Body:       wrapCloseHook(resp.Body, onClose),
			URL:        rawURL,
		}, nil
	}

	e.log.InfoWithMirror("streaming", rawURL, opts.CacheLocation)
	body, err := e.teeToCache(resp, host, opts.CacheLocation, opts.SHA256, expectSize, onClose)
	if err != nil {
		onClose()
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		URL:        rawURL,
	}, nil
}

// decodeBody wraps body in a reader that transparently undoes encoding,
// closing the underlying body once the decoder itself is closed. Only gzip
// and identity are supported - the mirrors this proxy fronts never send
// brotli or deflate for the endpoints this engine serves.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, err
		}
		return &gzipReadCloser{zr: zr, body: body}, nil
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", encoding)
	}
}

type gzipReadCloser struct {
	zr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	err := g.zr.Close()
	if berr := g.body.Close(); err == nil {
		err = berr
	}
	return err
}

// stripHopHeaders returns a copy of header with Date and Server removed,
// per the engine's response-header policy - these always describe the
// mirror, never this proxy.
func stripHopHeaders(header http.Header) http.Header {
	out := header.Clone()
	out.Del("Date")
	out.Del("Server")
	return out
}

// unifyContentLength reconciles a caller-supplied expected size against the
// response's headers:
//   - if the response carries Content-Encoding, Content-Length refers to the
//     encoded bytes and isn't comparable to a decoded-size expectation, so it
//     is overwritten from the caller's size (or dropped if unknown);
//   - otherwise Content-Length must agree with the caller's expected size,
//     and a disagreement fails the attempt outright.
func unifyContentLength(header http.Header, expectSize int64) (int64, error) {
	if header.Get("Content-Encoding") != "" {
		if expectSize > 0 {
			header.Set("Content-Length", fmt.Sprintf("%d", expectSize))
		} else {
			header.Del("Content-Length")
		}
		return expectSize, nil
	}

	cl := header.Get("Content-Length")
	if cl == "" {
		return expectSize, nil
	}
	var actual int64
	if _, err := fmt.Sscanf(cl, "%d", &actual); err != nil {
		return expectSize, nil
	}
	if expectSize == 0 {
		return actual, nil
	}
	if expectSize != actual {
		return 0, fmt.Errorf("content-length mismatch: expected %d, got %d", expectSize, actual)
	}
	return actual, nil
}

// teeToCache streams resp.Body to the caller while concurrently writing the
// same bytes to a temp file next to cacheLocation, verifying their SHA-256
// (and size, once fully read) before renaming the temp file into place. A
// mismatch discards the temp file silently - the client has already
// received the bytes and integrity failures only gate the cache, not the
// response already in flight.
func (e *Engine) teeToCache(resp *http.Response, host, cacheLocation string, wantSHA256 []byte, size int64, onDone func()) (io.ReadCloser, error) {
	dir := filepath.Dir(cacheLocation)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap(TransportError, err)
	}

	tmp, err := os.CreateTemp(dir, ".mahoraga-*.tmp")
	if err != nil {
		return nil, wrap(TransportError, err)
	}
	if size > 0 {
		_ = tmp.Truncate(size)
	}

	pr, pw := io.Pipe()
	tee := io.TeeReader(resp.Body, &safeWriter{w: pw})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h := sha256.New()
		written, copyErr := io.Copy(io.MultiWriter(tmp, h), pr)
		_ = tmp.Close()

		ok := copyErr == nil && sha256Equal(h.Sum(nil), wantSHA256) && (size == 0 || size == written)
		if ok {
			_ = os.Rename(tmp.Name(), cacheLocation)
		} else {
			e.log.WarnIntegrityFailure(cacheLocation, host, "bytes", written, "error", copyErr)
			_ = os.Remove(tmp.Name())
		}
	}()

	return &teeReadCloser{
		r:  tee,
		pw: pw,
		closeFn: func() error {
			err := resp.Body.Close()
			pw.Close()
			<-done
			onDone()
			return err
		},
	}, nil
}

func sha256Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// safeWriter discards writes once the downstream pipe reader has gone away,
// so a failed/abandoned cache write never blocks or errors the client copy.
type safeWriter struct {
	w      io.Writer
	failed bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed {
		return len(p), nil
	}
	if _, err := s.w.Write(p); err != nil {
		s.failed = true
	}
	return len(p), nil
}

type teeReadCloser struct {
	r       io.Reader
	pw      *io.PipeWriter
	closeFn func() error
}

func (t *teeReadCloser) Read(p []byte) (int, error) { return t.r.Read(p) }
func (t *teeReadCloser) Close() error                { return t.closeFn() }

func wrapCloseHook(body io.ReadCloser, onClose func()) io.ReadCloser {
	return &closeHookReader{body: body, onClose: onClose}
}

type closeHookReader struct {
	body    io.ReadCloser
	onClose func()
	closed  bool
}

func (c *closeHookReader) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *closeHookReader) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.body.Close()
	c.onClose()
	return err
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}
