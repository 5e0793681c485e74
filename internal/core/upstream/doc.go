package upstream

import (
	"bytes"
	"errors"
	"io"
)

// ErrCacheMiss is returned by Do when CacheAction is UseCacheOnly or
// ForceCacheOnly and no fresh entry exists for the requested URL.
var ErrCacheMiss = errors.New("upstream: no cached response available")

// DNS resolution: Go's net.Resolver already issues lookups on a goroutine
// separate from the caller, so there is no cooperative event loop for a
// blocking resolver to stall. No non-blocking resolver wrapper is needed
// here; the standard library's default behaviour suffices.

// bodyReader turns a cached []byte back into an io.ReadCloser for callers
// that expect an *http.Response body.
type bodyReader struct {
	*bytes.Reader
}

func (bodyReader) Close() error { return nil }

func newBodyReader(b []byte) io.ReadCloser {
	return bodyReader{bytes.NewReader(b)}
}
