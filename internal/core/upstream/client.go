// Package upstream wraps net/http into the client mahoraga issues every
// mirror request through: pooled per-host connections, a short heuristic
// freshness cache for metadata GETs, a host-suffix-gated redirect policy and
// an explicit cache-action mode per request.
package upstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hingebase/mahoraga-go/internal/config"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultKeepAlive      = 60 * time.Second

	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 10
	DefaultIdleConnTimeout     = 90 * time.Second

	// freshnessWindow is the heuristic freshness window applied to every
	// cached metadata response, regardless of upstream Cache-Control. A
	// deliberate deviation from RFC freshness rules: mirror metadata is
	// immutable enough that 600s staleness is always acceptable here.
	freshnessWindow = 600 * time.Second
)

// redirectAllowedSuffixes are the only hosts mahoraga follows redirects to.
// Everything else surfaces the redirect response to the caller as-is.
var redirectAllowedSuffixes = []string{
	"anaconda.org",
	"github.com",
	"prefix.dev",
	"pypi.org",
}

// CacheAction selects how a request interacts with the in-memory response
// cache.
type CacheAction int

const (
	NoCache CacheAction = iota
	ForceCacheOnly
	UseCacheOnly
	CacheOrFetch
)

// Client issues requests against upstream mirrors.
type Client struct {
	http *http.Client

	cacheMu sync.Mutex
	cache   map[string]*cachedResponse

	group singleflight.Group

	limiter *hostLimiter
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
	stored time.Time
}

// New builds a Client with a shared, pooled transport and a fixed
// redirect-allow policy. cfg.KeepAlive sets the dialer's TCP keep-alive
// interval and cfg.LimitConcurrency bounds how many upstream connections may
// be in flight per host at once, per server.limit_concurrency -
// cfg.LimitConcurrency <= 0 leaves that bound unenforced.
func New(cfg config.ServerConfig) *Client {
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	dialer := &net.Dialer{
		Timeout:   DefaultConnectTimeout,
		KeepAlive: keepAlive,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ResponseHeaderTimeout: DefaultReadTimeout,
		// The stream engine needs to see the upstream's real Content-Encoding
		// and Content-Length to validate the as-received size before it
		// decodes the body itself - transparent gzip decompression would
		// strip both.
		DisableCompression: true,
	}

	c := &Client{
		cache:   map[string]*cachedResponse{},
		limiter: newHostLimiter(cfg.LimitConcurrency),
	}
	c.http = &http.Client{
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	host := req.URL.Hostname()
	for _, suffix := range redirectAllowedSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		}
	}
	return http.ErrUseLastResponse
}

// Do issues a GET against rawURL honouring the given cache action, forwarding
// header (nil forwards nothing) to the mirror. NoCache requests stream
// straight from the network, each with its own response body - they are never
// deduplicated or buffered, since the artifact streams issued with NoCache
// can run to gigabytes and every caller must read its own copy. Cacheable
// requests consult the freshness cache first; concurrent identical misses
// collapse into one network fetch via singleflight, and every waiter gets an
// independent body over the same buffered bytes.
func (c *Client) Do(ctx context.Context, rawURL string, header http.Header, action CacheAction) (*http.Response, error) {
	if action == NoCache {
		return c.fetch(ctx, rawURL, header)
	}

	if resp, ok := c.lookupFresh(rawURL); ok {
		return resp, nil
	}
	if action == UseCacheOnly || action == ForceCacheOnly {
		return nil, ErrCacheMiss
	}

	v, err, _ := c.group.Do(rawURL, func() (any, error) {
		return c.fetchBuffered(ctx, rawURL, header)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedResponse).toResponse(), nil
}

// fetch issues a streaming network request. The per-host admission slot is
// held for as long as the caller reads the body - an artifact stream can run
// for minutes, so it's released from Close, not from this call's return.
func (c *Client) fetch(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeader(req, header)

	release, err := c.limiter.acquire(ctx, req.URL.Hostname())
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// fetchBuffered issues the network request for a cacheable call, fully
// buffering the body (appropriate only for the small metadata GETs the
// freshness cache exists for) and recording successful responses in the
// cache before handing the buffered entry back.
func (c *Client) fetchBuffered(ctx context.Context, rawURL string, header http.Header) (*cachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeader(req, header)

	release, err := c.limiter.acquire(ctx, req.URL.Hostname())
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	entry := &cachedResponse{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
		stored: time.Now(),
	}
	if resp.StatusCode < 400 {
		c.cacheMu.Lock()
		c.cache[rawURL] = entry
		c.cacheMu.Unlock()
	}
	return entry, nil
}

func applyHeader(req *http.Request, header http.Header) {
	for k, v := range header {
		req.Header[k] = v
	}
}

// releasingBody wraps a response body so the per-host admission slot it was
// read under is freed exactly once, however the caller finishes with it.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

func (c *Client) lookupFresh(rawURL string) (*http.Response, bool) {
	c.cacheMu.Lock()
	entry, ok := c.cache[rawURL]
	c.cacheMu.Unlock()
	if !ok || time.Since(entry.stored) > freshnessWindow {
		return nil, false
	}
	return entry.toResponse(), true
}

func (e *cachedResponse) toResponse() *http.Response {
	return &http.Response{
		StatusCode: e.status,
		Header:     e.header.Clone(),
		Body:       newBodyReader(e.body),
	}
}

// hostLimiter bounds the number of in-flight upstream requests per host, the
// admission-gating half of server.limit_concurrency (distinct from the
// ledger's per-host concurrency counters, which only rank mirrors and never
// block a caller). A zero or negative limit disables gating entirely.
type hostLimiter struct {
	limit int

	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newHostLimiter(limit int) *hostLimiter {
	return &hostLimiter{limit: limit, sems: map[string]chan struct{}{}}
}

// acquire blocks until host has a free admission slot or ctx is done. The
// returned release func must be called exactly once to free the slot; it is
// always non-nil, including when limiting is disabled.
func (l *hostLimiter) acquire(ctx context.Context, host string) (func(), error) {
	if l == nil || l.limit <= 0 {
		return func() {}, nil
	}

	sem := l.semFor(host)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *hostLimiter) semFor(host string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[host]
	if !ok {
		sem = make(chan struct{}, l.limit)
		l.sems[host] = sem
	}
	return sem
}
