package salonsync

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// HeaderMark reports how a response was produced.
const HeaderMark = "X-Salonsync"

// Response marks.
const (
	markHit      = "hit"
	markMiss     = "miss"
	markNetwork  = "network"
	markStale    = "stale"
	markFallback = "fallback"
	markOffline  = "offline"
	markBypass   = "bypass"
)

// InterceptorOptions configures an Interceptor. Origin and Cache are required.
type InterceptorOptions struct {
	Origin      string
	Cache       *Cache
	Next        http.RoundTripper
	Rules       []Rule
	OfflinePage string
	Fallbacks   []Fallback
	Logger      *slog.Logger

	// MaxRevalidations bounds background refreshes in flight; extra ones are
	// skipped.
	MaxRevalidations int
	// RevalidateTimeout bounds a single background refresh.
	RevalidateTimeout time.Duration
}

// Interceptor is an http.RoundTripper that applies the cache-first and
// network-first policies to same-origin GET requests. Every other request goes
// to Next untouched.
type Interceptor struct {
	origin      *url.URL
	cache       *Cache
	next        http.RoundTripper
	rules       []Rule
	offlinePage string
	fallbacks   []Fallback
	log         *slog.Logger

	stats *statsCollector

	bgSem             chan struct{}
	revalidateTimeout time.Duration
	wg                sync.WaitGroup
}

func NewInterceptor(opts InterceptorOptions) (*Interceptor, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute url", opts.Origin)
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Next == nil {
		opts.Next = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.MaxRevalidations <= 0 {
		opts.MaxRevalidations = 32
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = 30 * time.Second
	}
	return &Interceptor{
		origin:            origin,
		cache:             opts.Cache,
		next:              opts.Next,
		rules:             opts.Rules,
		offlinePage:       opts.OfflinePage,
		fallbacks:         opts.Fallbacks,
		log:               opts.Logger,
		bgSem:             make(chan struct{}, opts.MaxRevalidations),
		revalidateTimeout: opts.RevalidateTimeout,
	}, nil
}

// Wait blocks until every background revalidation has finished.
func (i *Interceptor) Wait() { i.wg.Wait() }

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.intercepts(req) {
		return i.next.RoundTrip(req)
	}
	switch i.policyFor(req) {
	case PolicyBypass:
		return i.next.RoundTrip(req)
	case PolicyNetworkFirst:
		return i.networkFirst(req)
	default:
		return i.cacheFirst(req)
	}
}

func (i *Interceptor) intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	return i.sameOrigin(req.URL)
}

func (i *Interceptor) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, i.origin.Scheme) && strings.EqualFold(u.Host, i.origin.Host)
}

func (i *Interceptor) policyFor(req *http.Request) Policy {
	p := req.URL.Path
	for idx := range i.rules {
		r := &i.rules[idx]
		if r.Matches(p) {
			if r.Policy == PolicyBypass {
				return PolicyBypass
			}
			if isNavigation(req) {
				return PolicyNetworkFirst
			}
			return r.Policy
		}
	}
	if isNavigation(req) {
		return PolicyNetworkFirst
	}
	return PolicyCacheFirst
}

// isNavigation reports whether req loads a document rather than a subresource.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func (i *Interceptor) cacheFirst(req *http.Request) (*http.Response, error) {
	if ent, ok := i.cache.Match(cacheKey(req)); ok {
		i.revalidateAsync(req)
		return i.respond(req, ent, markHit), nil
	}

	ent, err := i.fetchAndUpdate(req)
	if err == nil {
		return i.respond(req, ent, markMiss), nil
	}
	i.log.Debug("cache-first fetch failed", "url", req.URL.String(), "err", err)
	if isNavigation(req) {
		return i.offlineResponse(req, err)
	}
	return i.fallbackResponse(req, err)
}

func (i *Interceptor) networkFirst(req *http.Request) (*http.Response, error) {
	ent, err := i.fetchAndUpdate(req)
	if err == nil {
		return i.respond(req, ent, markNetwork), nil
	}
	i.log.Debug("network-first fetch failed", "url", req.URL.String(), "err", err)

	if ent, ok := i.cache.Match(cacheKey(req)); ok {
		return i.respond(req, ent, markStale), nil
	}
	if isNavigation(req) {
		return i.offlineResponse(req, err)
	}
	return i.fallbackResponse(req, err)
}

func (i *Interceptor) offlineResponse(req *http.Request, cause error) (*http.Response, error) {
	if i.offlinePage != "" {
		if ent, ok := i.cache.Match(i.originKey(i.offlinePage)); ok {
			return i.respond(req, ent, markOffline), nil
		}
	}
	return nil, newError("fetch "+req.URL.Path, KindNoFallback, fmt.Errorf("%w: %v", ErrNoFallback, cause))
}

func (i *Interceptor) fallbackResponse(req *http.Request, cause error) (*http.Response, error) {
	if fb, ok := i.fallbackFor(req.URL.Path); ok {
		if ent, ok := i.cache.Match(i.originKey(fb)); ok {
			return i.respond(req, ent, markFallback), nil
		}
	}
	return nil, newError("fetch "+req.URL.Path, KindNoFallback, fmt.Errorf("%w: %v", ErrNoFallback, cause))
}

func (i *Interceptor) fallbackFor(p string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" {
		return "", false
	}
	for _, fb := range i.fallbacks {
		for _, e := range fb.Extensions {
			if e == ext {
				return fb.URL, true
			}
		}
	}
	return "", false
}

// originKey is the cache key of a GET for an origin-relative path.
func (i *Interceptor) originKey(p string) string {
	return http.MethodGet + " " + i.resolve(p)
}

// fetchAndUpdate performs req against the network and stores the result when
// it is cacheable. Non-2xx responses are returned, not treated as errors.
func (i *Interceptor) fetchAndUpdate(req *http.Request) (CacheEntry, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Accept-Encoding", "identity")
	ent, cacheable, err := i.fetch(out)
	if err != nil {
		return CacheEntry{}, err
	}
	if cacheable {
		if err := i.cache.Put(cacheKey(req), ent); err != nil {
			i.log.Warn("cache put failed", "url", req.URL.String(), "err", err)
		}
	}
	return ent, nil
}

func (i *Interceptor) fetch(req *http.Request) (CacheEntry, bool, error) {
	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return CacheEntry{}, false, newError("fetch "+req.URL.Path, KindNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, false, newError("fetch "+req.URL.Path, KindNetwork, err)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	ent.Header.Del(HeaderMark)
	return ent, isCacheable(resp), nil
}

func isCacheable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

// revalidateAsync refreshes the cached copy of req in the background. When too
// many refreshes are already running the refresh is skipped.
func (i *Interceptor) revalidateAsync(req *http.Request) {
	select {
	case i.bgSem <- struct{}{}:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), i.revalidateTimeout)
	out := req.Clone(ctx)
	out.Body = nil
	out.Header.Set("Accept-Encoding", "identity")
	key := cacheKey(req)

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() { <-i.bgSem }()
		defer cancel()
		i.revalidateOnce(key, out)
	}()
}

func (i *Interceptor) revalidateOnce(key string, req *http.Request) {
	ent, cacheable, err := i.fetch(req)
	if err != nil {
		i.log.Debug("revalidate failed", "key", key, "err", err)
		return
	}
	if !cacheable {
		return
	}
	if cur, ok := i.cache.Match(key); ok && cur.Hash32 == ent.Hash32 {
		return
	}
	if err := i.cache.Put(key, ent); err != nil {
		i.log.Warn("revalidate put failed", "key", key, "err", err)
	}
}

func (i *Interceptor) respond(req *http.Request, ent CacheEntry, mark string) *http.Response {
	if i.stats != nil {
		i.stats.Observe(mark, len(ent.Body))
	}
	h := cloneHeader(ent.Header)
	h.Del(HeaderMark)
	setMarkHeaders(h, mark)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", ent.Status, http.StatusText(ent.Status)),
		StatusCode:    ent.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(ent.Body)),
		ContentLength: int64(len(ent.Body)),
		Request:       req,
	}
}

func setMarkHeaders(h http.Header, mark string) {
	if mark != "" {
		h.Set(HeaderMark, mark)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, HeaderMark)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
