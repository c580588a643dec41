package worker

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/offlinehub/edgeworker/internal/metrics"
	"github.com/offlinehub/edgeworker/internal/worker/bucket"
)

// CacheHeader reports how the gateway resolved a request.
const CacheHeader = "X-Edge-Cache"

// maxSnapshotBody bounds what a single cached response may hold.
const maxSnapshotBody = 8 << 20

type originClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Worker resolves storefront requests against the active precache bucket,
// falling back to the origin and, when the origin is unreachable, to the
// offline page for navigations.
type Worker struct {
	store       bucket.Store
	client      originClient
	origin      *url.URL
	bypass      []string
	offlinePath string
	logger      *slog.Logger
	metrics     *metrics.Recorder
	proxy       *httputil.ReverseProxy

	mu         sync.RWMutex
	bucketName string
}

// NewWorker builds the fetch handler. The active bucket starts empty; the
// lifecycle coordinator names it after the first install succeeds.
func NewWorker(store bucket.Store, client originClient, origin *url.URL, bypass []string, offlinePath string, logger *slog.Logger, rec *metrics.Recorder) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("bypass proxy failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		http.Error(w, "origin unreachable", http.StatusBadGateway)
	}
	return &Worker{
		store:       store,
		client:      client,
		origin:      origin,
		bypass:      bypass,
		offlinePath: offlinePath,
		logger:      logger.With(slog.String("agent", "fetch")),
		metrics:     rec,
		proxy:       proxy,
	}
}

// ActiveBucket reports the bucket currently serving lookups.
func (w *Worker) ActiveBucket() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bucketName
}

func (w *Worker) setBucket(name string) {
	w.mu.Lock()
	w.bucketName = name
	w.mu.Unlock()
}

// intercepts reports whether the request path participates in caching at all.
// Bypass prefixes cover the dynamic surfaces whose responses must stay fresh.
func (w *Worker) intercepts(path string) bool {
	for _, prefix := range w.bypass {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// originURL rebuilds the request target against the configured origin so
// lookup keys match what install stored.
func (w *Worker) originURL(r *http.Request) *url.URL {
	return w.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
}

// ServeFetch is the catch-all request path: bypass, cache lookup, origin
// fetch, then offline fallbacks, in that order.
func (w *Worker) ServeFetch(rw http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if r.Method != http.MethodGet || !w.intercepts(r.URL.Path) {
		w.metrics.ObserveFetch(metrics.FetchBypass, 0, time.Since(started))
		w.proxy.ServeHTTP(rw, r)
		return
	}

	target := w.originURL(r)
	key := bucket.Key(http.MethodGet, target.String())
	bucketName := w.ActiveBucket()

	if bucketName != "" {
		snap, ok, err := w.store.Lookup(r.Context(), bucketName, key)
		if err != nil {
			w.logger.Warn("bucket lookup failed", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			w.writeSnapshot(rw, snap, "hit")
			w.metrics.ObserveFetch(metrics.FetchHit, snap.Status, time.Since(started))
			return
		}
	}

	snap, err := w.fetchOrigin(r, target)
	if err != nil {
		w.serveOffline(rw, r, started, err)
		return
	}

	if snap.stream != nil {
		// Too large to snapshot: stream the body through uncached so the
		// declared Content-Length stays honest.
		defer func() { _ = snap.stream.Close() }()
		writeHeaders(rw, snap.Headers, "miss")
		rw.WriteHeader(snap.Status)
		_, _ = io.Copy(rw, snap.stream)
		w.metrics.ObserveFetch(metrics.FetchMiss, snap.Status, time.Since(started))
		return
	}

	if bucketName != "" && snap.cacheable {
		stored := snap.Snapshot
		stored.Headers = snapshotHeaders(stored.Headers)
		if err := w.store.Put(r.Context(), bucketName, key, stored); err != nil {
			// Serving the live response matters more than caching it.
			w.logger.Warn("bucket write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	w.writeSnapshot(rw, snap.Snapshot, "miss")
	w.metrics.ObserveFetch(metrics.FetchMiss, snap.Status, time.Since(started))
}

type originResponse struct {
	bucket.Snapshot
	cacheable bool
	stream    io.ReadCloser // set when the body exceeds maxSnapshotBody
}

func (w *Worker) fetchOrigin(r *http.Request, target *url.URL) (originResponse, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return originResponse{}, err
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		return originResponse{}, err
	}

	// Read one byte past the snapshot bound so an oversized body is
	// detectable instead of silently truncated into the bucket.
	head, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody+1))
	if err != nil {
		_ = resp.Body.Close()
		return originResponse{}, err
	}

	snap := bucket.Snapshot{
		Status:   resp.StatusCode,
		Headers:  responseHeaders(resp.Header),
		StoredAt: time.Now().UTC(),
	}
	if len(head) > maxSnapshotBody {
		return originResponse{
			Snapshot: snap,
			stream: readCloser{
				Reader: io.MultiReader(bytes.NewReader(head), resp.Body),
				Closer: resp.Body,
			},
		}, nil
	}
	_ = resp.Body.Close()
	snap.Body = head
	// Only a clean 200 that stayed on the origin host is worth keeping; an
	// error page or a response redirected elsewhere would poison the bucket.
	cacheable := resp.StatusCode == http.StatusOK && finalHost(resp) == w.origin.Host
	return originResponse{Snapshot: snap, cacheable: cacheable}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (w *Worker) serveOffline(rw http.ResponseWriter, r *http.Request, started time.Time, cause error) {
	if isNavigation(r) {
		bucketName := w.ActiveBucket()
		if bucketName != "" {
			offlineKey := bucket.Key(http.MethodGet, w.origin.ResolveReference(&url.URL{Path: w.offlinePath}).String())
			snap, ok, err := w.store.Lookup(r.Context(), bucketName, offlineKey)
			if err == nil && ok {
				w.writeSnapshot(rw, snap, "offline")
				w.metrics.ObserveFetch(metrics.FetchOffline, snap.Status, time.Since(started))
				return
			}
		}
	}

	w.logger.Debug("origin unreachable",
		slog.String("path", r.URL.Path),
		slog.Any("error", cause))
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set(CacheHeader, "synthesized")
	rw.WriteHeader(http.StatusRequestTimeout)
	_, _ = io.WriteString(rw, "offline: origin unreachable\n")
	w.metrics.ObserveFetch(metrics.FetchSynthesized, http.StatusRequestTimeout, time.Since(started))
}

func (w *Worker) writeSnapshot(rw http.ResponseWriter, snap bucket.Snapshot, verdict string) {
	writeHeaders(rw, snap.Headers, verdict)
	rw.WriteHeader(snap.Status)
	_, _ = rw.Write(snap.Body)
}

func writeHeaders(rw http.ResponseWriter, h http.Header, verdict string) {
	dst := rw.Header()
	for name, values := range h {
		dst[name] = append([]string(nil), values...)
	}
	dst.Set(CacheHeader, verdict)
}

func finalHost(resp *http.Response) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.Host
	}
	return ""
}

// responseHeaders clones what the origin sent minus hop-by-hop fields.
func responseHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

// snapshotHeaders further drops per-visitor fields before a response enters a
// shared bucket. Set-Cookie carries the storefront session; replaying it
// would hand one visitor's session to the next. The browser Cache API this
// mirrors never stores Set-Cookie either.
func snapshotHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	out.Del("Set-Cookie")
	return out
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	for _, name := range hopHeaders {
		dst.Del(name)
	}
}
