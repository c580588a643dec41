package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/offlinehub/edgeworker/internal/metrics"
	"github.com/offlinehub/edgeworker/internal/worker/bucket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOrigin(t *testing.T) (*httptest.Server, *url.URL, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/", "/offline":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
		case "/static/css/theme.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
		case "/api/cart":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"items":[]}`)
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)
	origin, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return server, origin, &hits
}

func testWorker(t *testing.T, store bucket.Store, origin *url.URL) *Worker {
	t.Helper()
	return NewWorker(store, http.DefaultClient, origin,
		[]string{"/api/", "/admin/", "/auth/"}, "/offline",
		testLogger(), metrics.NewRecorder(prometheus.NewRegistry()))
}

func TestServeFetchHitFromActiveBucket(t *testing.T) {
	_, origin, hits := testOrigin(t)
	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	target := origin.ResolveReference(&url.URL{Path: "/static/css/theme.css"})
	err := store.Put(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, target.String()), bucket.Snapshot{
		Status:  200,
		Headers: http.Header{"Content-Type": {"text/css"}},
		Body:    []byte("body{color:red}"),
	})
	if err != nil {
		t.Fatalf("seed bucket: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/static/css/theme.css", nil)
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(CacheHeader); got != "hit" {
		t.Fatalf("expected cache hit, got %q", got)
	}
	if rec.Body.String() != "body{color:red}" {
		t.Fatalf("expected cached body, got %q", rec.Body.String())
	}
	if hits.Load() != 0 {
		t.Fatalf("expected origin untouched on hit, saw %d requests", hits.Load())
	}
}

func TestServeFetchMissPopulatesBucket(t *testing.T) {
	_, origin, _ := testOrigin(t)
	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	req := httptest.NewRequest(http.MethodGet, "/static/css/theme.css", nil)
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(CacheHeader); got != "miss" {
		t.Fatalf("expected cache miss, got %q", got)
	}
	if rec.Body.String() != "body{}" {
		t.Fatalf("expected origin body, got %q", rec.Body.String())
	}

	target := origin.ResolveReference(&url.URL{Path: "/static/css/theme.css"})
	snap, ok, err := store.Lookup(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, target.String()))
	if err != nil || !ok {
		t.Fatalf("expected response cached after miss (ok=%v err=%v)", ok, err)
	}
	if string(snap.Body) != "body{}" {
		t.Fatalf("unexpected cached body %q", snap.Body)
	}

	// The next request is served from the bucket.
	rec = httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/static/css/theme.css", nil))
	if got := rec.Header().Get(CacheHeader); got != "hit" {
		t.Fatalf("expected second request to hit, got %q", got)
	}
}

func TestServeFetchSessionCookieNeverCached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "alice", Path: "/", HttpOnly: true})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>home</html>")
	}))
	t.Cleanup(server.Close)
	origin, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}

	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	// The visitor who triggered the miss keeps their own session cookie.
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Set-Cookie") == "" {
		t.Fatalf("expected live response to keep the visitor's cookie")
	}

	target := origin.ResolveReference(&url.URL{Path: "/"})
	snap, ok, err := store.Lookup(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, target.String()))
	if err != nil || !ok {
		t.Fatalf("expected page cached (ok=%v err=%v)", ok, err)
	}
	if len(snap.Headers.Values("Set-Cookie")) != 0 {
		t.Fatalf("session cookie stored in the shared bucket: %v", snap.Headers)
	}

	// The next visitor is served the snapshot without the first one's cookie.
	rec = httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get(CacheHeader); got != "hit" {
		t.Fatalf("expected cache hit, got %q", got)
	}
	if cookie := rec.Header().Get("Set-Cookie"); cookie != "" {
		t.Fatalf("cached response replayed another visitor's cookie %q", cookie)
	}
}

func TestServeFetchOversizedBodyStreamedNotCached(t *testing.T) {
	big := bytes.Repeat([]byte("a"), maxSnapshotBody+1)
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(big)
	}))
	t.Cleanup(server.Close)
	origin, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}

	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/static/media/catalog.bin", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != len(big) {
		t.Fatalf("expected the full %d byte body, got %d", len(big), rec.Body.Len())
	}

	target := origin.ResolveReference(&url.URL{Path: "/static/media/catalog.bin"})
	_, ok, err := store.Lookup(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, target.String()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected oversized body not cached")
	}

	// No snapshot means the next request goes back to the origin.
	rec = httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/static/media/catalog.bin", nil))
	if hits.Load() != 2 {
		t.Fatalf("expected both requests to reach the origin, saw %d", hits.Load())
	}
}

func TestServeFetchMultiValueHeadersSurviveCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", "</static/css/theme.css>; rel=preload; as=style")
		w.Header().Add("Link", "</static/js/app.js>; rel=preload; as=script")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>home</html>")
	}))
	t.Cleanup(server.Close)
	origin, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}

	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Values("Link"); len(got) != 2 {
		t.Fatalf("expected both Link values on the miss, got %v", got)
	}

	rec = httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get(CacheHeader); got != "hit" {
		t.Fatalf("expected cache hit, got %q", got)
	}
	if got := rec.Header().Values("Link"); len(got) != 2 {
		t.Fatalf("expected both Link values replayed from the bucket, got %v", got)
	}
}

func TestServeFetchNon200NotCached(t *testing.T) {
	_, origin, _ := testOrigin(t)
	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 passthrough, got %d", rec.Code)
	}

	target := origin.ResolveReference(&url.URL{Path: "/missing"})
	_, ok, err := store.Lookup(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, target.String()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected 404 response not cached")
	}
}

func TestServeFetchRedirectedOffOriginNotCached(t *testing.T) {
	elsewhere := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "external body")
	}))
	t.Cleanup(elsewhere.Close)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, elsewhere.URL+"/cdn/banner", http.StatusFound)
	}))
	t.Cleanup(server.Close)
	origin, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}

	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/banner", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected redirected response passed through, got %d", rec.Code)
	}
	if rec.Body.String() != "external body" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}

	target := origin.ResolveReference(&url.URL{Path: "/banner"})
	_, ok, err := store.Lookup(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, target.String()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected off-origin response not cached")
	}
}

func TestServeFetchBypassPrefixes(t *testing.T) {
	_, origin, _ := testOrigin(t)
	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/api/cart", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from origin, got %d", rec.Code)
	}
	if rec.Header().Get(CacheHeader) != "" {
		t.Fatalf("expected bypass response untouched by cache header")
	}

	target := origin.ResolveReference(&url.URL{Path: "/api/cart"})
	_, ok, err := store.Lookup(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, target.String()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected bypass response not cached")
	}
}

func TestServeFetchNonGETForwarded(t *testing.T) {
	_, origin, hits := testOrigin(t)
	w := testWorker(t, bucket.NewMemory(), origin)
	w.setBucket("precache-v1.1")

	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodPost, "/cart/add", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected origin response, got %d", rec.Code)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one origin request, saw %d", hits.Load())
	}
}

func TestServeFetchOfflineNavigationFallback(t *testing.T) {
	server, origin, _ := testOrigin(t)
	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	offline := origin.ResolveReference(&url.URL{Path: "/offline"})
	err := store.Put(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, offline.String()), bucket.Snapshot{
		Status:  200,
		Headers: http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:    []byte("<html>offline</html>"),
	})
	if err != nil {
		t.Fatalf("seed offline page: %v", err)
	}

	server.Close()

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected offline page, got %d", rec.Code)
	}
	if got := rec.Header().Get(CacheHeader); got != "offline" {
		t.Fatalf("expected offline verdict, got %q", got)
	}
	if rec.Body.String() != "<html>offline</html>" {
		t.Fatalf("unexpected offline body %q", rec.Body.String())
	}
}

func TestServeFetchOfflineAcceptHeaderCountsAsNavigation(t *testing.T) {
	server, origin, _ := testOrigin(t)
	store := bucket.NewMemory()
	w := testWorker(t, store, origin)
	w.setBucket("precache-v1.1")

	offline := origin.ResolveReference(&url.URL{Path: "/offline"})
	err := store.Put(context.Background(), "precache-v1.1", bucket.Key(http.MethodGet, offline.String()), bucket.Snapshot{
		Status: 200,
		Body:   []byte("<html>offline</html>"),
	})
	if err != nil {
		t.Fatalf("seed offline page: %v", err)
	}
	server.Close()

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, req)
	if rec.Header().Get(CacheHeader) != "offline" {
		t.Fatalf("expected offline fallback for Accept: text/html")
	}
}

func TestServeFetchOfflineSynthesizes408(t *testing.T) {
	server, origin, _ := testOrigin(t)
	w := testWorker(t, bucket.NewMemory(), origin)
	w.setBucket("precache-v1.1")
	server.Close()

	// A subresource fetch gets a synthesized timeout, not the offline page.
	req := httptest.NewRequest(http.MethodGet, "/static/js/app.js", nil)
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, req)

	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rec.Code)
	}
	if got := rec.Header().Get(CacheHeader); got != "synthesized" {
		t.Fatalf("expected synthesized verdict, got %q", got)
	}
}

func TestServeFetchOfflineNavigationWithoutOfflinePage(t *testing.T) {
	server, origin, _ := testOrigin(t)
	w := testWorker(t, bucket.NewMemory(), origin)
	w.setBucket("precache-v1.1")
	server.Close()

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, req)
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408 when offline page missing, got %d", rec.Code)
	}
}

func TestServeFetchNoActiveBucket(t *testing.T) {
	_, origin, _ := testOrigin(t)
	store := bucket.NewMemory()
	w := testWorker(t, store, origin)

	// Before the first install the worker still proxies reads through.
	rec := httptest.NewRecorder()
	w.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/static/css/theme.css", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected origin response, got %d", rec.Code)
	}
	names, err := store.Buckets(context.Background())
	if err != nil {
		t.Fatalf("buckets: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected nothing cached without an active bucket, got %v", names)
	}
}
