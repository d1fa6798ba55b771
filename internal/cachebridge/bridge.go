// ============================================================================
// dashsync Offline Cache Bridge
// ============================================================================
//
// Package: internal/cachebridge
// File: bridge.go
// Purpose: Intercept outbound asset fetches and serve them from a versioned
//          local cache so the dashboard shell keeps loading while offline.
//
// Request handling (same-origin GET only, everything else passes through):
//
//   current generation hit  -> cached response (optionally revalidated)
//   miss, network 200       -> written through, then returned
//   miss, network non-200   -> returned, never cached
//   miss, network failure   -> synthetic 503 JSON response
//
// A failed write-through is a CacheWriteSkipped fault: logged, counted and
// otherwise invisible to the caller.
//
// ============================================================================

package cachebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fault"
)

// HeaderCache tells callers where a response came from: hit, miss or offline.
const HeaderCache = "X-Dashsync-Cache"

// Manifest is the versioned list of root-relative asset paths installed as
// one generation.
type Manifest struct {
	Generation string   `json:"generation" yaml:"generation"`
	Paths      []string `json:"paths" yaml:"paths"`
}

// Config holds the bridge settings.
type Config struct {
	// Origin is the scheme://host[:port] whose GETs are cached.
	Origin       string
	Generation   string
	FetchTimeout time.Duration
	// Revalidate refreshes a hit in the background so the next request sees
	// the newest successful fetch.
	Revalidate bool
}

// Bridge is an http.RoundTripper. Safe for concurrent use.
type Bridge struct {
	env    env.Env
	log    zerolog.Logger
	cfg    Config
	origin *url.URL
	store  Store
	next   http.RoundTripper

	mu         sync.RWMutex
	generation string

	revalidating sync.WaitGroup
}

// New creates a bridge in front of next. A nil next uses
// http.DefaultTransport.
func New(e env.Env, cfg Config, store Store, next http.RoundTripper) (*Bridge, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.Errorf("cache origin %q must be an absolute URL", cfg.Origin)
	}
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Generation == "" {
		cfg.Generation = "v1"
	}

	b := &Bridge{
		env:        e.Component("cachebridge"),
		cfg:        cfg,
		origin:     origin,
		store:      store,
		next:       next,
		generation: cfg.Generation,
	}
	b.log = b.env.Log
	return b, nil
}

// Generation returns the generation requests are served from.
func (b *Bridge) Generation() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

// Origin returns the cached origin.
func (b *Bridge) Origin() *url.URL {
	u := *b.origin
	return &u
}

/*
Install pre-populates manifest.Generation with every manifest path.

Behavior:
  - each path is fetched from the network and written through
  - the bridge switches to the new generation only when every path was cached
  - on any failure the previous generation stays current and the error
    lists the paths that failed

Older generations are not touched; call Activate to purge them.
*/
func (b *Bridge) Install(ctx context.Context, manifest Manifest) error {
	gen := manifest.Generation
	if gen == "" {
		gen = b.Generation()
	}

	var failed []string
	for _, p := range manifest.Paths {
		if !strings.HasPrefix(p, "/") {
			failed = append(failed, p)
			b.log.Warn().Str("path", p).Msg("Manifest path is not root-relative")
			continue
		}
		if err := b.installOne(ctx, gen, p); err != nil {
			failed = append(failed, p)
			b.log.Warn().Err(err).Str("path", p).Str("generation", gen).Msg("Asset install failed")
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("install %s: %d of %d assets failed: %s",
			gen, len(failed), len(manifest.Paths), strings.Join(failed, ", "))
	}

	b.mu.Lock()
	b.generation = gen
	b.mu.Unlock()
	b.log.Info().Str("generation", gen).Int("assets", len(manifest.Paths)).Msg("Cache generation installed")
	return nil
}

func (b *Bridge) installOne(ctx context.Context, gen, path string) error {
	u := b.origin.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	status, header, body, err := b.fetch(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Errorf("status %d", status)
	}
	return b.put(ctx, gen, requestKey(req.URL), header, body)
}

// Activate deletes every generation except the current one.
func (b *Bridge) Activate(ctx context.Context) error {
	gen := b.Generation()
	n, err := b.store.DeleteExcept(ctx, gen)
	if err != nil {
		return errors.Wrapf(err, "activate %s", gen)
	}
	b.log.Info().Str("generation", gen).Int64("purged", n).Msg("Cache generation activated")
	return nil
}

// Wait blocks until background revalidations finish.
func (b *Bridge) Wait() { b.revalidating.Wait() }

// RoundTrip implements http.RoundTripper.
func (b *Bridge) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !b.sameOrigin(req.URL) {
		b.env.Metrics.RecordCacheRequest("bypass")
		return b.next.RoundTrip(req)
	}

	ctx := req.Context()
	gen := b.Generation()
	key := requestKey(req.URL)

	entry, err := b.store.Get(ctx, gen, key)
	switch {
	case err == nil:
		b.env.Metrics.RecordCacheRequest("hit")
		if b.cfg.Revalidate {
			b.revalidate(req, gen, key)
		}
		return entryResponse(req, entry), nil
	case !errors.Is(err, ErrNotFound):
		b.log.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, using network")
	}

	status, header, body, err := b.fetch(req)
	if err != nil {
		b.env.Metrics.RecordCacheRequest("offline")
		b.log.Warn().Err(err).Str("key", key).Msg("Network fetch failed with no cached copy")
		return offlineResponse(req, err), nil
	}

	b.env.Metrics.RecordCacheRequest("miss")
	if status == http.StatusOK {
		if err := b.put(ctx, gen, key, header, body); err != nil {
			b.skipWrite(key, err)
		}
	} else {
		b.env.Metrics.RecordCacheWrite("uncacheable")
	}
	return buildResponse(req, status, header, body, "miss"), nil
}

func (b *Bridge) revalidate(orig *http.Request, gen, key string) {
	b.revalidating.Add(1)
	go func() {
		defer b.revalidating.Done()

		ctx := context.Background()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, orig.URL.String(), nil)
		if err != nil {
			return
		}
		status, header, body, err := b.fetch(req)
		if err != nil || status != http.StatusOK {
			return
		}
		if err := b.put(ctx, gen, key, header, body); err != nil {
			b.skipWrite(key, err)
		}
	}()
}

// fetch performs one network request bounded by FetchTimeout and reads the
// whole body.
func (b *Bridge) fetch(req *http.Request) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), b.cfg.FetchTimeout)
	defer cancel()

	resp, err := b.next.RoundTrip(req.Clone(ctx))
	if err != nil {
		return 0, nil, nil, fault.Transport("cache.fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fault.Transport("cache.fetch", errors.Wrap(err, "read body"))
	}
	return resp.StatusCode, resp.Header.Clone(), body, nil
}

func (b *Bridge) put(ctx context.Context, gen, key string, header http.Header, body []byte) error {
	err := b.store.Put(ctx, Entry{
		Generation: gen,
		Key:        key,
		Status:     http.StatusOK,
		Header:     storableHeader(header),
		Body:       body,
		StoredAt:   b.env.Clock.Now(),
	})
	if err != nil {
		return err
	}
	b.env.Metrics.RecordCacheWrite("stored")
	return nil
}

func (b *Bridge) skipWrite(key string, err error) {
	b.env.Metrics.RecordCacheWrite("skipped")
	b.log.Warn().Err(fault.New(fault.KindCacheWriteSkipped, "cache.put", err)).Str("key", key).Msg("Cache write skipped")
}

func (b *Bridge) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, b.origin.Scheme) && strings.EqualFold(u.Host, b.origin.Host)
}

// ============================================================================
// Response helpers
// ============================================================================

// requestKey identifies an asset by path and query.
func requestKey(u *url.URL) string {
	return u.RequestURI()
}

// storableHeader drops hop-by-hop and length headers that are recomputed on
// every response.
func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length", "Date", HeaderCache} {
		out.Del(k)
	}
	return out
}

func entryResponse(req *http.Request, e *Entry) *http.Response {
	return buildResponse(req, e.Status, e.Header.Clone(), e.Body, "hit")
}

func buildResponse(req *http.Request, status int, header http.Header, body []byte, source string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, source)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// OfflineBody is the JSON body of the synthetic 503.
type OfflineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

func offlineResponse(req *http.Request, cause error) *http.Response {
	body, _ := json.Marshal(OfflineBody{
		Error:   "offline",
		Message: cause.Error(),
		Path:    requestKey(req.URL),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	return buildResponse(req, http.StatusServiceUnavailable, header, body, "offline")
}
