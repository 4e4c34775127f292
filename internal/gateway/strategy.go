package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"replant/internal/apperr"
	"replant/internal/cachestore"
	"replant/internal/logger"
)

type Strategy int

const (
	PassThrough Strategy = iota
	NetworkFirst
	AppShell
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case AppShell:
		return "app-shell"
	case CacheFirst:
		return "cache-first"
	default:
		return "pass-through"
	}
}

var extensionSchemes = map[string]bool{
	"chrome-extension":     true,
	"moz-extension":        true,
	"safari-extension":     true,
	"ms-browser-extension": true,
}

// Classify picks the strategy for r. Rules are checked in order: extension
// schemes, API pattern, navigation under the base path, everything else.
func (w *Worker) Classify(r *http.Request) Strategy {
	if extensionSchemes[strings.ToLower(r.URL.Scheme)] {
		return PassThrough
	}

	target := r.URL
	if !target.IsAbs() {
		parsed, err := url.Parse(w.resolve(r.URL.RequestURI()))
		if err != nil {
			return PassThrough
		}
		target = parsed
	}

	if strings.Contains(target.Path, "/api/") ||
		w.hostMatches(target.Hostname(), w.cfg.BaaSHost) ||
		w.hostMatches(target.Hostname(), w.cfg.CDNHost) {
		return NetworkFirst
	}

	if isNavigation(r) && strings.HasPrefix(target.Path, w.cfg.BasePath) {
		return AppShell
	}

	return CacheFirst
}

func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isDocument(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	strategy := PassThrough
	if w.State() == StateActivated {
		strategy = w.Classify(r)
	}

	out, err := w.outgoing(r)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	switch strategy {
	case NetworkFirst:
		w.networkFirst(rw, r, out)
	case AppShell:
		w.appShell(rw, r, out)
	case CacheFirst:
		w.cacheFirst(rw, r, out)
	default:
		w.passThrough(rw, r, out)
	}
}

func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request, out request) {
	resp, err := w.fetch(r.Context(), out)
	if err != nil {
		writeJSON(rw, http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
		return
	}
	writeResponse(rw, resp, "bypass")
}

// store writes a successful GET into the named cache. Failures are logged.
func (w *Worker) store(name string, resp *response) {
	if !cachestore.Cacheable(resp.Method, resp.Status) {
		return
	}
	cache, err := w.storage.Open(name)
	if err == nil {
		err = cache.Put(resp.entry())
	}
	if err != nil {
		logger.Warn("Failed to cache response", "cache", name, "url", resp.URL, "error", err)
	}
}

func (w *Worker) match(method, target string) (*response, bool) {
	entry, err := w.storage.Match(method, target)
	if err != nil {
		return nil, false
	}
	return fromEntry(entry), true
}

func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, out request) {
	resp, err := w.fetch(r.Context(), out)
	if err == nil {
		name := w.cfg.DynamicCacheName()
		if u, perr := url.Parse(out.URL); perr == nil && w.hostMatches(u.Hostname(), w.cfg.BaaSHost) {
			name = w.cfg.StaticCacheName()
		}
		w.store(name, resp)
		writeResponse(rw, resp, "miss")
		return
	}

	logger.Debug("Network request failed", "url", out.URL, "method", out.Method, "error", err)

	// Mutations cannot be answered from cache.
	if out.Method != http.MethodGet {
		writeJSON(rw, http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
		return
	}

	if cached, ok := w.match(out.Method, out.URL); ok {
		writeResponse(rw, cached, "hit")
		return
	}

	writeJSON(rw, http.StatusServiceUnavailable, map[string]interface{}{
		"error":   apperr.MsgNetwork,
		"offline": true,
	})
}

func (w *Worker) appShell(rw http.ResponseWriter, r *http.Request, out request) {
	root := w.rootURL()
	shell := newGet(root)
	shell.Header = out.Header

	resp, err := w.fetch(r.Context(), shell)
	if err == nil {
		writeResponse(rw, resp, "miss")
		return
	}

	if cached, ok := w.match(http.MethodGet, root); ok {
		writeResponse(rw, cached, "hit")
		return
	}
	if cached, ok := w.match(http.MethodGet, w.resolve(w.cfg.OfflinePage)); ok {
		writeResponse(rw, cached, "offline")
		return
	}

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("X-Cache", "offline")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("offline"))
}

func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request, out request) {
	if cached, ok := w.match(out.Method, out.URL); ok {
		writeResponse(rw, cached, "hit")
		return
	}

	resp, err := w.fetch(r.Context(), out)
	if err == nil {
		w.store(w.cfg.DynamicCacheName(), resp)
		writeResponse(rw, resp, "miss")
		return
	}

	if isDocument(r) {
		if cached, ok := w.match(http.MethodGet, w.resolve(w.cfg.OfflinePage)); ok {
			writeResponse(rw, cached, "offline")
			return
		}
	}

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("X-Cache", "offline")
	rw.WriteHeader(http.StatusRequestTimeout)
	rw.Write([]byte("Network error"))
}

func writeJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.Header().Set("X-Cache", "offline")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(body)
}
