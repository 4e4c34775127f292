package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"replant/internal/cachestore"
	"replant/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNetwork serves canned bodies by URL and can be switched offline.
type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	routes  map[string]fakeRoute
	calls   []string
}

type fakeRoute struct {
	status int
	body   string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]fakeRoute{
		"http://upstream.test/":                 {200, "<html>shell</html>"},
		"http://upstream.test/manifest.json":    {200, `{"name":"Replant"}`},
		"http://upstream.test/offline.html":     {200, "<html>offline page</html>"},
		"http://upstream.test/favicon.ico":      {200, "icon"},
		"http://upstream.test/api/characters":   {200, `[{"id":1}]`},
		"http://upstream.test/api/broken":       {500, `{"error":"boom"}`},
		"http://upstream.test/logo.png":         {200, "png"},
		"https://proj.supabase.co/rest/v1/rows": {200, `[]`},
	}}
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	if f.offline {
		return nil, errors.New("dial tcp: connection refused")
	}
	route, ok := f.routes[req.URL.String()]
	if !ok {
		route = fakeRoute{404, "not found"}
	}
	if req.Method != http.MethodGet && ok {
		route = fakeRoute{201, `{"ok":true}`}
	}
	return &http.Response{
		StatusCode: route.status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(route.body)),
	}, nil
}

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		UpstreamURL:     "http://upstream.test",
		BasePath:        "/",
		CachePrefix:     "replant",
		CacheVersion:    "v2",
		BaaSHost:        "supabase.co",
		CDNHost:         "cdn.jsdelivr.net",
		SyncTimeout:     time.Second,
		EssentialAssets: []string{"/", "/manifest.json", "/offline.html"},
		StaticAssets:    []string{"/favicon.ico", "/missing.png"},
		OfflinePage:     "/offline.html",
	}
}

type GatewaySuite struct {
	suite.Suite
	network *fakeNetwork
	storage *cachestore.MemoryStorage
	worker  *Worker
}

func (s *GatewaySuite) SetupTest() {
	s.network = newFakeNetwork()
	s.storage = cachestore.NewMemory()

	var err error
	s.worker, err = New(testConfig(), s.storage, s.network)
	s.Require().NoError(err)
}

func (s *GatewaySuite) activate() {
	ctx := context.Background()
	s.Require().NoError(s.worker.Install(ctx))
	s.Require().NoError(s.worker.Activate(ctx))
	s.Require().Equal(StateActivated, s.worker.State())
}

func (s *GatewaySuite) serve(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.worker.ServeHTTP(rec, r)
	return rec
}

func (s *GatewaySuite) cached(name, url string) bool {
	cache, err := s.storage.Open(name)
	s.Require().NoError(err)
	_, err = cache.Match(http.MethodGet, url)
	return err == nil
}

func (s *GatewaySuite) TestInstallPrecachesEssentialAssets() {
	s.Require().NoError(s.worker.Install(context.Background()))
	s.Equal(StateInstalled, s.worker.State())

	static := "replant-static-v2"
	s.True(s.cached(static, "http://upstream.test/"))
	s.True(s.cached(static, "http://upstream.test/manifest.json"))
	s.True(s.cached(static, "http://upstream.test/offline.html"))
	s.True(s.cached(static, "http://upstream.test/favicon.ico"))
	s.False(s.cached(static, "http://upstream.test/missing.png"), "404 asset is skipped, not fatal")
}

func (s *GatewaySuite) TestInstallFailsWithoutEssentialAssets() {
	s.network.setOffline(true)

	err := s.worker.Install(context.Background())
	s.Require().Error(err)
	s.Equal(StateRedundant, s.worker.State())
	s.False(s.cached("replant-static-v2", "http://upstream.test/"))
}

func (s *GatewaySuite) TestActivateEvictsStaleVersions() {
	for _, name := range []string{"replant-static-v1", "replant-dynamic-v1", "replant-dynamic-v2", "unrelated"} {
		_, err := s.storage.Open(name)
		s.Require().NoError(err)
	}

	s.activate()

	names, err := s.storage.Names()
	s.Require().NoError(err)
	for _, name := range names {
		if strings.HasPrefix(name, "replant-") {
			s.Contains([]string{"replant-static-v2", "replant-dynamic-v2"}, name)
		}
	}
	s.Contains(names, "unrelated")
	s.Contains(names, "replant-static-v2")
}

func (s *GatewaySuite) TestOnlyGetResponsesAreCached() {
	s.activate()

	post := httptest.NewRequest(http.MethodPost, "/api/characters", strings.NewReader(`{}`))
	rec := s.serve(post)
	s.Equal(http.StatusCreated, rec.Code)

	cache, err := s.storage.Open("replant-dynamic-v2")
	s.Require().NoError(err)
	_, err = cache.Match(http.MethodPost, "http://upstream.test/api/characters")
	s.ErrorIs(err, cachestore.ErrMiss)

	rec = s.serve(httptest.NewRequest(http.MethodGet, "/api/broken", nil))
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.False(s.cached("replant-dynamic-v2", "http://upstream.test/api/broken"))

	rec = s.serve(httptest.NewRequest(http.MethodGet, "/api/characters", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.True(s.cached("replant-dynamic-v2", "http://upstream.test/api/characters"))
}

func (s *GatewaySuite) TestNetworkFirstFallsBackToCache() {
	s.activate()

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/api/characters", nil))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("miss", rec.Header().Get("X-Cache"))

	s.network.setOffline(true)

	rec = s.serve(httptest.NewRequest(http.MethodGet, "/api/characters", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("hit", rec.Header().Get("X-Cache"))
	s.Equal(`[{"id":1}]`, rec.Body.String())

	rec = s.serve(httptest.NewRequest(http.MethodGet, "/api/missions", nil))
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal(true, body["offline"])
	s.NotEmpty(body["error"])

	rec = s.serve(httptest.NewRequest(http.MethodPost, "/api/characters", strings.NewReader(`{}`)))
	s.Equal(http.StatusBadGateway, rec.Code)
	s.Contains(rec.Body.String(), "connection refused")
}

func (s *GatewaySuite) TestBaaSResponsesGoToStaticCache() {
	s.activate()

	rec := s.serve(httptest.NewRequest(http.MethodGet, "https://proj.supabase.co/rest/v1/rows", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.True(s.cached("replant-static-v2", "https://proj.supabase.co/rest/v1/rows"))
	s.False(s.cached("replant-dynamic-v2", "https://proj.supabase.co/rest/v1/rows"))
}

func (s *GatewaySuite) TestAppShellFallbackChain() {
	s.activate()

	navigate := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/missions/today", nil)
		r.Header.Set("Sec-Fetch-Mode", "navigate")
		r.Header.Set("Accept", "text/html")
		return s.serve(r)
	}

	rec := navigate()
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("<html>shell</html>", rec.Body.String())

	s.network.setOffline(true)
	rec = navigate()
	s.Equal("hit", rec.Header().Get("X-Cache"))
	s.Equal("<html>shell</html>", rec.Body.String())

	static, err := s.storage.Open("replant-static-v2")
	s.Require().NoError(err)
	s.Require().NoError(static.Delete(http.MethodGet, "http://upstream.test/"))
	rec = navigate()
	s.Equal("<html>offline page</html>", rec.Body.String())

	s.Require().NoError(static.Delete(http.MethodGet, "http://upstream.test/offline.html"))
	rec = navigate()
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("offline", rec.Body.String())
}

func (s *GatewaySuite) TestCacheFirst() {
	s.activate()

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/logo.png", nil))
	s.Equal("miss", rec.Header().Get("X-Cache"))
	s.True(s.cached("replant-dynamic-v2", "http://upstream.test/logo.png"))

	s.network.setOffline(true)
	rec = s.serve(httptest.NewRequest(http.MethodGet, "/logo.png", nil))
	s.Equal("hit", rec.Header().Get("X-Cache"))
	s.Equal("png", rec.Body.String())

	rec = s.serve(httptest.NewRequest(http.MethodGet, "/app.js", nil))
	s.Equal(http.StatusRequestTimeout, rec.Code)

	doc := httptest.NewRequest(http.MethodGet, "/frame.html", nil)
	doc.Header.Set("Sec-Fetch-Mode", "no-cors")
	doc.Header.Set("Sec-Fetch-Dest", "document")
	rec = s.serve(doc)
	s.Equal("<html>offline page</html>", rec.Body.String())
}

func (s *GatewaySuite) TestNotInterceptedBeforeActivation() {
	s.Require().NoError(s.worker.Install(context.Background()))

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/logo.png", nil))
	s.Equal("bypass", rec.Header().Get("X-Cache"))
	s.False(s.cached("replant-dynamic-v2", "http://upstream.test/logo.png"))
}

func (s *GatewaySuite) TestClassify() {
	tests := []struct {
		name   string
		req    func() *http.Request
		expect Strategy
	}{
		{"extension scheme", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "chrome-extension://abc/script.js", nil)
		}, PassThrough},
		{"api path", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/api/missions", nil)
		}, NetworkFirst},
		{"baas host", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "https://proj.supabase.co/rest/v1/x", nil)
		}, NetworkFirst},
		{"cdn host", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "https://cdn.jsdelivr.net/npm/lib.js", nil)
		}, NetworkFirst},
		{"api navigation stays network first", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/page", nil)
			r.Header.Set("Sec-Fetch-Mode", "navigate")
			return r
		}, NetworkFirst},
		{"navigation", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/characters", nil)
			r.Header.Set("Sec-Fetch-Mode", "navigate")
			return r
		}, AppShell},
		{"static asset", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/static/app.css", nil)
		}, CacheFirst},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.expect, s.worker.Classify(tt.req()), tt.expect.String())
		})
	}
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}
