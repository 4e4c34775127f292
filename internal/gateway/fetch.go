package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"replant/internal/cachestore"
)

// Network performs requests that miss the cache. *http.Client satisfies it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

type NetworkFunc func(req *http.Request) (*http.Response, error)

func (f NetworkFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// request is an outgoing request detached from the incoming one so it can be
// replayed against the upstream.
type request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func newGet(target string) request {
	return request{Method: http.MethodGet, URL: target, Header: http.Header{}}
}

// response is a fully buffered network or cache response.
type response struct {
	Method string
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

func (r *response) entry() *cachestore.Entry {
	return &cachestore.Entry{
		Method:   r.Method,
		URL:      r.URL,
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: time.Now(),
	}
}

func fromEntry(e *cachestore.Entry) *response {
	return &response{Method: e.Method, URL: e.URL, Status: e.Status, Header: e.Header, Body: e.Body}
}

var hopHeaders = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te", "Trailer"}

func (w *Worker) fetch(ctx context.Context, r request) (*response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := w.network.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")

	return &response{
		Method: r.Method,
		URL:    r.URL,
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
	}, nil
}

// resolve maps a path or absolute URL onto the upstream origin.
func (w *Worker) resolve(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if u.IsAbs() {
		return u.String()
	}
	return w.upstream.ResolveReference(u).String()
}

// outgoing copies an incoming request into one addressed at the upstream.
func (w *Worker) outgoing(r *http.Request) (request, error) {
	target := r.URL.String()
	if !r.URL.IsAbs() {
		target = w.resolve(r.URL.RequestURI())
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return request{}, errors.Wrap(err, "read request body")
		}
	}

	header := r.Header.Clone()
	header.Del("Host")
	return request{Method: r.Method, URL: target, Header: header, Body: body}, nil
}

func (w *Worker) rootURL() string {
	return w.resolve(w.cfg.BasePath)
}

func (w *Worker) hostMatches(host, domain string) bool {
	if domain == "" {
		return false
	}
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func writeResponse(rw http.ResponseWriter, resp *response, source string) {
	for key, values := range resp.Header {
		for _, v := range values {
			rw.Header().Add(key, v)
		}
	}
	rw.Header().Set("X-Cache", source)
	rw.WriteHeader(resp.Status)
	rw.Write(resp.Body)
}
