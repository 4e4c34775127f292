// Package cachestore provides named response caches for the gateway, keyed
// by request method and URL.
package cachestore

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrMiss         = errors.New("cache miss")
	ErrNotCacheable = errors.New("only successful GET responses are cacheable")
)

// Entry is a stored response.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Cacheable reports whether a response to method with status may be stored.
func Cacheable(method string, status int) bool {
	return method == http.MethodGet && status >= 200 && status < 300
}

// Key is the storage key for a request. Query strings are part of the URL.
func Key(method, url string) []byte {
	sum := blake2b.Sum256([]byte(method + " " + url))
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}

// Cache is one named store.
type Cache interface {
	Name() string
	Match(method, url string) (*Entry, error)
	Put(e *Entry) error
	Delete(method, url string) error
	Entries() ([]Entry, error)
}

// Storage holds every named store, like the browser's CacheStorage.
type Storage interface {
	Open(name string) (Cache, error)
	Has(name string) (bool, error)
	Names() ([]string, error)
	Delete(name string) (bool, error)

	// Match searches every store in name order.
	Match(method, url string) (*Entry, error)
}

func validate(e *Entry) error {
	if e == nil || !Cacheable(e.Method, e.Status) {
		return ErrNotCacheable
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	return nil
}
