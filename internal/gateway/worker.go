// Package gateway is an offline-first caching gateway placed in front of the
// app's origin. It owns a versioned set of cache stores, routes every request
// through one of three caching strategies, and coordinates background sync
// with the page clients connected to it.
package gateway

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"replant/internal/cachestore"
	"replant/internal/config"
	"replant/internal/logger"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const DefaultSyncTimeout = 30 * time.Second

type Option func(*Worker)

func WithSyncTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.syncTimeout = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

func WithWindowOpener(o WindowOpener) Option {
	return func(w *Worker) { w.opener = o }
}

func WithSyncRegistry(r SyncRegistry) Option {
	return func(w *Worker) { w.syncs = r }
}

type Worker struct {
	cfg      config.GatewayConfig
	upstream *url.URL
	storage  cachestore.Storage
	network  Network

	clients  *Clients
	ports    *ports
	syncs    SyncRegistry
	notifier Notifier
	opener   WindowOpener

	syncTimeout time.Duration

	mu    sync.RWMutex
	state State
}

// New builds a worker for cfg. Nothing is fetched until Install.
func New(cfg config.GatewayConfig, storage cachestore.Storage, network Network, opts ...Option) (*Worker, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, errors.Errorf("invalid upstream url %q", cfg.UpstreamURL)
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/"
	}

	w := &Worker{
		cfg:         cfg,
		upstream:    upstream,
		storage:     storage,
		network:     network,
		clients:     NewClients(),
		ports:       newPorts(),
		syncs:       NewSyncManager(),
		syncTimeout: DefaultSyncTimeout,
		state:       StateParsed,
	}
	if cfg.SyncTimeout > 0 {
		w.syncTimeout = cfg.SyncTimeout
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.notifier == nil {
		w.notifier = ClientNotifier{clients: w.clients}
	}
	if w.opener == nil {
		w.opener = logOpener{}
	}
	w.clients.onConnect = w.rearmSyncs
	return w, nil
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	logger.Debug("Gateway state changed", "from", string(prev), "to", string(s))
}

func (w *Worker) Version() string {
	return w.cfg.CacheVersion
}

func (w *Worker) Clients() *Clients {
	return w.clients
}

func (w *Worker) Syncs() SyncRegistry {
	return w.syncs
}

// Install precaches the essential assets as one all-or-nothing step, then
// tries the remaining static assets one by one.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)

	static, err := w.storage.Open(w.cfg.StaticCacheName())
	if err != nil {
		w.setState(StateRedundant)
		return errors.Wrap(err, "open static cache")
	}

	essential := make([]*cachestore.Entry, 0, len(w.cfg.EssentialAssets))
	for _, asset := range w.cfg.EssentialAssets {
		entry, err := w.fetchAsset(ctx, asset)
		if err != nil {
			w.setState(StateRedundant)
			logger.Error("Essential asset precache failed", "asset", asset, "error", err)
			return errors.Wrapf(err, "precache %s", asset)
		}
		essential = append(essential, entry)
	}
	for _, entry := range essential {
		if err := static.Put(entry); err != nil {
			w.setState(StateRedundant)
			return errors.Wrapf(err, "store %s", entry.URL)
		}
	}

	cached := 0
	for _, asset := range w.cfg.StaticAssets {
		entry, err := w.fetchAsset(ctx, asset)
		if err == nil {
			err = static.Put(entry)
		}
		if err != nil {
			logger.Warn("Static asset precache failed", "asset", asset, "error", err)
			continue
		}
		cached++
	}

	w.setState(StateInstalled)
	logger.Info("Gateway installed", "version", w.cfg.CacheVersion, "essential", len(essential), "static", cached)
	return nil
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (*cachestore.Entry, error) {
	target := w.resolve(asset)
	resp, err := w.fetch(ctx, newGet(target))
	if err != nil {
		return nil, err
	}
	if !cachestore.Cacheable(resp.Method, resp.Status) {
		return nil, errors.Errorf("unexpected status %d", resp.Status)
	}
	return resp.entry(), nil
}

// Activate evicts every store in the cache namespace that is not the current
// version, then takes control of the connected clients.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)

	names, err := w.storage.Names()
	if err != nil {
		logger.Warn("Failed to list caches during activation", "error", err)
	}

	keep := map[string]bool{
		w.cfg.StaticCacheName():  true,
		w.cfg.DynamicCacheName(): true,
	}
	prefix := w.cfg.CachePrefix + "-"
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || keep[name] {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			logger.Warn("Failed to delete stale cache", "cache", name, "error", err)
			continue
		}
		logger.Info("Deleted stale cache", "cache", name)
	}

	w.clients.Claim()
	w.setState(StateActivated)
	return ctx.Err()
}

// SkipWaiting activates an installed worker without waiting.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	if w.State() != StateInstalled {
		return nil
	}
	return w.Activate(ctx)
}

// rearmSyncs signals Run again when tags are still pending, so a sync that
// failed for lack of a window is retried once one connects.
func (w *Worker) rearmSyncs() {
	tags, err := w.syncs.Tags()
	if err != nil || len(tags) == 0 {
		return
	}
	if err := w.syncs.Register(tags[0]); err != nil {
		logger.Warn("Failed to re-arm pending sync", "tag", tags[0], "error", err)
	}
}

// Run dispatches registered background syncs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.syncs.Ready():
			tags, err := w.syncs.Tags()
			if err != nil {
				logger.Warn("Failed to read pending syncs", "error", err)
				continue
			}
			for _, tag := range tags {
				result := w.Sync(ctx)
				if result.Success {
					w.syncs.Done(tag)
				}
			}
		}
	}
}
