package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"replant/internal/logger"
)

var ErrNoClients = errors.New("no clients to sync with")

const msgSyncTimeout = "Sync timeout"

// SyncResult is what the page reports after PERFORM_SYNC.
type SyncResult struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SyncRegistry holds pending background sync tags.
type SyncRegistry interface {
	Register(tag string) error
	Tags() ([]string, error)
	Done(tag string)
	// Ready is signalled whenever a tag is registered.
	Ready() <-chan struct{}
}

type SyncManager struct {
	mu    sync.Mutex
	tags  map[string]struct{}
	ready chan struct{}
}

func NewSyncManager() *SyncManager {
	return &SyncManager{tags: make(map[string]struct{}), ready: make(chan struct{}, 1)}
}

func (m *SyncManager) Register(tag string) error {
	if tag == "" {
		return errors.New("sync tag is empty")
	}
	m.mu.Lock()
	m.tags[tag] = struct{}{}
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

func (m *SyncManager) Tags() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make([]string, 0, len(m.tags))
	for tag := range m.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (m *SyncManager) Done(tag string) {
	m.mu.Lock()
	delete(m.tags, tag)
	m.mu.Unlock()
}

func (m *SyncManager) Ready() <-chan struct{} {
	return m.ready
}

// Sync asks the oldest connected client to perform the sync and reports its
// result to every client. A client that never answers yields a timeout
// failure after the sync timeout.
func (w *Worker) Sync(ctx context.Context) SyncResult {
	clients := w.clients.All()
	if len(clients) == 0 {
		logger.Debug("Background sync skipped, no clients")
		return SyncResult{Success: false, Error: ErrNoClients.Error()}
	}

	w.clients.Broadcast(Envelope{Type: "SYNC_START", Timestamp: timestamp()})

	result, err := w.performSync(ctx, clients[0])
	if err != nil {
		logger.Error("Background sync failed", "client", clients[0].ID, "error", err)
		w.clients.Broadcast(Envelope{Type: "SYNC_ERROR", Error: err.Error(), Timestamp: timestamp()})
		return SyncResult{Success: false, Error: err.Error()}
	}

	w.clients.Broadcast(Envelope{Type: "SYNC_COMPLETE", Result: &result, Timestamp: timestamp()})
	return result
}

func (w *Worker) performSync(ctx context.Context, client *Client) (SyncResult, error) {
	port := w.ports.create()
	defer w.ports.close(port.ID)

	if err := client.Post(Envelope{Type: "PERFORM_SYNC", Port: port.ID}); err != nil {
		return SyncResult{}, errors.Wrap(err, "post PERFORM_SYNC")
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.syncTimeout)
	defer cancel()

	data, err := port.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return SyncResult{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Sync handshake timed out", "client", client.ID, "timeout", w.syncTimeout.String())
			return SyncResult{Success: false, Error: msgSyncTimeout}, nil
		}
		return SyncResult{}, err
	}

	var result SyncResult
	if err := json.Unmarshal(data, &result); err != nil {
		return SyncResult{}, errors.Wrap(err, "decode sync reply")
	}
	return result, nil
}

// SyncTimeout is the bound on a PERFORM_SYNC round trip.
func (w *Worker) SyncTimeout() time.Duration {
	return w.syncTimeout
}
