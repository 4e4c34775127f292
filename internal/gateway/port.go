package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrUnknownPort = errors.New("unknown or closed port")

// Port is the worker's end of a one-shot reply channel handed to a client.
type Port struct {
	ID    string
	reply chan json.RawMessage
	once  sync.Once
}

func newPort() *Port {
	return &Port{ID: uuid.New().String(), reply: make(chan json.RawMessage, 1)}
}

// Post delivers the reply. Only the first call has any effect.
func (p *Port) Post(data json.RawMessage) bool {
	posted := false
	p.once.Do(func() {
		p.reply <- data
		posted = true
	})
	return posted
}

// Wait blocks for the reply or until ctx is done.
func (p *Port) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case data := <-p.reply:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type ports struct {
	mu   sync.Mutex
	open map[string]*Port
}

func newPorts() *ports {
	return &ports{open: make(map[string]*Port)}
}

func (p *ports) create() *Port {
	port := newPort()
	p.mu.Lock()
	p.open[port.ID] = port
	p.mu.Unlock()
	return port
}

func (p *ports) close(id string) {
	p.mu.Lock()
	delete(p.open, id)
	p.mu.Unlock()
}

// Reply routes a client's reply to the port it was given.
func (w *Worker) Reply(portID string, data json.RawMessage) error {
	w.ports.mu.Lock()
	port, ok := w.ports.open[portID]
	w.ports.mu.Unlock()
	if !ok || !port.Post(data) {
		return ErrUnknownPort
	}
	return nil
}
