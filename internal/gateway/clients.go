package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"replant/internal/logger"
)

const clientBuffer = 16

var (
	ErrClientGone = errors.New("client disconnected")
	ErrClientBusy = errors.New("client outbox full")
)

// Envelope is a worker to page message.
type Envelope struct {
	Type         string        `json:"type"`
	Timestamp    int64         `json:"timestamp,omitempty"`
	Result       *SyncResult   `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	Port         string        `json:"port,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	URL          string        `json:"url,omitempty"`
}

func timestamp() int64 {
	return time.Now().UnixMilli()
}

// Client is a connected window.
type Client struct {
	ID  string
	URL string

	mu         sync.Mutex
	outbox     chan Envelope
	closed     bool
	controlled bool
}

func (c *Client) Messages() <-chan Envelope {
	return c.outbox
}

func (c *Client) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

// Post queues env without blocking.
func (c *Client) Post(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientGone
	}
	select {
	case c.outbox <- env:
		return nil
	default:
		return ErrClientBusy
	}
}

// Focus asks the window to bring itself to the front.
func (c *Client) Focus() error {
	return c.Post(Envelope{Type: "FOCUS", Timestamp: timestamp()})
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
}

// Clients tracks connected windows in connection order.
type Clients struct {
	mu      sync.RWMutex
	order   []string
	byID    map[string]*Client
	claimed bool

	// onConnect runs after a window connects, outside the lock.
	onConnect func()
}

func NewClients() *Clients {
	return &Clients{byID: make(map[string]*Client)}
}

// Connect registers a window. An empty id gets a generated one; reconnecting
// with a known id replaces the old connection.
func (cs *Clients) Connect(id, url string) *Client {
	if id == "" {
		id = uuid.New().String()
	}
	c := &Client{ID: id, URL: url, outbox: make(chan Envelope, clientBuffer)}

	cs.mu.Lock()
	if old, ok := cs.byID[id]; ok {
		old.close()
	} else {
		cs.order = append(cs.order, id)
	}
	c.controlled = cs.claimed
	cs.byID[id] = c
	cs.mu.Unlock()

	logger.Debug("Client connected", "client", id)
	if cs.onConnect != nil {
		cs.onConnect()
	}
	return c
}

func (cs *Clients) Disconnect(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cur, ok := cs.byID[c.ID]; !ok || cur != c {
		c.close()
		return
	}
	delete(cs.byID, c.ID)
	for i, id := range cs.order {
		if id == c.ID {
			cs.order = append(cs.order[:i:i], cs.order[i+1:]...)
			break
		}
	}
	c.close()
}

// DisconnectAll closes every connection, ending their event streams.
func (cs *Clients) DisconnectAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, c := range cs.byID {
		c.close()
	}
	cs.byID = make(map[string]*Client)
	cs.order = nil
}

func (cs *Clients) Get(id string) (*Client, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byID[id]
	return c, ok
}

// All returns the connected clients, oldest first.
func (cs *Clients) All() []*Client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*Client, 0, len(cs.order))
	for _, id := range cs.order {
		out = append(out, cs.byID[id])
	}
	return out
}

// Claim takes control of every current and future client.
func (cs *Clients) Claim() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.claimed = true
	for _, c := range cs.byID {
		c.mu.Lock()
		c.controlled = true
		c.mu.Unlock()
	}
}

// Broadcast posts env to every client. Delivery failures are logged.
func (cs *Clients) Broadcast(env Envelope) {
	for _, c := range cs.All() {
		if err := c.Post(env); err != nil {
			logger.Warn("Failed to deliver message", "client", c.ID, "type", env.Type, "error", err)
		}
	}
}
