// Package notify holds short-lived toast notifications per user.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ToastType string

const (
	TypeSuccess  ToastType = "success"
	TypeError    ToastType = "error"
	TypeInfo     ToastType = "info"
	TypeLevelUp  ToastType = "levelup"
	TypeUnlocked ToastType = "unlocked"
)

const DefaultTTL = 3 * time.Second

type Toast struct {
	ID        string    `json:"id"`
	Type      ToastType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ExpireAt  time.Time `json:"-"`
}

type Queue struct {
	mu     sync.RWMutex
	toasts map[string][]Toast
	now    func() time.Time

	ttl      time.Duration // how long a toast stays visible
	ttlCheck time.Duration // how often expired toasts are swept

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewQueue(ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	check := ttl / 3
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	return &Queue{
		toasts:   make(map[string][]Toast),
		now:      time.Now,
		ttl:      ttl,
		ttlCheck: check,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Push queues a toast for userID and returns it.
func (q *Queue) Push(userID string, typ ToastType, message string) Toast {
	now := q.now()
	t := Toast{
		ID:        uuid.New().String(),
		Type:      typ,
		Message:   message,
		Timestamp: now,
		ExpireAt:  now.Add(q.ttl),
	}

	q.mu.Lock()
	q.toasts[userID] = append(q.toasts[userID], t)
	q.mu.Unlock()
	return t
}

// Active returns the user's unexpired toasts, oldest first.
func (q *Queue) Active(userID string) []Toast {
	now := q.now()
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Toast
	for _, t := range q.toasts[userID] {
		if t.ExpireAt.After(now) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (q *Queue) Dismiss(userID, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	toasts := q.toasts[userID]
	for i, t := range toasts {
		if t.ID == id {
			q.toasts[userID] = append(toasts[:i:i], toasts[i+1:]...)
			if len(q.toasts[userID]) == 0 {
				delete(q.toasts, userID)
			}
			return true
		}
	}
	return false
}

// Run sweeps expired toasts until Stop is called. onExpire may be nil.
func (q *Queue) Run(onExpire func(userID string, t Toast)) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.ttlCheck)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopCh:
				return
			case <-ticker.C:
				for userID, toasts := range q.sweep(q.now()) {
					for _, t := range toasts {
						if onExpire != nil {
							onExpire(userID, t)
						}
					}
				}
			}
		}
	}()
}

// Stop ends Run and waits for the sweeper to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})

	q.mu.RLock()
	started := q.started
	q.mu.RUnlock()
	if started {
		<-q.done
	}
}

func (q *Queue) sweep(now time.Time) map[string][]Toast {
	expired := make(map[string][]Toast)
	q.mu.Lock()
	defer q.mu.Unlock()
	for userID, toasts := range q.toasts {
		kept := toasts[:0]
		for _, t := range toasts {
			if expiredAt(now, t.ExpireAt) {
				expired[userID] = append(expired[userID], t)
			} else {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(q.toasts, userID)
		} else {
			q.toasts[userID] = kept
		}
	}
	return expired
}

func expiredAt(now, expireAt time.Time) bool {
	return expireAt.Before(now) || expireAt.Equal(now)
}
