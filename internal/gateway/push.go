package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"replant/internal/logger"
)

const (
	defaultNotificationTitle = "Replant"
	defaultNotificationBody  = "오늘의 미션을 확인해보세요!"
)

type Notification struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Icon  string          `json:"icon,omitempty"`
	Badge string          `json:"badge,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Notifier displays a notification to the user.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// WindowOpener opens a new app window at url.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// ClientNotifier shows notifications by broadcasting them to connected windows.
type ClientNotifier struct {
	clients *Clients
}

func (n ClientNotifier) ShowNotification(ctx context.Context, notification Notification) error {
	n.clients.Broadcast(Envelope{Type: "NOTIFICATION", Notification: &notification, Timestamp: timestamp()})
	return nil
}

type logOpener struct{}

func (logOpener) OpenWindow(ctx context.Context, url string) error {
	logger.Info("Open window requested", "url", url)
	return nil
}

// Push shows a notification for a push payload. A JSON payload may override
// body and data; any other non-empty payload becomes the body.
func (w *Worker) Push(ctx context.Context, payload []byte) error {
	n := Notification{
		Title: defaultNotificationTitle,
		Body:  defaultNotificationBody,
		Icon:  w.resolve(joinBase(w.cfg.BasePath, "icons/icon-192.png")),
		Badge: w.resolve(joinBase(w.cfg.BasePath, "icons/icon-192.png")),
	}

	if len(payload) > 0 {
		var data struct {
			Body string          `json:"body"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &data); err == nil {
			if data.Body != "" {
				n.Body = data.Body
			}
			n.Data = data.Data
		} else if text := strings.TrimSpace(string(payload)); text != "" {
			n.Body = text
		}
	}

	return w.notifier.ShowNotification(ctx, n)
}

// NotificationClick focuses a window already showing the app root, or opens one.
func (w *Worker) NotificationClick(ctx context.Context) error {
	root := w.rootURL()
	for _, c := range w.clients.All() {
		if c.URL == root {
			if err := c.Focus(); err == nil {
				return nil
			}
		}
	}
	return w.opener.OpenWindow(ctx, root)
}

func joinBase(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}
