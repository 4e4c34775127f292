package gateway

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"replant/internal/logger"
)

// SyncTag is the background sync tag the app registers.
const SyncTag = "replant-sync"

var ErrUnknownMessage = errors.New("unknown message type")

// Message is a page to worker message. The set of implementations is closed.
type Message interface {
	Type() string
	message()
}

type SkipWaiting struct{}
type GetVersion struct{}
type RequestSync struct{}
type ImmediateSync struct{}
type GetSyncStatus struct{}

func (SkipWaiting) Type() string   { return "SKIP_WAITING" }
func (GetVersion) Type() string    { return "GET_VERSION" }
func (RequestSync) Type() string   { return "REQUEST_SYNC" }
func (ImmediateSync) Type() string { return "IMMEDIATE_SYNC" }
func (GetSyncStatus) Type() string { return "GET_SYNC_STATUS" }

func (SkipWaiting) message()   {}
func (GetVersion) message()    {}
func (RequestSync) message()   {}
func (ImmediateSync) message() {}
func (GetSyncStatus) message() {}

// DecodeMessage reads a {"type": ...} message.
func DecodeMessage(data []byte) (Message, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}

	switch raw.Type {
	case "SKIP_WAITING":
		return SkipWaiting{}, nil
	case "GET_VERSION":
		return GetVersion{}, nil
	case "REQUEST_SYNC":
		return RequestSync{}, nil
	case "IMMEDIATE_SYNC":
		return ImmediateSync{}, nil
	case "GET_SYNC_STATUS":
		return GetSyncStatus{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "%q", raw.Type)
	}
}

type VersionReply struct {
	Version string `json:"version"`
}

type SyncReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SyncStatusReply struct {
	HasPendingSync bool     `json:"hasPendingSync"`
	PendingTags    []string `json:"pendingTags,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// HandleMessage runs msg and returns the value to post back on the sender's
// port. SKIP_WAITING has no reply.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) (interface{}, error) {
	logger.Debug("Gateway message received", "type", msg.Type())

	switch msg.(type) {
	case SkipWaiting:
		return nil, w.SkipWaiting(ctx)

	case GetVersion:
		return VersionReply{Version: w.Version()}, nil

	case RequestSync:
		if err := w.syncs.Register(SyncTag); err != nil {
			logger.Warn("Background sync registration failed", "error", err)
			return SyncReply{Success: false, Error: err.Error()}, nil
		}
		return SyncReply{Success: true}, nil

	case ImmediateSync:
		result := w.Sync(ctx)
		return SyncReply{Success: result.Success, Error: result.Error}, nil

	case GetSyncStatus:
		tags, err := w.syncs.Tags()
		if err != nil {
			return SyncStatusReply{HasPendingSync: false, Error: err.Error()}, nil
		}
		reply := SyncStatusReply{PendingTags: tags}
		for _, tag := range tags {
			if tag == SyncTag {
				reply.HasPendingSync = true
			}
		}
		return reply, nil

	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "%T", msg)
	}
}
