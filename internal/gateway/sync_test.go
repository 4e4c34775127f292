package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replant/internal/cachestore"
)

func newTestWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	w, err := New(testConfig(), cachestore.NewMemory(), newFakeNetwork(), opts...)
	require.NoError(t, err)
	return w
}

// respond answers the first PERFORM_SYNC seen by c with reply and collects
// every other envelope.
func respond(t *testing.T, w *Worker, c *Client, reply string) (*sync.WaitGroup, *[]string) {
	t.Helper()
	var wg sync.WaitGroup
	var seen []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		for env := range c.Messages() {
			seen = append(seen, env.Type)
			if env.Type == "PERFORM_SYNC" && reply != "" {
				assert.NoError(t, w.Reply(env.Port, json.RawMessage(reply)))
			}
			if env.Type == "SYNC_COMPLETE" || env.Type == "SYNC_ERROR" {
				return
			}
		}
	}()
	return &wg, &seen
}

func drain(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case env := <-c.Messages():
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestSyncWithoutClientsIsNoOp(t *testing.T) {
	w := newTestWorker(t)

	result := w.Sync(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, ErrNoClients.Error(), result.Error)
}

func TestSyncHandshake(t *testing.T) {
	w := newTestWorker(t)
	first := w.Clients().Connect("tab-1", "http://upstream.test/")
	second := w.Clients().Connect("tab-2", "http://upstream.test/missions")

	wg, seen := respond(t, w, first, `{"success":true,"data":{"synced":3}}`)

	result := w.Sync(context.Background())
	wg.Wait()

	assert.True(t, result.Success)
	assert.JSONEq(t, `{"synced":3}`, string(result.Data))
	assert.Equal(t, []string{"SYNC_START", "PERFORM_SYNC", "SYNC_COMPLETE"}, *seen)

	others := drain(second)
	require.Len(t, others, 2, "only the first client performs the sync")
	assert.Equal(t, "SYNC_START", others[0].Type)
	assert.Equal(t, "SYNC_COMPLETE", others[1].Type)
	require.NotNil(t, others[1].Result)
	assert.True(t, others[1].Result.Success)
	assert.NotZero(t, others[1].Timestamp)
}

func TestSyncTimeoutIsBounded(t *testing.T) {
	w := newTestWorker(t, WithSyncTimeout(50*time.Millisecond))
	client := w.Clients().Connect("tab-1", "http://upstream.test/")

	start := time.Now()
	result := w.Sync(context.Background())
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	assert.Equal(t, "Sync timeout", result.Error)
	assert.Less(t, elapsed, time.Second)

	envs := drain(client)
	require.Len(t, envs, 3)
	assert.Equal(t, "SYNC_COMPLETE", envs[2].Type)
	assert.Equal(t, "Sync timeout", envs[2].Result.Error)
}

func TestSyncCancelledBroadcastsError(t *testing.T) {
	w := newTestWorker(t)
	client := w.Clients().Connect("tab-1", "http://upstream.test/")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := w.Sync(ctx)
	assert.False(t, result.Success)

	envs := drain(client)
	require.NotEmpty(t, envs)
	assert.Equal(t, "SYNC_ERROR", envs[len(envs)-1].Type)
}

func TestReplyToUnknownPort(t *testing.T) {
	w := newTestWorker(t)
	assert.ErrorIs(t, w.Reply("nope", json.RawMessage(`{}`)), ErrUnknownPort)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		input string
		want  Message
	}{
		{`{"type":"SKIP_WAITING"}`, SkipWaiting{}},
		{`{"type":"GET_VERSION"}`, GetVersion{}},
		{`{"type":"REQUEST_SYNC"}`, RequestSync{}},
		{`{"type":"IMMEDIATE_SYNC"}`, ImmediateSync{}},
		{`{"type":"GET_SYNC_STATUS"}`, GetSyncStatus{}},
	}
	for _, tt := range tests {
		t.Run(tt.want.Type(), func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}

	_, err := DecodeMessage([]byte(`{"type":"CLEAR_CACHE"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestHandleMessage(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	reply, err := w.HandleMessage(ctx, GetVersion{})
	require.NoError(t, err)
	assert.Equal(t, VersionReply{Version: "v2"}, reply)

	reply, err = w.HandleMessage(ctx, GetSyncStatus{})
	require.NoError(t, err)
	assert.False(t, reply.(SyncStatusReply).HasPendingSync)

	reply, err = w.HandleMessage(ctx, RequestSync{})
	require.NoError(t, err)
	assert.Equal(t, SyncReply{Success: true}, reply)

	reply, err = w.HandleMessage(ctx, GetSyncStatus{})
	require.NoError(t, err)
	status := reply.(SyncStatusReply)
	assert.True(t, status.HasPendingSync)
	assert.Equal(t, []string{SyncTag}, status.PendingTags)

	reply, err = w.HandleMessage(ctx, ImmediateSync{})
	require.NoError(t, err)
	assert.Equal(t, SyncReply{Success: false, Error: ErrNoClients.Error()}, reply)
}

func TestSkipWaitingActivatesInstalledWorker(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	_, err := w.HandleMessage(ctx, SkipWaiting{})
	require.NoError(t, err)
	assert.Equal(t, StateParsed, w.State(), "nothing to activate before install")

	require.NoError(t, w.Install(ctx))
	_, err = w.HandleMessage(ctx, SkipWaiting{})
	require.NoError(t, err)
	assert.Equal(t, StateActivated, w.State())
}

type failingRegistry struct{ *SyncManager }

func (failingRegistry) Register(string) error { return errors.New("sync unsupported") }
func (failingRegistry) Tags() ([]string, error) { return nil, errors.New("sync unsupported") }

func TestSyncRegistryErrorsAreReported(t *testing.T) {
	w := newTestWorker(t, WithSyncRegistry(failingRegistry{NewSyncManager()}))
	ctx := context.Background()

	reply, err := w.HandleMessage(ctx, RequestSync{})
	require.NoError(t, err)
	assert.Equal(t, SyncReply{Success: false, Error: "sync unsupported"}, reply)

	reply, err = w.HandleMessage(ctx, GetSyncStatus{})
	require.NoError(t, err)
	assert.Equal(t, SyncStatusReply{HasPendingSync: false, Error: "sync unsupported"}, reply)
}

func TestRunDispatchesRegisteredSync(t *testing.T) {
	w := newTestWorker(t)
	client := w.Clients().Connect("tab-1", "http://upstream.test/")
	wg, _ := respond(t, w, client, `{"success":true}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.NoError(t, w.Syncs().Register(SyncTag))
	wg.Wait()

	assert.Eventually(t, func() bool {
		tags, _ := w.Syncs().Tags()
		return len(tags) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	w.Clients().Disconnect(client)
}

type countingRegistry struct {
	*SyncManager
	reads int32
}

func (r *countingRegistry) Tags() ([]string, error) {
	atomic.AddInt32(&r.reads, 1)
	return r.SyncManager.Tags()
}

func TestPendingSyncRunsWhenWindowConnects(t *testing.T) {
	registry := &countingRegistry{SyncManager: NewSyncManager()}
	w := newTestWorker(t, WithSyncRegistry(registry))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.NoError(t, w.Syncs().Register(SyncTag))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&registry.reads) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	tags, err := w.Syncs().Tags()
	require.NoError(t, err)
	require.Equal(t, []string{SyncTag}, tags, "no window to sync with yet")

	client := w.Clients().Connect("tab-1", "http://upstream.test/")
	wg, seen := respond(t, w, client, `{"success":true}`)
	wg.Wait()

	assert.Equal(t, []string{"SYNC_START", "PERFORM_SYNC", "SYNC_COMPLETE"}, *seen)
	assert.Eventually(t, func() bool {
		tags, _ := w.Syncs().Tags()
		return len(tags) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	w.Clients().Disconnect(client)
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []Notification
}

func (r *recordingNotifier) ShowNotification(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

type recordingOpener struct {
	opened []string
}

func (r *recordingOpener) OpenWindow(ctx context.Context, url string) error {
	r.opened = append(r.opened, url)
	return nil
}

func TestPushNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	w := newTestWorker(t, WithNotifier(notifier))
	ctx := context.Background()

	require.NoError(t, w.Push(ctx, nil))
	require.NoError(t, w.Push(ctx, []byte(`{"body":"새 미션이 도착했어요","data":{"missionId":"study-quiz"}}`)))
	require.NoError(t, w.Push(ctx, []byte("plain text")))

	require.Len(t, notifier.shown, 3)
	assert.Equal(t, defaultNotificationTitle, notifier.shown[0].Title)
	assert.Equal(t, defaultNotificationBody, notifier.shown[0].Body)
	assert.Equal(t, "새 미션이 도착했어요", notifier.shown[1].Body)
	assert.JSONEq(t, `{"missionId":"study-quiz"}`, string(notifier.shown[1].Data))
	assert.Equal(t, "plain text", notifier.shown[2].Body)
}

func TestClientNotifierBroadcasts(t *testing.T) {
	w := newTestWorker(t)
	client := w.Clients().Connect("", "http://upstream.test/")
	assert.NotEmpty(t, client.ID)

	require.NoError(t, w.Push(context.Background(), nil))
	envs := drain(client)
	require.Len(t, envs, 1)
	assert.Equal(t, "NOTIFICATION", envs[0].Type)
	assert.Equal(t, defaultNotificationBody, envs[0].Notification.Body)
}

func TestNotificationClick(t *testing.T) {
	opener := &recordingOpener{}
	w := newTestWorker(t, WithWindowOpener(opener))
	ctx := context.Background()

	other := w.Clients().Connect("tab-1", "http://upstream.test/characters")
	require.NoError(t, w.NotificationClick(ctx))
	assert.Equal(t, []string{"http://upstream.test/"}, opener.opened)
	assert.Empty(t, drain(other))

	root := w.Clients().Connect("tab-2", "http://upstream.test/")
	require.NoError(t, w.NotificationClick(ctx))
	assert.Len(t, opener.opened, 1, "existing root window is focused instead")
	envs := drain(root)
	require.Len(t, envs, 1)
	assert.Equal(t, "FOCUS", envs[0].Type)
}

func TestClientsClaimAndDisconnect(t *testing.T) {
	clients := NewClients()
	early := clients.Connect("a", "http://upstream.test/")
	assert.False(t, early.Controlled())

	clients.Claim()
	assert.True(t, early.Controlled())
	late := clients.Connect("b", "http://upstream.test/")
	assert.True(t, late.Controlled())

	clients.Disconnect(early)
	assert.ErrorIs(t, early.Post(Envelope{Type: "X"}), ErrClientGone)
	all := clients.All()
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ID)

	replaced := clients.Connect("b", "http://upstream.test/missions")
	_, open := <-late.Messages()
	assert.False(t, open, "old connection is closed on reconnect")
	got, ok := clients.Get("b")
	require.True(t, ok)
	assert.Same(t, replaced, got)
}
