package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPushAndActive(t *testing.T) {
	q := NewQueue(time.Minute)

	first := q.Push("user-1", TypeSuccess, "미션 완료!")
	second := q.Push("user-1", TypeLevelUp, "레벨 업!")
	q.Push("user-2", TypeInfo, "다른 사용자")

	active := q.Active("user-1")
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDismiss(t *testing.T) {
	q := NewQueue(time.Minute)
	toast := q.Push("user-1", TypeError, "실패")

	assert.False(t, q.Dismiss("user-2", toast.ID))
	assert.True(t, q.Dismiss("user-1", toast.ID))
	assert.False(t, q.Dismiss("user-1", toast.ID))
	assert.Empty(t, q.Active("user-1"))
}

func TestExpiredToastsAreHidden(t *testing.T) {
	q := NewQueue(3 * time.Second)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	q.Push("user-1", TypeInfo, "곧 사라짐")
	assert.Len(t, q.Active("user-1"), 1)

	now = now.Add(3 * time.Second)
	assert.Empty(t, q.Active("user-1"))

	expired := q.sweep(now)
	assert.Len(t, expired["user-1"], 1)
	assert.Empty(t, q.sweep(now))
}

func TestRunSweepsAndStops(t *testing.T) {
	q := NewQueue(20 * time.Millisecond)

	var mu sync.Mutex
	var expired []Toast
	q.Run(func(userID string, toast Toast) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, toast)
	})
	defer q.Stop()

	toast := q.Push("user-1", TypeSuccess, "완료")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1 && expired[0].ID == toast.ID
	}, time.Second, 5*time.Millisecond)
}

func TestStopWithoutRun(t *testing.T) {
	q := NewQueue(time.Second)
	q.Stop()
	q.Stop()
}
