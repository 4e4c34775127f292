package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replant/internal/config"
	"replant/internal/database"
	"replant/internal/middleware"
	"replant/internal/notify"
	"replant/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiMission struct {
	ID               int64  `json:"id"`
	MissionID        string `json:"mission_id"`
	Category         string `json:"category"`
	VerificationType string `json:"verification_type"`
	Experience       int    `json:"experience"`
	Completed        bool   `json:"completed"`
}

type apiCharacter struct {
	ID              int64  `json:"id"`
	Category        string `json:"category"`
	Name            string `json:"name"`
	Unlocked        bool   `json:"unlocked"`
	TotalExperience int    `json:"totalExperience"`
	DisplayName     string `json:"displayName"`
}

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	db     *sql.DB
	toasts *notify.Queue
	device string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := config.Load()
	cfg.Environment = "development"
	cfg.Mission.RetryBackoff = time.Millisecond

	toasts := notify.NewQueue(time.Minute)
	r := gin.New()
	SetupRoutes(r, cfg, database.NewRemote(db), toasts)

	return &testAPI{t: t, router: r, db: db, toasts: toasts, device: "device-test"}
}

func (a *testAPI) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.HeaderDeviceID, a.device)
	req.Header.Set(middleware.HeaderNickname, "민지")

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) decode(w *httptest.ResponseRecorder, v interface{}) {
	a.t.Helper()
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (a *testAPI) missions() []apiMission {
	a.t.Helper()
	w := a.do(http.MethodGet, "/api/missions", nil)
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Missions []apiMission `json:"missions"`
	}
	a.decode(w, &resp)
	return resp.Missions
}

func (a *testAPI) mission(missionID string) apiMission {
	a.t.Helper()
	for _, m := range a.missions() {
		if m.MissionID == missionID {
			return m
		}
	}
	a.t.Fatalf("mission %s not found", missionID)
	return apiMission{}
}

func (a *testAPI) characters() map[string]apiCharacter {
	a.t.Helper()
	w := a.do(http.MethodGet, "/api/characters", nil)
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Characters map[string]apiCharacter `json:"characters"`
	}
	a.decode(w, &resp)
	return resp.Characters
}

func missionPath(id int64, suffix string) string {
	return "/api/missions/" + strconv.FormatInt(id, 10) + suffix
}

func characterPath(id int64, suffix string) string {
	return "/api/characters/" + strconv.FormatInt(id, 10) + suffix
}

func TestCharactersAreProvisioned(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/api/characters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, api.device, w.Header().Get(middleware.HeaderDeviceID))

	var resp struct {
		Characters map[string]apiCharacter `json:"characters"`
		Selected   *apiCharacter           `json:"selected"`
		Unlocked   []apiCharacter          `json:"unlocked"`
	}
	api.decode(w, &resp)
	assert.Len(t, resp.Characters, 5)
	assert.Nil(t, resp.Selected)
	assert.Empty(t, resp.Unlocked)

	w = api.do(http.MethodGet, "/api/characters/top", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompleteMissionUnlocksAndNotifies(t *testing.T) {
	api := newTestAPI(t)

	call := api.mission("relationship-call")
	w := api.do(http.MethodPost, missionPath(call.ID, "/complete"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result struct {
		Success    bool   `json:"success"`
		Experience int    `json:"experience"`
		Category   string `json:"category"`
		Error      string `json:"error"`
	}
	api.decode(w, &result)
	assert.True(t, result.Success)
	assert.Equal(t, call.Experience, result.Experience)
	assert.Equal(t, "relationship", result.Category)
	assert.Empty(t, result.Error)

	relationship := api.characters()["relationship"]
	assert.True(t, relationship.Unlocked)
	assert.Equal(t, call.Experience, relationship.TotalExperience)

	w = api.do(http.MethodGet, "/api/characters/top", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var top apiCharacter
	api.decode(w, &top)
	assert.Equal(t, relationship.ID, top.ID)

	w = api.do(http.MethodPut, "/api/settings/selected-character", gin.H{"characterId": relationship.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var toasts struct {
		Notifications []notify.Toast `json:"notifications"`
	}
	api.decode(w, &toasts)
	require.Len(t, toasts.Notifications, 2)
	assert.Equal(t, notify.TypeUnlocked, toasts.Notifications[0].Type)
	assert.Equal(t, notify.TypeSuccess, toasts.Notifications[1].Type)

	w = api.do(http.MethodDelete, "/api/notifications/"+toasts.Notifications[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = api.do(http.MethodDelete, "/api/notifications/"+toasts.Notifications[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectLockedCharacterIsRefused(t *testing.T) {
	api := newTestAPI(t)

	mind := api.characters()["mind"]
	require.False(t, mind.Unlocked)

	w := api.do(http.MethodPut, "/api/settings/selected-character", gin.H{"characterId": mind.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodPut, "/api/settings/selected-character", gin.H{"characterId": 99999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompleteMissionValidation(t *testing.T) {
	api := newTestAPI(t)
	walk := api.mission("health-walk")

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"photo without url", gin.H{"type": "photo"}, http.StatusBadRequest},
		{"timer without seconds", gin.H{"type": "timer"}, http.StatusBadRequest},
		{"quiz through complete", gin.H{"type": "quiz"}, http.StatusBadRequest},
		{"unknown type", gin.H{"type": "telepathy"}, http.StatusBadRequest},
		{"photo", gin.H{"type": "photo", "photoUrl": "https://cdn.example/walk.jpg"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(http.MethodPost, missionPath(walk.ID, "/complete"), tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := api.do(http.MethodPost, missionPath(99999, "/complete"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(http.MethodPost, "/api/missions/abc/complete", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuizSubmission(t *testing.T) {
	api := newTestAPI(t)
	quiz := api.mission("study-quiz")

	w := api.do(http.MethodPost, missionPath(quiz.ID, "/quiz"), gin.H{"answers": []int{0, 0, 0}, "timeSpent": 12})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var failed struct {
		Success bool `json:"success"`
		Quiz    struct {
			Score  int  `json:"score"`
			Passed bool `json:"passed"`
		} `json:"quiz"`
	}
	api.decode(w, &failed)
	assert.False(t, failed.Success)
	assert.False(t, failed.Quiz.Passed)
	assert.False(t, api.mission("study-quiz").Completed)

	w = api.do(http.MethodPost, missionPath(quiz.ID, "/quiz"), gin.H{"answers": []int{1, 1, 2}, "timeSpent": 20})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var passed struct {
		Success    bool `json:"success"`
		Experience int  `json:"experience"`
	}
	api.decode(w, &passed)
	assert.True(t, passed.Success)
	assert.Equal(t, quiz.Experience, passed.Experience)
	assert.True(t, api.mission("study-quiz").Completed)

	w = api.do(http.MethodPost, missionPath(quiz.ID, "/quiz"), gin.H{"answers": []int{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUncompleteKeepsExperience(t *testing.T) {
	api := newTestAPI(t)
	journal := api.mission("mind-journal")

	w := api.do(http.MethodPost, missionPath(journal.ID, "/complete"), gin.H{"type": "diary", "diaryText": "오늘은 평온했다"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(http.MethodDelete, missionPath(journal.ID, "/complete"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var m apiMission
	api.decode(w, &m)
	assert.False(t, m.Completed)

	mind := api.characters()["mind"]
	assert.Equal(t, journal.Experience, mind.TotalExperience)
	assert.True(t, mind.Unlocked)
}

func TestRenameCharacter(t *testing.T) {
	api := newTestAPI(t)
	hobby := api.characters()["hobby"]

	w := api.do(http.MethodPut, characterPath(hobby.ID, "/name"), gin.H{"name": strings.Repeat("가", 21)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodPut, characterPath(hobby.ID, "/name"), gin.H{"name": "  초록이  "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view apiCharacter
	api.decode(w, &view)
	assert.Equal(t, "초록이", view.Name)
}

func TestAddExperienceAndUnlock(t *testing.T) {
	api := newTestAPI(t)
	study := api.characters()["study"]

	w := api.do(http.MethodPost, characterPath(study.ID, "/experience"), gin.H{"points": 150})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result struct {
		LeveledUp     bool `json:"leveledUp"`
		NewlyUnlocked bool `json:"newlyUnlocked"`
		Level         int  `json:"level"`
	}
	api.decode(w, &result)
	assert.True(t, result.LeveledUp)
	assert.True(t, result.NewlyUnlocked)
	assert.Equal(t, 2, result.Level)

	health := api.characters()["health"]
	w = api.do(http.MethodPost, characterPath(health.ID, "/unlock"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, api.characters()["health"].Unlocked)
}

func TestStatsAndReload(t *testing.T) {
	api := newTestAPI(t)
	call := api.mission("relationship-call")
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, missionPath(call.ID, "/complete"), nil).Code)

	w := api.do(http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stats struct {
		User struct {
			TotalMissions     int `json:"total_missions"`
			CompletedMissions int `json:"completed_missions"`
		} `json:"user"`
		Characters struct {
			UnlockedCount int `json:"unlockedCount"`
		} `json:"characters"`
	}
	api.decode(w, &stats)
	assert.Equal(t, len(api.missions()), stats.User.TotalMissions)
	assert.Equal(t, 1, stats.User.CompletedMissions)
	assert.Equal(t, 1, stats.Characters.UnlockedCount)

	w = api.do(http.MethodPost, "/api/missions/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reloaded struct {
		Missions  []apiMission `json:"missions"`
		Completed []apiMission `json:"completed"`
	}
	api.decode(w, &reloaded)
	assert.Len(t, reloaded.Completed, 1)
	assert.Equal(t, "relationship-call", reloaded.Completed[0].MissionID)
}

func TestMissionsFilterByCategory(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/api/missions?category=health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Missions []apiMission `json:"missions"`
	}
	api.decode(w, &resp)
	require.NotEmpty(t, resp.Missions)
	for _, m := range resp.Missions {
		assert.Equal(t, "health", m.Category)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	api := newTestAPI(t)
	call := api.mission("relationship-call")
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, missionPath(call.ID, "/complete"), nil).Code)

	api.device = "device-other"
	for _, m := range api.missions() {
		assert.False(t, m.Completed, m.MissionID)
	}
	assert.False(t, api.characters()["relationship"].Unlocked)
}

func TestFailedMissionLoadDegradesToEmpty(t *testing.T) {
	api := newTestAPI(t)
	_, err := api.db.Exec(`DROP TABLE mission_templates`)
	require.NoError(t, err)

	w := api.do(http.MethodGet, "/api/missions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Missions []apiMission `json:"missions"`
		Error    string       `json:"error"`
	}
	api.decode(w, &resp)
	assert.Empty(t, resp.Missions)
	assert.NotEmpty(t, resp.Error)

	assert.Len(t, api.characters(), 5)

	w = api.do(http.MethodGet, "/api/notifications", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodPost, "/api/missions/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestRegistrySharesOneMirrorPerUser(t *testing.T) {
	api := newTestAPI(t)
	cfg := config.Load()
	cfg.Mission.RetryBackoff = time.Millisecond
	reg := newRegistry(database.NewRemote(api.db), nil, cfg.Mission)
	sess := session.New("device-shared", "")

	const workers = 8
	got := make([]*userStores, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = reg.get(context.Background(), sess)
		}(i)
	}
	wg.Wait()

	first := reg.get(context.Background(), sess)
	for i, u := range got {
		assert.Same(t, first, u, "worker %d", i)
	}
	assert.Len(t, reg.users, 1)
}
