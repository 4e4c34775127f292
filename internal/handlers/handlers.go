package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"replant/internal/apperr"
	"replant/internal/character"
	"replant/internal/config"
	"replant/internal/database"
	"replant/internal/logger"
	"replant/internal/middleware"
	"replant/internal/mission"
	"replant/internal/notify"
	"replant/internal/session"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"
)

const (
	storesKey = "stores"
	toastsKey = "toasts"
	remoteKey = "remote"
)

// userStores is one user's loaded character and mission mirrors.
type userStores struct {
	characters *character.Store
	missions   *mission.Store
}

// registry keeps loaded stores per user so every request works against the
// same mirror.
type registry struct {
	remote *database.Remote
	toasts *notify.Queue
	cfg    config.MissionConfig

	mu    sync.Mutex
	users map[string]*userStores
	loads singleflight.Group
}

func newRegistry(remote *database.Remote, toasts *notify.Queue, cfg config.MissionConfig) *registry {
	return &registry{
		remote: remote,
		toasts: toasts,
		cfg:    cfg,
		users:  make(map[string]*userStores),
	}
}

// get returns the caller's stores, loading them on first use. A store whose
// load fails is cached anyway: it reports the failure through LastError and
// the mission side can be retried with a reload.
func (r *registry) get(ctx context.Context, sess session.Session) *userStores {
	if u, ok := r.lookup(sess.UserID()); ok {
		return u
	}

	v, _, _ := r.loads.Do(sess.UserID(), func() (interface{}, error) {
		if u, ok := r.lookup(sess.UserID()); ok {
			return u, nil
		}

		u := r.build(sess)
		if err := u.characters.Load(ctx); err != nil {
			logger.Warn("Failed to load characters", "device_id", sess.DeviceID, "error", err)
		}
		if err := u.missions.Load(ctx); err != nil {
			logger.Warn("Failed to load missions", "device_id", sess.DeviceID, "error", err)
		}

		r.mu.Lock()
		r.users[sess.UserID()] = u
		r.mu.Unlock()
		return u, nil
	})
	return v.(*userStores)
}

func (r *registry) lookup(userID string) (*userStores, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	return u, ok
}

func (r *registry) build(sess session.Session) *userStores {
	chars := character.NewStore(r.remote, r.remote, sess)

	opts := []mission.Option{
		mission.WithQuizService(r.remote),
		mission.WithExperienceAwarder(func(ctx context.Context, category string, points int) error {
			result, err := chars.AddExperienceByCategory(ctx, category, points)
			if err != nil {
				return err
			}
			announce(r.toasts, sess, result)
			return nil
		}),
	}
	if r.cfg.BatchSize > 0 {
		opts = append(opts, mission.WithBatchSize(r.cfg.BatchSize))
	}
	if r.cfg.MaxRetries > 0 {
		opts = append(opts, mission.WithRetry(r.cfg.MaxRetries, r.cfg.RetryBackoff))
	}

	return &userStores{
		characters: chars,
		missions:   mission.NewStore(r.remote, sess, opts...),
	}
}

// announce queues the toasts an experience award warrants.
func announce(toasts *notify.Queue, sess session.Session, result character.ExperienceResult) {
	if toasts == nil {
		return
	}
	view := result.Character
	if result.NewlyUnlocked {
		toasts.Push(sess.UserID(), notify.TypeUnlocked,
			fmt.Sprintf("%s %s 캐릭터가 잠금 해제되었어요!", view.CategoryInfo.Emoji, view.CategoryInfo.Name))
	}
	if result.LeveledUp {
		toasts.Push(sess.UserID(), notify.TypeLevelUp,
			fmt.Sprintf("레벨 업! %s Lv.%d", view.DisplayName, result.Level))
	}
}

func SetupRoutes(r *gin.Engine, cfg *config.Config, remote *database.Remote, toasts *notify.Queue) {
	reg := newRegistry(remote, toasts, cfg.Mission)

	r.Use(middleware.LogRequests())
	r.Use(middleware.SecurityHeaders(cfg))
	r.Use(middleware.IPBlocker(cfg))
	r.Use(middleware.Track404AndBlock(cfg))

	r.GET("/health", handleHealth)

	api := r.Group("/api")
	api.Use(middleware.RateLimit(cfg))
	api.Use(middleware.Session())
	api.Use(addContext(reg))
	{
		api.GET("/characters", handleCharacters)
		api.GET("/characters/top", handleTopCharacter)
		api.POST("/characters/:id/experience", handleAddExperience)
		api.POST("/characters/:id/unlock", handleUnlockCharacter)
		api.PUT("/characters/:id/name", handleRenameCharacter)
		api.PUT("/settings/selected-character", handleSelectCharacter)
		api.GET("/stats", handleStats)

		api.GET("/missions", handleMissions)
		api.POST("/missions/reload", handleReloadMissions)
		api.POST("/missions/:id/complete", handleCompleteMission)
		api.POST("/missions/:id/quiz", handleSubmitQuiz)
		api.DELETE("/missions/:id/complete", handleUncompleteMission)

		api.GET("/notifications", handleNotifications)
		api.DELETE("/notifications/:id", handleDismissNotification)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// addContext loads the caller's stores and exposes them, together with the
// toast queue and the remote, to the handlers.
func addContext(reg *registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := middleware.GetSession(c)
		c.Set(storesKey, reg.get(c.Request.Context(), sess))
		c.Set(toastsKey, reg.toasts)
		c.Set(remoteKey, reg.remote)
		c.Next()
	}
}

func getStores(c *gin.Context) *userStores {
	return c.MustGet(storesKey).(*userStores)
}

func getToasts(c *gin.Context) *notify.Queue {
	q, _ := c.Get(toastsKey)
	toasts, _ := q.(*notify.Queue)
	return toasts
}

func pushToast(c *gin.Context, typ notify.ToastType, message string) {
	if toasts := getToasts(c); toasts != nil {
		toasts.Push(middleware.GetSession(c).UserID(), typ, message)
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

// respondError maps err to a status code and a displayable message.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNetwork:
		status = http.StatusBadGateway
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	case apperr.KindCanceled:
		status = http.StatusRequestTimeout
	}
	c.JSON(status, gin.H{"error": apperr.Classify(err)})
}
