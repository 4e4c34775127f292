package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"replant/internal/mission"
	"replant/internal/models"
	"replant/internal/notify"

	"github.com/gin-gonic/gin"
)

type completeRequest struct {
	Type         models.VerificationType `json:"type"`
	PhotoURL     string                  `json:"photoUrl"`
	VideoURL     string                  `json:"videoUrl"`
	DiaryText    string                  `json:"diaryText"`
	TimerSeconds int                     `json:"timerSeconds"`
}

func missionsResponse(m *mission.Store, category string) gin.H {
	list := m.Missions()
	if category != "" {
		list = m.ByCategory(category)
	}
	return gin.H{
		"missions":  list,
		"completed": m.Completed(),
		"progress":  m.Progress(),
		"loading":   m.Loading(),
		"error":     m.LastError(),
	}
}

func handleMissions(c *gin.Context) {
	c.JSON(http.StatusOK, missionsResponse(getStores(c).missions, c.Query("category")))
}

func handleReloadMissions(c *gin.Context) {
	missions := getStores(c).missions
	if err := missions.Reload(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, missionsResponse(missions, ""))
}

func handleCompleteMission(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req completeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	missions := getStores(c).missions
	ctx := c.Request.Context()

	var (
		result mission.CompletionResult
		err    error
	)
	switch req.Type {
	case "", models.VerifyCheck:
		result, err = missions.Complete(ctx, id)
	case models.VerifyPhoto:
		if strings.TrimSpace(req.PhotoURL) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Photo URL is required"})
			return
		}
		result, err = missions.CompleteWithPhoto(ctx, id, req.PhotoURL)
	case models.VerifyVideo:
		if strings.TrimSpace(req.VideoURL) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Video URL is required"})
			return
		}
		result, err = missions.CompleteWithVideo(ctx, id, req.VideoURL)
	case models.VerifyDiary:
		if strings.TrimSpace(req.DiaryText) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Diary text is required"})
			return
		}
		result, err = missions.CompleteWithDiary(ctx, id, req.DiaryText)
	case models.VerifyTimer:
		if req.TimerSeconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Timer seconds must be positive"})
			return
		}
		result, err = missions.CompleteWithTimer(ctx, id, req.TimerSeconds)
	case models.VerifyQuiz:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Quiz missions are completed through the quiz endpoint"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown verification type"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	announceCompletion(c, result)
	c.JSON(http.StatusOK, result)
}

func handleSubmitQuiz(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Answers   []int `json:"answers"`
		TimeSpent int   `json:"timeSpent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Answers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Answers are required"})
		return
	}

	result, err := getStores(c).missions.CompleteWithQuiz(c.Request.Context(), id, req.Answers, req.TimeSpent)
	if err != nil {
		respondError(c, err)
		return
	}

	if !result.Success && result.Quiz != nil {
		pushToast(c, notify.TypeInfo, fmt.Sprintf("아쉬워요! %d/%d 정답이에요. 다시 도전해보세요.", result.Quiz.Score, result.Quiz.Total))
	} else {
		announceCompletion(c, result)
	}
	c.JSON(http.StatusOK, result)
}

func handleUncompleteMission(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	m, err := getStores(c).missions.Uncomplete(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func announceCompletion(c *gin.Context, result mission.CompletionResult) {
	if !result.Success {
		return
	}
	if result.Error != "" {
		pushToast(c, notify.TypeError, result.Error)
		return
	}
	pushToast(c, notify.TypeSuccess, fmt.Sprintf("미션 완료! +%d 경험치", result.Experience))
}
