package handlers

import (
	"net/http"

	"replant/internal/character"
	"replant/internal/database"
	"replant/internal/middleware"
	"replant/internal/notify"

	"github.com/gin-gonic/gin"
)

func handleCharacters(c *gin.Context) {
	chars := getStores(c).characters

	var selected *character.View
	if v, ok := chars.SelectedCharacter(); ok {
		selected = &v
	}

	c.JSON(http.StatusOK, gin.H{
		"characters": chars.Characters(),
		"selected":   selected,
		"unlocked":   chars.UnlockedCharacters(),
		"stats":      chars.OverallStats(),
		"error":      chars.LastError(),
	})
}

func handleTopCharacter(c *gin.Context) {
	top, ok := getStores(c).characters.TopCharacter()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No unlocked characters"})
		return
	}
	c.JSON(http.StatusOK, top)
}

func handleAddExperience(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Points int `json:"points"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	if req.Points <= 0 {
		req.Points = character.DefaultReward
	}

	result, err := getStores(c).characters.AddExperience(c.Request.Context(), id, req.Points)
	if err != nil {
		respondError(c, err)
		return
	}

	announce(getToasts(c), middleware.GetSession(c), result)
	c.JSON(http.StatusOK, result)
}

func handleUnlockCharacter(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	view, err := getStores(c).characters.UnlockCharacter(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	pushToast(c, notify.TypeUnlocked, view.CategoryInfo.Emoji+" "+view.CategoryInfo.Name+" 캐릭터가 잠금 해제되었어요!")
	c.JSON(http.StatusOK, view)
}

func handleRenameCharacter(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	view, err := getStores(c).characters.RenameCharacter(c.Request.Context(), id, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func handleSelectCharacter(c *gin.Context) {
	var req struct {
		CharacterID int64 `json:"characterId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CharacterID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	chars := getStores(c).characters
	selected, err := chars.SetSelectedCharacter(c.Request.Context(), req.CharacterID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !selected {
		if _, exists := chars.CharacterByID(req.CharacterID); !exists {
			respondError(c, character.ErrCharacterNotFound)
			return
		}
		respondError(c, character.ErrNotUnlocked)
		return
	}

	view, _ := chars.SelectedCharacter()
	c.JSON(http.StatusOK, view)
}

func handleStats(c *gin.Context) {
	sess := middleware.GetSession(c)
	db := c.MustGet(remoteKey).(*database.Remote).DB()
	stores := getStores(c)

	stats, err := database.GetUserStats(c.Request.Context(), db, sess.UserID())
	if err != nil {
		respondError(c, err)
		return
	}

	progress, err := database.GetCategoryProgress(c.Request.Context(), db, sess.UserID())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":       stats,
		"characters": stores.characters.OverallStats(),
		"progress":   progress,
	})
}
