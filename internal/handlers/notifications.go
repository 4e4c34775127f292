package handlers

import (
	"net/http"

	"replant/internal/middleware"
	"replant/internal/notify"

	"github.com/gin-gonic/gin"
)

func handleNotifications(c *gin.Context) {
	toasts := getToasts(c)
	if toasts == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []notify.Toast{}})
		return
	}

	active := toasts.Active(middleware.GetSession(c).UserID())
	if active == nil {
		active = []notify.Toast{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": active})
}

func handleDismissNotification(c *gin.Context) {
	toasts := getToasts(c)
	if toasts == nil || !toasts.Dismiss(middleware.GetSession(c).UserID(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
