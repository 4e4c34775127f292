package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"replant/internal/config"
	"replant/internal/gateway"
	"replant/internal/logger"
	"replant/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

const maxMessageSize = 64 << 10

// SetupGatewayRoutes exposes the worker's page channel under /sw and hands
// every other request to the worker's fetch handler.
func SetupGatewayRoutes(r *gin.Engine, cfg *config.Config, w *gateway.Worker) {
	r.Use(middleware.LogRequests())

	sw := r.Group("/sw")
	{
		sw.GET("/clients/:id/events", handleClientEvents(w))
		sw.POST("/messages", middleware.SyncRateLimit(cfg), handleClientMessage(w))
		sw.POST("/ports/:id", handlePortReply(w))
		sw.POST("/push", middleware.SyncRateLimit(cfg), handlePush(w))
		sw.POST("/notificationclick", handleNotificationClick(w))
	}

	r.NoRoute(gin.WrapH(w))
}

// handleClientEvents connects a window and streams worker messages to it as
// server-sent events until either side goes away.
func handleClientEvents(w *gateway.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := w.Clients().Connect(c.Param("id"), c.Query("url"))
		defer w.Clients().Disconnect(client)

		ctx := c.Request.Context()
		c.SSEvent("connected", gin.H{"id": client.ID, "version": w.Version(), "controlled": client.Controlled()})
		c.Writer.Flush()

		c.Stream(func(io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case env, ok := <-client.Messages():
				if !ok {
					return false
				}
				c.SSEvent(env.Type, env)
				return true
			}
		})
	}
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return nil, false
	}
	return body, true
}

func handleClientMessage(w *gateway.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}

		msg, err := gateway.DecodeMessage(body)
		if err != nil {
			if errors.Is(err, gateway.ErrUnknownMessage) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown message type"})
			} else {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message"})
			}
			return
		}

		reply, err := w.HandleMessage(c.Request.Context(), msg)
		if err != nil {
			logger.Error("Gateway message failed", "type", msg.Type(), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if reply == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, reply)
	}
}

func handlePortReply(w *gateway.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reply"})
			return
		}

		if err := w.Reply(c.Param("id"), json.RawMessage(body)); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown port"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handlePush(w *gateway.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		if err := w.Push(c.Request.Context(), body); err != nil {
			logger.Error("Failed to show push notification", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to show notification"})
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func handleNotificationClick(w *gateway.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := w.NotificationClick(c.Request.Context()); err != nil {
			logger.Error("Failed to handle notification click", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open window"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
