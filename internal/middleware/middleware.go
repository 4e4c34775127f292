package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"replant/internal/config"
	"replant/internal/logger"
	"replant/internal/session"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	HeaderDeviceID = "X-Device-ID"
	HeaderNickname = "X-Nickname"

	// SessionKey is the gin context key holding the request's session.Session.
	SessionKey = "session"

	maxDeviceIDLength = 128
)

type rateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientTracker struct {
	errors404    []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

var (
	clients    = make(map[string]*rateLimiter)
	mu         sync.Mutex
	trackers   = make(map[string]*clientTracker)
	trackersMu sync.Mutex
)

func RateLimit(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip rate limiting in development mode
		if cfg.IsDevelopment() {
			c.Next()
			return
		}

		ip := c.ClientIP()

		mu.Lock()
		if limiter, exists := clients[ip]; exists {
			limiter.lastSeen = time.Now()
			if !limiter.limiter.Allow() {
				mu.Unlock()
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
				c.Abort()
				return
			}
		} else {
			clients[ip] = &rateLimiter{
				limiter:  rate.NewLimiter(rate.Every(time.Second/20), 20),
				lastSeen: time.Now(),
			}
		}
		cleanupOldClients()
		mu.Unlock()

		c.Next()
	}
}

// SyncRateLimit guards the endpoints that fan out to every connected window
// (push, sync requests).
func SyncRateLimit(cfg *config.Config) gin.HandlerFunc {
	syncClients := make(map[string]*rateLimiter)
	var syncMu sync.Mutex

	return func(c *gin.Context) {
		if cfg.IsDevelopment() {
			c.Next()
			return
		}

		ip := c.ClientIP()

		syncMu.Lock()
		if limiter, exists := syncClients[ip]; exists {
			limiter.lastSeen = time.Now()
			if !limiter.limiter.Allow() {
				syncMu.Unlock()
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "Sync rate limit exceeded"})
				c.Abort()
				return
			}
		} else {
			syncClients[ip] = &rateLimiter{
				limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
				lastSeen: time.Now(),
			}
		}

		for ip, client := range syncClients {
			if time.Since(client.lastSeen) > 30*time.Minute {
				delete(syncClients, ip)
			}
		}
		syncMu.Unlock()

		c.Next()
	}
}

func IPBlocker(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.IsDevelopment() {
			c.Next()
			return
		}

		ip := c.ClientIP()

		trackersMu.Lock()
		tracker, exists := trackers[ip]
		blocked := exists && time.Now().Before(tracker.blockedUntil)
		trackersMu.Unlock()

		if blocked {
			c.JSON(http.StatusForbidden, gin.H{"error": "Too many invalid requests, try again later"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func Track404AndBlock(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if cfg.IsDevelopment() || c.Writer.Status() != http.StatusNotFound {
			return
		}

		ip := c.ClientIP()
		now := time.Now()

		trackersMu.Lock()
		defer trackersMu.Unlock()

		tracker, exists := trackers[ip]
		if !exists {
			tracker = &clientTracker{lastSeen: now}
			trackers[ip] = tracker
		}

		tracker.lastSeen = now
		tracker.errors404 = append(tracker.errors404, now)

		// Only 404s from the last 5 minutes count
		cutoff := now.Add(-5 * time.Minute)
		valid := tracker.errors404[:0]
		for _, t := range tracker.errors404 {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		tracker.errors404 = valid

		if len(tracker.errors404) >= 10 {
			tracker.blockedUntil = now.Add(15 * time.Minute)
			logger.Warn("Blocked client after repeated 404s", "ip", ip, "count", len(tracker.errors404))
			tracker.errors404 = nil
		}

		for trackerIP, t := range trackers {
			if time.Since(t.lastSeen) > 30*time.Minute && now.After(t.blockedUntil) {
				delete(trackers, trackerIP)
			}
		}
	}
}

func cleanupOldClients() {
	for ip, client := range clients {
		if time.Since(client.lastSeen) > 10*time.Minute {
			delete(clients, ip)
		}
	}
}

func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := strings.Split(allowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := false
		for _, allowedOrigin := range origins {
			if origin == allowedOrigin {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+HeaderDeviceID+", "+HeaderNickname)
		c.Header("Access-Control-Expose-Headers", HeaderDeviceID+", X-Cache")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Session builds the caller's session from the device headers. A missing
// device id is generated and echoed back so the client can persist it.
func Session() gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.GetHeader(HeaderDeviceID)
		if len(deviceID) > maxDeviceIDLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device id"})
			c.Abort()
			return
		}

		sess := session.New(deviceID, c.GetHeader(HeaderNickname))
		if deviceID == "" {
			logger.Debug("Issued device id", "device_id", sess.DeviceID)
		}

		c.Header(HeaderDeviceID, sess.DeviceID)
		c.Set(SessionKey, sess)
		c.Request = c.Request.WithContext(session.WithContext(c.Request.Context(), sess))
		c.Next()
	}
}

// GetSession returns the session set by Session.
func GetSession(c *gin.Context) session.Session {
	return c.MustGet(SessionKey).(session.Session)
}

func SecurityHeaders(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip security headers in development mode to allow browser automation tools
		if cfg.IsDevelopment() {
			c.Next()
			return
		}

		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'self'; script-src 'self' https://"+cfg.Gateway.CDNHost+"; connect-src 'self' https://*."+cfg.Gateway.BaaSHost+"; img-src 'self' data: https:")
		c.Next()
	}
}

func LogRequests() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s %s\n",
			param.TimeStamp.Format("2006/01/02 15:04:05"),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
			param.ClientIP,
		)
	})
}
