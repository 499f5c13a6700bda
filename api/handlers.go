// Package api exposes the task board over HTTP: user and task routes, the
// server-sent event and WebSocket change streams, and a health check.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	maxBodySize      = 64 << 10
	healthTimeout    = 2 * time.Second
	defaultHeartbeat = 30 * time.Second
)

// Options tunes the streaming endpoints.
type Options struct {
	// Heartbeat is the interval of SSE keepalive comments and WebSocket pings.
	Heartbeat time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, tasks TaskService, users UserService, hub Subscriber, health Pinger, opts Options, logger *log.Logger) {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	inflate := GzipRequestMiddleware()

	e.POST("/api/user/register", registerUser(users, logger), inflate)
	e.POST("/api/user/login", loginUser(users, logger), inflate)
	e.POST("/api/user/logout", logoutUser(users, logger))

	e.GET("/api/tasks", listTasks(tasks, logger))
	e.POST("/api/tasks", createTask(tasks, logger), inflate)
	e.GET("/api/tasks/stats", taskStats(tasks, logger))
	e.GET("/api/tasks/:id", getTask(tasks, logger))
	e.PUT("/api/tasks/:id", updateTask(tasks, logger), inflate)
	e.PATCH("/api/tasks/:id", updateTask(tasks, logger), inflate)
	e.DELETE("/api/tasks/:id", deleteTask(tasks, logger))

	e.GET("/api/stream", streamEvents(users, hub, opts.Heartbeat, logger))
	e.GET("/api/ws", streamSocket(users, hub, opts.Heartbeat, logger))

	e.GET("/healthz", healthz(health, logger))
}

func healthz(health Pinger, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if health == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := health.Ping(ctx); err != nil {
			logger.WithError(err).Warn("health check failed")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		}
		return c.NoContent(http.StatusOK)
	}
}

// decodeBody reads a size limited JSON body into v. Unknown fields are rejected.
func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.InvalidInput("invalid body")
	}
	return nil
}
