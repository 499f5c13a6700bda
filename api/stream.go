package api

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/auth"
	"taskboard/broadcast"
	"taskboard/domain"
)

const (
	sseReady     = ":ok\n\n"
	sseKeepalive = ":keepalive\n\n"
)

// authorizeStream verifies the token from the header or the token query
// parameter and subscribes a fresh session to the hub.
func authorizeStream(c echo.Context, users UserService, hub Subscriber, logger *log.Logger) (domain.Principal, *broadcast.Subscription, error) {
	token, err := auth.TokenFromRequest(c.Request(), true)
	if err != nil {
		return domain.Principal{}, nil, writeError(c, domain.Unauthorized("unauthorized", err), logger)
	}
	p, err := users.Verify(c.Request().Context(), token)
	if err != nil {
		return domain.Principal{}, nil, writeError(c, err, logger)
	}
	sub, err := hub.Subscribe(uuid.NewString())
	if err != nil {
		return domain.Principal{}, nil, c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "stream unavailable"})
	}
	return p, sub, nil
}

// encodeSSE renders one change event as a named server-sent event frame.
func encodeSSE(ev domain.ChangeEvent) ([]byte, error) {
	data, err := sonic.Marshal(ev.Payload())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(ev.Type) + len(data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(ev.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

func streamEvents(users UserService, hub Subscriber, heartbeat time.Duration, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, sub, err := authorizeStream(c, users, hub, logger)
		if sub == nil {
			return err
		}
		defer sub.Close()

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		fields := log.Fields{"user": p.UserID, "session": sub.SessionID}
		logger.WithFields(fields).Debug("stream opened")
		defer logger.WithFields(fields).Debug("stream closed")

		if _, err := c.Response().Write([]byte(sseReady)); err != nil {
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(sseKeepalive)); err != nil {
					return nil
				}
				flusher.Flush()
			case ev, ok := <-sub.C:
				if !ok {
					logStreamEnd(logger, fields, sub.Err())
					return nil
				}
				frame, err := encodeSSE(ev)
				if err != nil {
					logger.WithFields(fields).WithError(err).Error("encode change event failed")
					continue
				}
				if _, err := c.Response().Write(frame); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func logStreamEnd(logger *log.Logger, fields log.Fields, reason error) {
	switch {
	case errors.Is(reason, broadcast.ErrEvicted):
		logger.WithFields(fields).Warn("stream ended, subscriber evicted")
	case errors.Is(reason, broadcast.ErrHubClosed):
		logger.WithFields(fields).Info("stream ended, server shutting down")
	}
}
