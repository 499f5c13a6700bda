package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const wsWriteTimeout = 10 * time.Second

// socketFrame is the WebSocket rendition of a change event.
type socketFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

func encodeFrame(ev domain.ChangeEvent) ([]byte, error) {
	return sonic.Marshal(socketFrame{Event: ev.Type, Data: ev.Payload()})
}

func streamSocket(users UserService, hub Subscriber, heartbeat time.Duration, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, sub, err := authorizeStream(c, users, hub, logger)
		if sub == nil {
			return err
		}
		defer sub.Close()

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return nil
		}
		defer conn.Close()

		fields := log.Fields{"user": p.UserID, "session": sub.SessionID}
		logger.WithFields(fields).Debug("socket opened")
		defer logger.WithFields(fields).Debug("socket closed")

		ctx, cancel := context.WithCancel(c.Request().Context())
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
		})
		// Inbound messages are ignored; reading surfaces close frames and pongs.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return nil
				}
			case ev, ok := <-sub.C:
				if !ok {
					logStreamEnd(logger, fields, sub.Err())
					msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended")
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
					return nil
				}
				frame, err := encodeFrame(ev)
				if err != nil {
					logger.WithFields(fields).WithError(err).Error("encode change event failed")
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return nil
				}
			}
		}
	}
}
