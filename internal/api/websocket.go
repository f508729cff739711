package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/internal/events"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type orderUpdateMessage struct {
	Type       string       `json:"type"`
	InstanceID string       `json:"instanceId"`
	Broker     string       `json:"broker"`
	Order      common.Order `json:"order"`
	Time       int64        `json:"time"`
}

// orderStream pushes every order snapshot the bound instance dumps.
func (s *Server) orderStream(c *gin.Context) {
	b := currentBroker(c)
	if s.Bus == nil {
		err := &common.UnsupportedOperationError{Broker: b.Name(), Operation: "order stream", Detail: "event bus not configured"}
		c.JSON(http.StatusOK, apiResponse(b, nil, err))
		return
	}

	// Subscribe before upgrading so no update slips between handshake and loop.
	stream, unsub := s.Bus.Subscribe(events.EventOrderUpdate.Scoped(b.InstanceID()), 100)
	defer unsub()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-stream:
			if !ok {
				return
			}
			u, ok := msg.(broker.OrderUpdate)
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(orderUpdateMessage{
				Type:       "orderUpdate",
				InstanceID: u.InstanceID,
				Broker:     u.Broker,
				Order:      u.Order,
				Time:       u.Time.UnixMilli(),
			}); err != nil {
				s.logger.Debug("ws write error", "error", err)
				return
			}
		}
	}
}
