package interfaces

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/port"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
		return true
	},
}

// watcher 是一个订阅某订单状态的 WebSocket 连接
type watcher struct {
	orderID string
	conn    *websocket.Conn
	send    chan port.StatusChange
	done    chan struct{}
}

// StatusHub 维护按订单分组的订阅者，实现了 port.StatusNotifier 接口。
type StatusHub struct {
	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}
}

func NewStatusHub() *StatusHub {
	return &StatusHub{watchers: make(map[string]map[*watcher]struct{})}
}

// NotifyStatus 非阻塞推送，慢消费者会丢消息。
func (h *StatusHub) NotifyStatus(ctx context.Context, change port.StatusChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.watchers[change.OrderID] {
		select {
		case w.send <- change:
		default:
			logger.Ctx(ctx).Warn().Str("order_id", change.OrderID).Msg("Watcher too slow, status change dropped")
		}
	}
}

// Watchers 返回某订单当前的订阅者数量。
func (h *StatusHub) Watchers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[orderID])
}

// Serve 升级连接并推送当前状态，之后推送每一次变化，直到订单结束或连接关闭。
func (h *StatusHub) Serve(w http.ResponseWriter, r *http.Request, orderID string, current domain.State) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := &watcher{orderID: orderID, conn: conn, send: make(chan port.StatusChange, sendBuffer), done: make(chan struct{})}
	c.send <- port.StatusChange{OrderID: orderID, To: current, At: time.Now().UTC()}
	h.register(c)

	go h.readPump(c)
	h.writePump(c)
}

func (h *StatusHub) register(c *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[c.orderID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[c.orderID] = set
	}
	set[c] = struct{}{}
}

func (h *StatusHub) unregister(c *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[c.orderID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.watchers, c.orderID)
		}
	}
}

// readPump 只处理 pong 和关闭帧
func (h *StatusHub) readPump(c *watcher) {
	defer close(c.done)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StatusHub) writePump(c *watcher) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		select {
		case change := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(change); err != nil {
				return
			}
			if change.To.IsTerminal() {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(change.To)),
					time.Now().Add(writeWait))
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
