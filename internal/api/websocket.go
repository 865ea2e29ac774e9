package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-vitals/internal/engine"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stream pushes the outcomes of one metric (or "*") to a websocket client.
// ?kinds=anomaly,period narrows the outcomes sent.
func (h *httpAPI) stream(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	req := SubscribeRequest{Metric: metric}
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		req.Kinds = strings.Split(raw, ",")
	}
	kinds, err := req.OutcomeKinds()
	if err != nil {
		h.fail(w, err)
		return
	}

	handler, outcomes := engine.Buffered(h.backlog)
	id, err := h.engine.Subscribe(metric, handler, kinds...)
	if err != nil {
		h.fail(w, err)
		return
	}
	defer h.engine.Unsubscribe(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("metric", metric), slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader only services control frames and notices the client leaving.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read error", slog.String("metric", metric), slog.Any("error", err))
				}
				return
			}
		}
	}()

	h.logger.Debug("websocket stream opened", slog.String("metric", metric), slog.String("subscription", string(id)))
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case o := <-outcomes:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(o); err != nil {
				h.logger.Debug("websocket write failed", slog.String("metric", metric), slog.Any("error", err))
				return
			}
		}
	}
}
