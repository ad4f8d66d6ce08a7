package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const sendBufferSize = 256

// wsConn is one client connection. Frames are queued on send and written by
// writePump; nothing else writes to the socket.
type wsConn struct {
	id      string
	ip      string
	conn    *websocket.Conn
	cfg     SecurityConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(id, ip string, conn *websocket.Conn, cfg SecurityConfig, limiter *rate.Limiter, logger *slog.Logger) *wsConn {
	configureConn(conn, cfg)
	return &wsConn{
		id:      id,
		ip:      ip,
		conn:    conn,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		send:    make(chan []byte, sendBufferSize),
		closed:  make(chan struct{}),
	}
}

// sendFrame queues a frame. It never blocks: when the buffer is full the
// frame is dropped.
func (w *wsConn) sendFrame(frameType string, data any) {
	msg, err := encodeFrame(frameType, data)
	if err != nil {
		w.logger.Error("Failed to encode frame", "type", frameType, "error", err)
		return
	}
	select {
	case <-w.closed:
	case w.send <- msg:
	default:
		w.logger.Warn("WebSocket send buffer full, dropping frame", "type", frameType)
	}
}

func (w *wsConn) sendError(frame, message string) {
	w.sendFrame(FrameError, ErrorData{Message: message, Frame: frame})
}

// close stops writePump. Safe to call more than once.
func (w *wsConn) close() {
	w.closeOnce.Do(func() { close(w.closed) })
}

// writePump writes queued frames and pings until the connection closes or
// ctx is done.
func (w *wsConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				w.logger.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.closed:
			w.drain()
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// drain flushes frames queued before close.
func (w *wsConn) drain() {
	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *wsConn) readFrame() ([]byte, error) {
	_, message, err := w.conn.ReadMessage()
	return message, err
}
