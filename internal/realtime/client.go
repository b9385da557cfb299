package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/screenclip/backend/internal/capture"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CaptureSignaler accepts browser capture signaling relayed over the socket.
type CaptureSignaler interface {
	HandleOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	SignalDenied(kind capture.TrackKind)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	JoinedAt time.Time
	hub      *Hub
	signaler CaptureSignaler
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. signaler
// may be nil when browser capture is disabled.
func ServeWs(hub *Hub, logger *zap.Logger, signaler CaptureSignaler) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			JoinedAt: time.Now(),
			hub:      hub,
			signaler: signaler,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "webrtc_offer":
			if c.signaler == nil {
				continue
			}
			var payload struct {
				Type string `json:"type"`
				SDP  string `json:"sdp"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.SDP == "" {
				continue
			}
			offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
			answer, err := c.signaler.HandleOffer(offer)
			if err != nil {
				c.logger.Warn("webrtc offer failed", zap.Error(err))
				c.hub.SendToClient(c.ID, "webrtc_error", map[string]string{"error": err.Error()})
				continue
			}
			c.hub.SendToClient(c.ID, "webrtc_answer", map[string]string{
				"type": answer.Type.String(),
				"sdp":  answer.SDP,
			})
		case "capture_denied":
			// Browser-side permission prompts resolve in the page; a denial
			// is forwarded here so the pending acquisition fails.
			if c.signaler == nil {
				continue
			}
			var payload struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				continue
			}
			kind := capture.TrackVideo
			if payload.Kind == "audio" {
				kind = capture.TrackAudio
			}
			c.signaler.SignalDenied(kind)
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
