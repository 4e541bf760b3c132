package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// Stream message types.
const (
	MessageEvent  = "event"
	MessageResult = "result"
	MessageError  = "error"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// StreamMessage is one frame sent to a /ws/generate client
type StreamMessage struct {
	Type   string                `json:"type"`
	Event  *models.PipelineEvent `json:"event,omitempty"`
	Result *SessionResponse      `json:"result,omitempty"`
	Error  *models.ErrorResponse `json:"error,omitempty"`
}

// StreamGenerate handles WebSocket /api/ws/generate
// @Summary Stream object synthesis
// @Description WebSocket endpoint. The client sends {"object_name": "..."}; the server streams pipeline events, then a result or error frame, then closes.
// @Tags objects
// @Success 101 "Switching Protocols"
// @Router /ws/generate [get]
func (h *Handler) StreamGenerate(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "gateway.stream_generate")
	defer span.End()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	var req CreateObjectRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.Warn("failed to read generate request", zap.Error(err))
		h.writeClose(conn, websocket.CloseUnsupportedData, "expected {\"object_name\": \"...\"}")
		return
	}
	span.SetAttributes(attribute.String("object.name", req.ObjectName))

	// Cancel the run when the client goes away.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	send := func(msg StreamMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Warn("failed to write stream message", zap.Error(err))
			cancel()
			return false
		}
		return true
	}

	runID, err := h.orchestrator.Generate(ctx, req.ObjectName, func(ev models.PipelineEvent) {
		send(StreamMessage{Type: MessageEvent, Event: &ev})
	})
	if err == nil {
		var resp SessionResponse
		resp, err = h.openSession(ctx, runID)
		if err == nil {
			span.SetAttributes(attribute.String("run.id", runID))
			send(StreamMessage{Type: MessageResult, Result: &resp})
			h.writeClose(conn, websocket.CloseNormalClosure, "")
			return
		}
	}

	span.RecordError(err)
	_, body := errorResponse(err)
	body = withRunID(body, runID)
	h.logger.Warn("stream generate failed", zap.String("run_id", runID), zap.String("error_kind", models.ErrorKind(err)), zap.Error(err))
	if send(StreamMessage{Type: MessageError, Error: &body}) {
		h.writeClose(conn, websocket.CloseNormalClosure, "")
	}
}

func (h *Handler) writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(wsWriteTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline); err != nil {
		h.logger.Debug("failed to write close frame", zap.Error(err))
	}
}
