package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/skillsenselab/scribe/errors"
	"github.com/skillsenselab/scribe/transcript"
	"github.com/skillsenselab/scribe/validation"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 4 * 1024,
	// Browser clients connect from app origins; CORS applies to the API,
	// the socket accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsControl is a client-to-server text frame. Audio travels as binary frames.
type wsControl struct {
	Type          string `json:"type" validate:"required,oneof=start stop"`
	CorrelationID string `json:"correlation_id,omitempty" validate:"omitempty,max=128"`
}

// wsReply is a server-to-client text frame.
type wsReply struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id,omitempty"`
	Text       string            `json:"text,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	IsFinal    bool              `json:"is_final,omitempty"`
	Stats      *transcript.Stats `json:"stats,omitempty"`
	Error      *wsError          `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	wsTypeStart      = "start"
	wsTypeStop       = "stop"
	wsTypeStarted    = "session_started"
	wsTypeTranscript = "transcript"
	wsTypeCompleted  = "session_completed"
	wsTypeError      = "error"

	wsReadLimit = 1 << 20 // 1 MiB per frame
)

// Transcribe serves the live transcription socket. The client opens the
// connection, sends a "start" control frame, then streams audio as binary
// frames; each chunk's recognition result comes back as a text frame. A
// "stop" frame (or the connection dropping) finalizes the session.
func (a *API) Transcribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ws := &wsSession{api: a, conn: conn}
	ws.serve(c.Request.Context())
}

// wsSession is the per-connection state machine. One connection carries at
// most one transcription session; all reads and writes happen on the serving
// goroutine, so no write lock is needed.
type wsSession struct {
	api       *API
	conn      *websocket.Conn
	sessionID uuid.UUID
	started   bool
}

func (w *wsSession) serve(ctx context.Context) {
	// Finalize on every exit path. If the client stopped cleanly this is a
	// no-op thanks to the conditional status transition.
	defer func() {
		if w.started {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := w.api.ctrl.StopSession(stopCtx, w.sessionID); err != nil {
				w.api.log.WithSession(w.sessionID.String()).WithError(err).Error("finalize on disconnect failed")
			}
		}
	}()

	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.api.log.WithError(err).Debug("websocket read ended")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var ctrl wsControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				w.reply(errorReply(apperrors.InvalidInput("message", "malformed control frame")))
				continue
			}
			if err := validation.Validate(&ctrl); err != nil {
				w.reply(errorReply(err))
				continue
			}
			if done := w.handleControl(ctx, ctrl); done {
				return
			}
		case websocket.BinaryMessage:
			w.handleAudio(ctx, data)
		}
	}
}

// handleControl processes one control frame; true means the session is over
// and the connection should close.
func (w *wsSession) handleControl(ctx context.Context, ctrl wsControl) bool {
	switch ctrl.Type {
	case wsTypeStart:
		if w.started {
			w.reply(errorReply(apperrors.Conflict("session already started on this connection")))
			return false
		}
		session, err := w.api.ctrl.StartSession(ctx, ctrl.CorrelationID)
		if err != nil {
			w.reply(errorReply(err))
			return true
		}
		w.sessionID = session.ID
		w.started = true
		w.reply(wsReply{Type: wsTypeStarted, SessionID: session.ID.String()})
		return false

	case wsTypeStop:
		if !w.started {
			w.reply(errorReply(apperrors.Conflict("no session to stop")))
			return true
		}
		session, err := w.api.ctrl.StopSession(ctx, w.sessionID)
		if err != nil {
			w.reply(errorReply(err))
			return true
		}
		w.started = false
		w.reply(wsReply{
			Type:      wsTypeCompleted,
			SessionID: session.ID.String(),
			Stats: &transcript.Stats{
				TotalSegments:     session.TotalSegments,
				AverageConfidence: session.AverageConfidence,
				TotalDuration:     session.TotalDuration,
			},
		})
		return true

	default:
		w.reply(errorReply(apperrors.InvalidInput("type", "unknown control type")))
		return false
	}
}

func (w *wsSession) handleAudio(ctx context.Context, audio []byte) {
	if !w.started {
		w.reply(errorReply(apperrors.Conflict("send start before audio")))
		return
	}
	result, err := w.api.ctrl.ProcessChunk(ctx, w.sessionID, audio)
	if err != nil {
		w.reply(errorReply(err))
		return
	}
	if result.Text == "" {
		return
	}
	w.reply(wsReply{
		Type:       wsTypeTranscript,
		SessionID:  w.sessionID.String(),
		Text:       result.Text,
		Confidence: result.Confidence,
		IsFinal:    result.IsFinal,
	})
}

func (w *wsSession) reply(r wsReply) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := w.conn.WriteJSON(r); err != nil {
		w.api.log.WithError(err).Debug("websocket write failed")
	}
}

func errorReply(err error) wsReply {
	reply := wsReply{Type: wsTypeError, Error: &wsError{
		Code:    string(apperrors.ErrCodeInternal),
		Message: "unexpected error",
	}}
	if appErr, ok := apperrors.AsAppError(err); ok {
		reply.Error.Code = string(appErr.Code)
		reply.Error.Message = appErr.Message
	}
	return reply
}
