package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/middleware"
	"github.com/clinical-codes-finder/internal/workflow"
)

// WebSocket message types.
const (
	MessageQuery  = "query"
	MessageReset  = "reset"
	MessageResult = "result"
	MessageError  = "error"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 16
)

// ClientMessage is sent by chat clients.
type ClientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServerMessage is sent back for every client message.
type ServerMessage struct {
	Type   string             `json:"type"`
	Result *domain.TurnResult `json:"result,omitempty"`
	Error  *domain.APIError   `json:"error,omitempty"`
}

// handleWebSocket runs a chat session over one connection. Queries are queued
// and run one at a time in arrival order; resets are applied as soon as they
// are read.
func (s *Server) handleWebSocket(c *gin.Context) {
	session, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ws := &chatConn{
		conn:      conn,
		session:   session,
		logger:    s.logger.WithField("session_id", c.Param("id")),
		requestID: c.GetString(middleware.RequestIDKey),
	}
	ws.serve(c.Request.Context())
}

type chatConn struct {
	conn      *websocket.Conn
	session   *workflow.Orchestrator
	logger    *logrus.Entry
	requestID string

	// resets counts reset messages; queries queued before a reset are dropped.
	resets atomic.Uint64

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

type queuedQuery struct {
	text  string
	epoch uint64
}

func (w *chatConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	queries := make(chan queuedQuery, wsQueueSize)

	w.wg.Add(1)
	go w.runQueries(ctx, queries)
	defer func() {
		close(queries)
		cancel()
		w.wg.Wait()
	}()

	for {
		var msg ClientMessage
		if err := w.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.WithError(err).Warn("WebSocket read failed")
			}
			return
		}

		switch msg.Type {
		case MessageQuery:
			select {
			case queries <- queuedQuery{text: msg.Text, epoch: w.resets.Load()}:
			default:
				w.send(ServerMessage{Type: MessageError, Error: domain.NewAPIError(
					"QUEUE_FULL", "too many pending queries", "", w.requestID)})
			}
		case MessageReset:
			w.resets.Add(1)
			w.session.ResetConversation()
			w.send(ServerMessage{Type: MessageReset})
		default:
			w.sendError(domain.NewValidationError("type", "unknown message type", msg.Type))
		}
	}
}

// runQueries submits queued queries one at a time.
func (w *chatConn) runQueries(ctx context.Context, queries <-chan queuedQuery) {
	defer w.wg.Done()

	for q := range queries {
		if ctx.Err() != nil {
			return
		}
		if q.epoch != w.resets.Load() {
			w.sendError(domain.NewStateResetError())
			continue
		}

		result, err := w.session.SubmitQuery(ctx, q.text)
		if err != nil {
			w.sendError(err)
			continue
		}
		w.send(ServerMessage{Type: MessageResult, Result: result})
	}
}

func (w *chatConn) sendError(err error) {
	_, apiErr := toAPIError(err, w.requestID)
	w.send(ServerMessage{Type: MessageError, Error: apiErr})
}

func (w *chatConn) send(msg ServerMessage) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteJSON(msg); err != nil {
		w.logger.WithError(err).Debug("WebSocket write failed")
	}
}
