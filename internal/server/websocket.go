package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ekzhang/rushlight/internal/collab"
)

var socketUpgrader = websocket.Upgrader{
	// Browser clients connect from arbitrary origins, same as the CORS
	// policy on the POST endpoint.
	CheckOrigin: func(*http.Request) bool { return true },
}

// socketRequest is one correlated request frame: an opaque id chosen by the
// client plus the regular message fields inline.
type socketRequest struct {
	ID string `json:"id"`
	collab.Message
}

// socketResponse echoes the request id with either a payload or an error.
type socketResponse struct {
	ID      string `json:"id"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// handleSocket serves the message union over a persistent websocket. Each
// frame is dispatched on its own goroutine so a long-polling pull never
// stalls pushes arriving on the same connection; writes are serialized.
func (h *httpHandler) handleSocket(c *gin.Context) {
	docID, ok := h.documentID(c)
	if !ok {
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("doc_id", docID.String()), zap.Error(err))
		return
	}

	session := &socketSession{
		handler: h,
		docID:   docID,
		conn:    conn,
	}
	session.run(c.Request.Context())
}

type socketSession struct {
	handler *httpHandler
	docID   collab.DocumentID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *socketSession) run(ctx context.Context) {
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		var request socketRequest
		if err := s.conn.ReadJSON(&request); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.handler.logger.Debug("websocket read ended",
					zap.String("doc_id", s.docID.String()), zap.Error(err))
			}
			return
		}
		if request.ID == "" {
			s.write(socketResponse{Error: "missing_request_id"})
			continue
		}

		inflight.Add(1)
		go func(request socketRequest) {
			defer inflight.Done()
			s.dispatch(ctx, request)
		}(request)
	}
}

func (s *socketSession) dispatch(ctx context.Context, request socketRequest) {
	payload, err := s.handler.collab.Handle(ctx, s.docID, request.Message)
	if err != nil {
		if errors.Is(err, collab.ErrDesynchronized) {
			s.handler.logger.Error("document reconstruction invariant violated",
				zap.String("doc_id", s.docID.String()), zap.Error(err))
		}
		s.write(socketResponse{ID: request.ID, Error: socketErrorCode(err)})
		return
	}
	s.write(socketResponse{ID: request.ID, Payload: payload})
}

func (s *socketSession) write(response socketResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(response); err != nil {
		s.handler.logger.Debug("websocket write failed",
			zap.String("doc_id", s.docID.String()), zap.Error(err))
	}
}

func socketErrorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrInvalidMessage):
		return "invalid_request"
	case errors.Is(err, collab.ErrDesynchronized):
		return "desynchronized"
	default:
		return "internal_error"
	}
}
