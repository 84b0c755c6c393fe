// Package server exposes the collaboration service over HTTP and websocket
// transports. Both carry the same message union; the handler is a thin
// validation and dispatch layer over the collab service.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ekzhang/rushlight/internal/collab"
)

var errMissingCollabService = errors.New("collab service dependency required")

// Dependencies carries the collaborators for the HTTP handler.
type Dependencies struct {
	Collab *collab.Service
	Logger *zap.Logger
}

// NewHTTPHandler builds the gin router for the collaboration endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Collab == nil {
		return nil, errMissingCollabService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{collab: deps.Collab, logger: logger}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/collab/:id", handler.handleMessage)
	router.GET("/collab/:id/presence", handler.handlePresence)
	router.GET("/collab/:id/ws", handler.handleSocket)

	return router, nil
}

type httpHandler struct {
	collab *collab.Service
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) documentID(c *gin.Context) (collab.DocumentID, bool) {
	docID, err := collab.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return docID, true
}

func (h *httpHandler) handleMessage(c *gin.Context) {
	docID, ok := h.documentID(c)
	if !ok {
		return
	}

	var message collab.Message
	if err := c.ShouldBindJSON(&message); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.collab.Handle(c.Request.Context(), docID, message)
	if err != nil {
		h.writeError(c, docID, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

type presenceEntryPayload struct {
	ClientID  string `json:"clientID"`
	Selection any    `json:"selection"`
	Focused   bool   `json:"focused"`
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	docID, ok := h.documentID(c)
	if !ok {
		return
	}

	records := h.collab.Presences(docID)
	payload := make([]presenceEntryPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, presenceEntryPayload{
			ClientID:  record.ClientID,
			Selection: record.Selection,
			Focused:   record.Focused,
		})
	}
	c.JSON(http.StatusOK, gin.H{"clients": payload})
}

func (h *httpHandler) writeError(c *gin.Context, docID collab.DocumentID, err error) {
	switch {
	case errors.Is(err, collab.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, collab.ErrDesynchronized):
		h.logger.Error("document reconstruction invariant violated",
			zap.String("doc_id", docID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "desynchronized"})
	default:
		h.logger.Error("collab request failed",
			zap.String("doc_id", docID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
