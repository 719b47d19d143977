package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/config"
	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/models"
	"github.com/ashstack/ash/internal/session"
	"github.com/ashstack/ash/internal/sse"
)

type SessionHandlers struct {
	cfg      *config.Config
	sessions *session.Manager
	log      *logger.Logger
}

func NewSessionHandlers(cfg *config.Config, mgr *session.Manager, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		cfg:      cfg,
		sessions: mgr,
		log:      log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterSessionRoutes(router *gin.Engine, cfg *config.Config, mgr *session.Manager, log *logger.Logger) {
	h := NewSessionHandlers(cfg, mgr, log)
	api := router.Group("/api")
	api.POST("/sessions", h.create)
	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.POST("/sessions/:id/messages", h.send)
	api.GET("/sessions/:id/messages", h.messages)
	api.GET("/sessions/:id/events", h.events)
	api.POST("/sessions/:id/pause", h.pause)
	api.POST("/sessions/:id/resume", h.resume)
	api.POST("/sessions/:id/interrupt", h.interrupt)
	api.DELETE("/sessions/:id", h.end)
}

type createSessionRequest struct {
	Agent string `json:"agent" binding:"required"`
}

func (h *SessionHandlers) create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "agent is required")
		return
	}
	sess, err := h.sessions.Create(c.Request.Context(), tenantOf(c, h.cfg), req.Agent)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandlers) list(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context(), tenantOf(c, h.cfg), c.Query("agent"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *SessionHandlers) get(c *gin.Context) {
	sess, err := h.load(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// send runs one turn and streams its events back as SSE. The stream opens on
// the first bridge event, so failures before the turn starts still produce a
// plain JSON error with a meaningful status.
func (h *SessionHandlers) send(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "content is required")
		return
	}
	if _, err := h.load(c); err != nil {
		respondError(c, h.log, err)
		return
	}

	sink := &turnStream{w: c.Writer, timeout: h.cfg.SSE.WriteTimeout()}
	if err := h.sessions.Send(c.Request.Context(), c.Param("id"), req.Content, sink); err != nil {
		respondError(c, h.log, err)
		return
	}
	sink.close()
}

func (h *SessionHandlers) messages(c *gin.Context) {
	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	msgs, err := h.sessions.Messages(c.Request.Context(), tenantOf(c, h.cfg), c.Param("id"), after, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *SessionHandlers) events(c *gin.Context) {
	evs, err := h.sessions.Events(c.Request.Context(), tenantOf(c, h.cfg), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (h *SessionHandlers) pause(c *gin.Context) {
	sess, err := h.load(c)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if err := h.sessions.Pause(c.Request.Context(), sess.ID); err != nil {
		respondError(c, h.log, err)
		return
	}
	sess, err = h.sessions.Get(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) resume(c *gin.Context) {
	if _, err := h.load(c); err != nil {
		respondError(c, h.log, err)
		return
	}
	sess, err := h.sessions.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) interrupt(c *gin.Context) {
	if _, err := h.load(c); err != nil {
		respondError(c, h.log, err)
		return
	}
	if err := h.sessions.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

func (h *SessionHandlers) end(c *gin.Context) {
	if _, err := h.load(c); err != nil {
		respondError(c, h.log, err)
		return
	}
	if err := h.sessions.End(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// load fetches the session and enforces tenant scoping: a session owned by
// another tenant is indistinguishable from a missing one.
func (h *SessionHandlers) load(c *gin.Context) (*models.Session, error) {
	id := c.Param("id")
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.Tenant != tenantOf(c, h.cfg) {
		return nil, apperrors.NotFound("session", id)
	}
	return sess, nil
}

// turnStream adapts the SSE writer to the session manager's event sink. The
// writer, and with it the response headers, is created lazily on the first
// frame.
type turnStream struct {
	w       http.ResponseWriter
	timeout time.Duration
	sw      *sse.Writer
}

func (s *turnStream) writer() *sse.Writer {
	if s.sw == nil {
		s.sw = sse.NewWriter(s.w, s.timeout)
	}
	return s.sw
}

func (s *turnStream) Message(payload json.RawMessage) error { return s.writer().Message(payload) }

func (s *turnStream) Error(message string) error { return s.writer().Error(message) }

func (s *turnStream) Done(sessionID string) error { return s.writer().Done(sessionID) }

// close flushes and ends the stream. Creating the writer here keeps a turn
// that produced no frames a valid, empty SSE response.
func (s *turnStream) close() {
	s.writer().Close()
}
