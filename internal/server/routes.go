package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forkchat/internal/encoder"
	"forkchat/internal/observability"
	"forkchat/internal/store"
	"forkchat/protocol"
	"forkchat/sdk/chat"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/chat", s.handleChat)
	s.router.GET("/chat/:id", s.handleGetChat)
	s.router.DELETE("/chat", s.handleDeleteChat)
	s.router.PATCH("/chat/edit", s.handleEdit)

	s.router.POST("/fork", s.handleCreateFork)
	s.router.PATCH("/fork", s.handleUpdateFork)
	s.router.GET("/fork/:id", s.handleGetFork)
}

// handleChat streams one turn as tagged frames. Everything after the
// headers goes through the encoder, which owns the termination
// guarantee; handler errors inside the turn surface as inline frames,
// not as HTTP statuses.
func (s *Server) handleChat(c *gin.Context) {
	var req chat.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed request: " + err.Error()})
		return
	}
	if req.ChatID == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chatId is required"})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	started := time.Now()
	enc := encoder.New(c.Writer, s.runner,
		encoder.WithLogger(s.log.With().Str("chatId", req.ChatID).Logger()),
		encoder.WithPrompt(lastUserContent(req.Messages)),
		encoder.WithEstimator(s.estimate),
		encoder.WithFrameObserver(func(f protocol.Frame) {
			observability.RecordFrame(f.Tag.String())
		}),
		encoder.WithOnFinish(func(e *encoder.Encoder) error {
			return s.persistTurn(&req, e)
		}),
	)

	if err := enc.Run(c.Request.Context(), s.sources(req.Messages)); err != nil {
		// Transport is gone; nothing to send and nothing to persist twice.
		s.log.Warn().Err(err).Str("chatId", req.ChatID).Msg("stream aborted")
	}
	observability.RecordStream(enc.FinishReason(), time.Since(started))
}

// persistTurn saves the submitted transcript plus the turn's messages.
// For fork submissions the fork record is updated instead of the chat.
func (s *Server) persistTurn(req *chat.SubmitRequest, enc *encoder.Encoder) error {
	messages := append(append([]*chat.Message{}, req.Messages...), enc.Messages()...)

	if req.IsFork && req.ForkID != "" {
		fork, err := s.forks.GetFork(req.ForkID)
		if err != nil {
			return err
		}
		fork.Messages = messages
		return s.forks.SaveFork(fork)
	}
	return s.chats.SaveChat(req.ChatID, messages)
}

func (s *Server) handleGetChat(c *gin.Context) {
	rec, err := s.chats.GetChat(c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteChat(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id query parameter is required"})
		return
	}
	if err := s.chats.DeleteChat(id); err != nil {
		s.respondStoreError(c, err)
		return
	}
	if err := s.forks.DeleteForksByChat(id); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleEdit(c *gin.Context) {
	var req chat.EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed request: " + err.Error()})
		return
	}

	if req.IsFork && req.ForkID != "" {
		if err := s.editFork(&req); err != nil {
			s.respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": req.MessageID})
		return
	}

	if err := s.chats.UpdateMessage(req.ChatID, req.MessageID, req.NewContent); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": req.MessageID})
}

// editFork applies the truncating edit to the fork's snapshot.
func (s *Server) editFork(req *chat.EditRequest) error {
	fork, err := s.forks.GetFork(req.ForkID)
	if err != nil {
		return err
	}
	conv := chat.NewConversation(fork.Messages)
	if _, err := chat.DirectEdit(conv, req.MessageID, req.NewContent); err != nil {
		return err
	}
	fork.Messages = conv.Messages()
	return s.forks.SaveFork(fork)
}

func (s *Server) handleCreateFork(c *gin.Context) {
	var fork chat.Fork
	if err := c.ShouldBindJSON(&fork); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed request: " + err.Error()})
		return
	}
	if fork.ID == "" {
		fork.ID = chat.NewID()
	}
	if fork.Status == "" {
		fork.Status = chat.StatusDraft
	}
	if fork.CreatedAt.IsZero() {
		fork.CreatedAt = time.Now()
	}
	if err := s.forks.SaveFork(&fork); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, &fork)
}

func (s *Server) handleUpdateFork(c *gin.Context) {
	var req chat.UpdateForkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed request: " + err.Error()})
		return
	}
	fork, err := s.forks.UpdateForkStatus(req.ID, req.Status)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, fork)
}

func (s *Server) handleGetFork(c *gin.Context) {
	fork, err := s.forks.GetFork(c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, fork)
}

func (s *Server) respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, chat.ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.Error().Err(err).Msg("store operation failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func lastUserContent(messages []*chat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
