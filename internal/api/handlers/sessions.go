package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bhandras/relay/internal/api/middleware"
	"github.com/bhandras/relay/internal/session"
	"github.com/bhandras/relay/internal/store"
	"github.com/bhandras/relay/pkg/logger"
	"github.com/bhandras/relay/pkg/types"
	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	manager *session.Manager
	store   store.Store
}

func NewSessionHandler(manager *session.Manager, st store.Store) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		store:   st,
	}
}

// SessionResponse represents a session in API responses
type SessionResponse struct {
	ID        string `json:"id"`
	Operator  string `json:"operator"`
	Ticket    string `json:"ticket,omitempty"`
	Client    string `json:"client,omitempty"`
	Title     string `json:"title,omitempty"`
	Live      bool   `json:"live"`
	Busy      bool   `json:"busy"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// TurnResponse represents one conversation turn in API responses
type TurnResponse struct {
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

func (h *SessionHandler) toSessionResponse(row store.SessionRow) SessionResponse {
	resp := SessionResponse{
		ID:        row.ID,
		Operator:  row.Operator,
		Ticket:    row.Ticket,
		Client:    row.Client,
		Title:     row.Title,
		CreatedAt: row.CreatedAt.Unix(),
		UpdatedAt: row.UpdatedAt.Unix(),
	}
	if live, ok := h.manager.Get(row.ID); ok {
		resp.Live = true
		resp.Busy = live.Busy()
	}
	return resp
}

// ListSessions handles GET /v1/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	operator, _ := middleware.GetOperator(c)

	limit := int64(50)
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.ParseInt(limitStr, 10, 64); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	rows, err := h.store.ListSessions(c.Request.Context(), operator, limit)
	if err != nil {
		logger.Errorf("failed to list sessions for %s: %v", operator, err)
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to list sessions"})
		return
	}

	response := make([]SessionResponse, len(rows))
	for i, row := range rows {
		response[i] = h.toSessionResponse(row)
	}

	c.JSON(http.StatusOK, gin.H{"sessions": response})
}

// GetSession handles GET /v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	operator, _ := middleware.GetOperator(c)
	id := c.Param("id")

	row, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load session"})
		return
	}
	if row.Operator != operator {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return
	}

	turns, err := h.store.ListTurns(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load session history"})
		return
	}

	history := make([]TurnResponse, len(turns))
	for i, t := range turns {
		history[i] = TurnResponse{
			Seq:       t.Seq,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt.Unix(),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"session": h.toSessionResponse(row),
		"turns":   history,
	})
}

// GetSessionMessages handles GET /v1/sessions/:id/messages
func (h *SessionHandler) GetSessionMessages(c *gin.Context) {
	operator, _ := middleware.GetOperator(c)
	id := c.Param("id")

	row, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil || row.Operator != operator {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return
	}

	turns, err := h.store.ListTurns(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load session history"})
		return
	}

	history := make([]TurnResponse, len(turns))
	for i, t := range turns {
		history[i] = TurnResponse{
			Seq:       t.Seq,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt.Unix(),
		}
	}

	c.JSON(http.StatusOK, gin.H{"messages": history})
}

// DeleteSession handles DELETE /v1/sessions/:id
//
// Cancels any in-flight invocation, drops the live session and removes the
// persisted history.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	operator, _ := middleware.GetOperator(c)
	id := c.Param("id")

	row, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load session"})
		return
	}
	if row.Operator != operator {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return
	}

	// Not being live is fine, the persisted row still goes away.
	_ = h.manager.Destroy(id)

	if err := h.store.DeleteSession(c.Request.Context(), id); err != nil {
		logger.Errorf("failed to delete session %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to delete session"})
		return
	}

	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}

// SetTitleRequest represents the request to rename a session
type SetTitleRequest struct {
	Title string `json:"title" binding:"required"`
}

// SetTitle handles POST /v1/sessions/:id/title
func (h *SessionHandler) SetTitle(c *gin.Context) {
	operator, _ := middleware.GetOperator(c)
	id := c.Param("id")

	var req SetTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	row, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil || row.Operator != operator {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return
	}

	if err := h.store.SetSessionTitle(c.Request.Context(), id, req.Title); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to set title"})
		return
	}

	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}
