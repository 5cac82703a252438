package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bhandras/relay/internal/agent"
	"github.com/bhandras/relay/internal/api/middleware"
	"github.com/bhandras/relay/internal/approval"
	"github.com/bhandras/relay/internal/response"
	"github.com/bhandras/relay/internal/session"
	"github.com/bhandras/relay/pkg/logger"
	"github.com/bhandras/relay/pkg/types"
	"github.com/gin-gonic/gin"
)

// ChatHandler serves the message-send and response-poll surface.
type ChatHandler struct {
	manager   *session.Manager
	responses *response.Registry
	approvals *approval.Coordinator
}

func NewChatHandler(manager *session.Manager, responses *response.Registry, approvals *approval.Coordinator) *ChatHandler {
	return &ChatHandler{
		manager:   manager,
		responses: responses,
		approvals: approvals,
	}
}

// SendMessageRequest represents the request to send a chat message
type SendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message" binding:"required"`
	Ticket    string `json:"ticket"`
	Client    string `json:"client"`
}

// SendMessageResponse carries the ids needed to poll for the reply
type SendMessageResponse struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
}

// SendMessage handles POST /v1/chat
//
// An empty sessionId starts a fresh session; otherwise the message continues
// the referenced session, resuming it from the store if it was swept.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	operator, _ := middleware.GetOperator(c)

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	var (
		sess *session.Session
		err  error
	)
	if req.SessionID == "" {
		sess, err = h.manager.Create(c.Request.Context(), operator, map[string]string{
			"ticket": req.Ticket,
			"client": req.Client,
		})
		if err != nil {
			logger.Errorf("failed to create session: %v", err)
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to create session"})
			return
		}
	} else {
		sess, err = h.manager.GetOrCreate(c.Request.Context(), req.SessionID)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
				return
			}
			logger.Errorf("failed to resume session %s: %v", req.SessionID, err)
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to resume session"})
			return
		}
		if sess.Operator() != operator {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
			return
		}
	}

	responseID, err := sess.SendMessage(c.Request.Context(), req.Message, h.responses)
	if errors.Is(err, session.ErrSessionRetired) {
		// The idle sweep retired this instance between lookup and send.
		// Resume a fresh one from the store and retry once.
		sess, err = h.manager.GetOrCreate(c.Request.Context(), sess.ID())
		if err == nil {
			responseID, err = sess.SendMessage(c.Request.Context(), req.Message, h.responses)
		}
	}
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
			return
		}
		if errors.Is(err, session.ErrSessionBusy) {
			c.JSON(http.StatusConflict, types.ErrorResponse{Error: "a turn is already in flight for this session"})
			return
		}
		logger.Errorf("failed to send message on session %s: %v", sess.ID(), err)
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to send message"})
		return
	}

	c.JSON(http.StatusOK, SendMessageResponse{
		SessionID:  sess.ID(),
		ResponseID: responseID,
	})
}

// PollResponseResult is one page of a response channel
type PollResponseResult struct {
	Updates []agent.Update `json:"updates"`
	Offset  int            `json:"offset"`
	Done    bool           `json:"done"`
	Error   string         `json:"error,omitempty"`
}

// PollResponse handles GET /v1/chat/responses/:id
//
// Pending approval requests for the owning session are injected into the
// update list on every poll until they resolve.
func (h *ChatHandler) PollResponse(c *gin.Context) {
	id := c.Param("id")

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid offset"})
			return
		}
		offset = n
	}

	// Capture the owning session before the read: a fully drained channel is
	// removed by Read itself.
	sessionID, _ := h.responses.SessionID(id)

	poll, err := h.responses.Read(id, offset)
	if err != nil {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "response not found"})
		return
	}

	result := PollResponseResult{
		Updates: poll.Updates,
		Offset:  poll.Offset,
		Done:    poll.Done,
		Error:   poll.Err,
	}
	if result.Updates == nil {
		result.Updates = []agent.Update{}
	}

	if sessionID != "" && !poll.Done {
		pending, err := h.approvals.ListPending(c.Request.Context(), sessionID)
		if err != nil {
			logger.Warnf("failed to list pending approvals for session %s: %v", sessionID, err)
		}
		for _, req := range pending {
			result.Updates = append(result.Updates, agent.Update{
				Kind:       agent.UpdateApprovalRequest,
				ApprovalID: req.ID,
				Action:     req.Action,
				Details:    req.Details,
			})
		}
	}

	c.JSON(http.StatusOK, result)
}

// StopResponse handles POST /v1/chat/responses/:id/stop
func (h *ChatHandler) StopResponse(c *gin.Context) {
	id := c.Param("id")

	sessionID, ok := h.responses.SessionID(id)
	if !ok {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "response not found"})
		return
	}

	sess, ok := h.manager.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "session not found"})
		return
	}

	stopped := sess.Stop()
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}
