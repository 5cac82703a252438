package handlers

import (
	"errors"
	"net/http"

	"github.com/bhandras/relay/internal/approval"
	"github.com/bhandras/relay/pkg/logger"
	"github.com/bhandras/relay/pkg/types"
	"github.com/gin-gonic/gin"
)

// ApprovalHandler serves the cross-process approval workflow.
type ApprovalHandler struct {
	approvals *approval.Coordinator
}

func NewApprovalHandler(approvals *approval.Coordinator) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals}
}

// CreateApprovalRequest represents the request to open an approval
type CreateApprovalRequest struct {
	SessionID string            `json:"sessionId" binding:"required"`
	Action    string            `json:"action" binding:"required"`
	Details   map[string]string `json:"details"`
}

// CreateApproval handles POST /v1/approvals
func (h *ApprovalHandler) CreateApproval(c *gin.Context) {
	var req CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	id, err := h.approvals.Create(c.Request.Context(), req.SessionID, req.Action, req.Details)
	if err != nil {
		logger.Errorf("failed to create approval for session %s: %v", req.SessionID, err)
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to create approval"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

// GetApproval handles GET /v1/approvals/:id
//
// This is the requester's poll: once a resolved state has been observed the
// record is removed and further polls return 404.
func (h *ApprovalHandler) GetApproval(c *gin.Context) {
	id := c.Param("id")

	req, err := h.approvals.Poll(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "approval not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to poll approval"})
		return
	}

	c.JSON(http.StatusOK, req)
}

// ListApprovals handles GET /v1/approvals?sessionId=
func (h *ApprovalHandler) ListApprovals(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "sessionId is required"})
		return
	}

	pending, err := h.approvals.ListPending(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to list approvals"})
		return
	}
	if pending == nil {
		pending = []approval.Request{}
	}

	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}

// DeleteApproval handles DELETE /v1/approvals/:id
//
// Requesters call this to withdraw their own record after a timeout.
func (h *ApprovalHandler) DeleteApproval(c *gin.Context) {
	id := c.Param("id")

	if err := h.approvals.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "approval not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to delete approval"})
		return
	}

	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}

// RespondRequest represents the human decision on an approval
type RespondRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// RespondApproval handles POST /v1/approvals/:id/respond
func (h *ApprovalHandler) RespondApproval(c *gin.Context) {
	id := c.Param("id")

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.approvals.Respond(c.Request.Context(), id, *req.Approved); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "approval not found or already resolved"})
			return
		}
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to respond to approval"})
		return
	}

	c.JSON(http.StatusOK, types.SuccessResponse{Success: true})
}
