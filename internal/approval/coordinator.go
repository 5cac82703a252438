package approval

import (
	"context"
	"time"

	"github.com/bhandras/relay/internal/metrics"
	"github.com/bhandras/relay/pkg/logger"
)

// awaitPollInterval is the cadence of the requester-side decision poll.
const awaitPollInterval = time.Second

// waiter is an optional RequestChannel extension for channels that can block
// on a decision more efficiently than polling.
type waiter interface {
	Wait(ctx context.Context, id string, timeout time.Duration) (Request, error)
}

// Coordinator exposes the approval workflow over a RequestChannel.
type Coordinator struct {
	channel RequestChannel
	timeout time.Duration
}

// NewCoordinator creates a coordinator with the given requester-side timeout.
func NewCoordinator(channel RequestChannel, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Coordinator{channel: channel, timeout: timeout}
}

// Create registers a pending approval request for a session.
func (c *Coordinator) Create(ctx context.Context, sessionID, action string, details map[string]string) (string, error) {
	id, err := c.channel.Create(ctx, sessionID, action, details)
	if err != nil {
		return "", err
	}
	metrics.ApprovalsCreated.Inc()
	logger.Infof("approval: request %s created (session=%s, action=%q)", id, sessionID, action)
	return id, nil
}

// Poll returns the request's current state; resolved records are removed on
// observation.
func (c *Coordinator) Poll(ctx context.Context, id string) (Request, error) {
	return c.channel.Poll(ctx, id)
}

// ListPending returns the pending requests for a session.
func (c *Coordinator) ListPending(ctx context.Context, sessionID string) ([]Request, error) {
	return c.channel.ListPending(ctx, sessionID)
}

// Respond resolves a pending request with the human's decision.
func (c *Coordinator) Respond(ctx context.Context, id string, approved bool) error {
	if err := c.channel.Respond(ctx, id, approved); err != nil {
		return err
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	metrics.ApprovalsResolved.WithLabelValues(decision).Inc()
	logger.Infof("approval: request %s %s", id, decision)
	return nil
}

// Delete withdraws a request regardless of its state.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	return c.channel.Delete(ctx, id)
}

// Await blocks until the request is resolved or the timeout elapses.
//
// Timeout is treated as denial: the requester cleans up its own record and
// proceeds as if the human had said no.
func (c *Coordinator) Await(ctx context.Context, id string) (bool, error) {
	if w, ok := c.channel.(waiter); ok {
		req, err := w.Wait(ctx, id, c.timeout)
		if err == nil {
			return req.Status == StatusApproved, nil
		}
		if err != context.DeadlineExceeded {
			return false, err
		}
	} else {
		deadline := time.Now().Add(c.timeout)
		ticker := time.NewTicker(awaitPollInterval)
		defer ticker.Stop()

		for time.Now().Before(deadline) {
			req, err := c.channel.Poll(ctx, id)
			if err != nil {
				return false, err
			}
			if req.Status != StatusPending {
				return req.Status == StatusApproved, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	metrics.ApprovalsResolved.WithLabelValues("timeout").Inc()
	logger.Warnf("approval: request %s timed out after %s, treating as denial", id, c.timeout)
	if err := c.channel.Delete(ctx, id); err != nil && err != ErrNotFound {
		logger.Warnf("approval: failed to clean up timed-out request %s: %v", id, err)
	}
	return false, nil
}
