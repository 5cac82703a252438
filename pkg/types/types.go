package types

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewID returns a new globally unique identifier.
func NewID() string {
	return uuid.New().String()
}

var scopedSeq atomic.Uint64

// NewScopedID returns an identifier scoped to a parent id with a timestamp
// component, so ids created for different parents never collide and ids
// created for the same parent sort by creation time. The sequence suffix
// disambiguates ids minted within the same nanosecond.
func NewScopedID(parent string) string {
	return fmt.Sprintf("%s-%d-%d", parent, time.Now().UnixNano(), scopedSeq.Add(1))
}

// Common response envelopes.

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}
