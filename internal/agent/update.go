package agent

// UpdateKind identifies the variant of a decoded Update.
type UpdateKind string

const (
	// UpdateTextDelta carries an incremental piece of assistant text.
	UpdateTextDelta UpdateKind = "text-delta"
	// UpdateToolInvocation signals that the agent started a tool call.
	UpdateToolInvocation UpdateKind = "tool-invocation"
	// UpdateLiveStatus carries a transient informational line.
	UpdateLiveStatus UpdateKind = "live-status"
	// UpdateApprovalRequest surfaces a pending approval raised by a tool.
	UpdateApprovalRequest UpdateKind = "approval-request"
	// UpdateCompletion marks the normal end of a turn.
	UpdateCompletion UpdateKind = "completion"
	// UpdateError marks the abnormal end of a turn.
	UpdateError UpdateKind = "error"
)

// Update is a normalized event decoded from raw agent output.
//
// Updates are immutable once emitted; only the fields relevant to Kind are set.
type Update struct {
	Kind UpdateKind `json:"kind"`
	// Text holds delta text, live status lines and error messages.
	Text string `json:"text,omitempty"`
	// Tool is the tool display name for tool-invocation updates.
	Tool string `json:"tool,omitempty"`
	// ApprovalID, Action and Details describe an approval-request update.
	ApprovalID string            `json:"approvalId,omitempty"`
	Action     string            `json:"action,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// TextDelta returns a text-delta update.
func TextDelta(text string) Update {
	return Update{Kind: UpdateTextDelta, Text: text}
}

// ToolInvocation returns a tool-invocation update.
func ToolInvocation(name string) Update {
	return Update{Kind: UpdateToolInvocation, Tool: name}
}

// LiveStatus returns a live-status update.
func LiveStatus(text string) Update {
	return Update{Kind: UpdateLiveStatus, Text: text}
}

// Completion returns a completion update.
func Completion() Update {
	return Update{Kind: UpdateCompletion}
}

// ErrorUpdate returns an error update with the given message.
func ErrorUpdate(message string) Update {
	return Update{Kind: UpdateError, Text: message}
}
