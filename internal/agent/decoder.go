package agent

import (
	"encoding/json"
	"strings"

	"github.com/bhandras/relay/pkg/logger"
)

// stopReasonToolUse marks a message pause for tool execution rather than a
// real end of turn.
const stopReasonToolUse = "tool_use"

// streamRecord is the envelope for one line of agent stream-json output.
//
// Unknown fields are ignored so new record types never break decoding.
type streamRecord struct {
	Type string `json:"type"`

	// Event is the inner record when Type == "stream_event".
	Event json.RawMessage `json:"event"`

	// Delta is present on content_block_delta and message_delta records.
	Delta *recordDelta `json:"delta"`

	// ContentBlock is present on content_block_start records.
	ContentBlock *contentBlock `json:"content_block"`

	// Approval-request fields (application-level record raised by tools).
	ApprovalID string            `json:"approval_id"`
	Action     string            `json:"action"`
	Details    map[string]string `json:"details"`
}

type recordDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Decoder turns raw agent output lines into normalized Updates.
//
// Each Decode call is independent except for the remembered stop reason, which
// decides whether a message_stop record really ends the turn or merely pauses
// for tool execution.
type Decoder struct {
	lastStopReason string
}

// NewDecoder returns a decoder for one invocation's output stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses one raw output line.
//
// It returns zero or more Updates and whether the stream has terminally ended.
// Decode never fails: a line that is not valid JSON degrades to a LiveStatus
// update, and unknown record types are consumed silently.
func (d *Decoder) Decode(line string) (updates []Update, terminal bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	var rec streamRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		// Not JSON; likely stderr noise or raw tool output.
		return []Update{LiveStatus(line)}, false
	}

	// Unwrap at most one level of stream_event envelope.
	if rec.Type == "stream_event" && len(rec.Event) > 0 {
		var inner streamRecord
		if err := json.Unmarshal(rec.Event, &inner); err != nil {
			logger.Debugf("decoder: bad stream_event payload: %v", err)
			return nil, false
		}
		rec = inner
	}

	switch rec.Type {
	case "content_block_delta":
		if rec.Delta == nil {
			return nil, false
		}
		if rec.Delta.StopReason != "" {
			d.lastStopReason = rec.Delta.StopReason
		}
		if rec.Delta.Type == "text_delta" && rec.Delta.Text != "" {
			return []Update{TextDelta(rec.Delta.Text)}, false
		}
		return nil, false

	case "content_block_start":
		if rec.ContentBlock == nil || rec.ContentBlock.Type != "tool_use" {
			return nil, false
		}
		name := rec.ContentBlock.Name
		if name == "" {
			name = "unknown"
		}
		// For the shell tool, the input description reads better than the name.
		if name == "Bash" {
			if desc, ok := rec.ContentBlock.Input["description"].(string); ok && desc != "" {
				name = "Bash: " + desc
			}
		}
		return []Update{ToolInvocation(name)}, false

	case "message_delta":
		if rec.Delta != nil && rec.Delta.StopReason != "" {
			d.lastStopReason = rec.Delta.StopReason
		}
		return nil, false

	case "message_stop":
		// When the message paused for tool execution, tool output still needs
		// to stream through on subsequent lines. Do not terminate here.
		if d.lastStopReason == stopReasonToolUse {
			return nil, false
		}
		return []Update{Completion()}, true

	case "result":
		return []Update{Completion()}, true

	case "approval_request":
		if rec.ApprovalID == "" {
			return nil, false
		}
		return []Update{{
			Kind:       UpdateApprovalRequest,
			ApprovalID: rec.ApprovalID,
			Action:     rec.Action,
			Details:    rec.Details,
		}}, false

	case "system":
		return []Update{LiveStatus("Initializing agent...")}, false

	case "message_start":
		return []Update{LiveStatus("Assistant is responding...")}, false

	case "user", "assistant", "content_block_stop":
		// Echoed turns and block boundaries carry nothing the caller needs.
		return nil, false

	default:
		logger.Debugf("decoder: ignoring unknown record type %q", rec.Type)
		return nil, false
	}
}
