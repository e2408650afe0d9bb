package pipeline

import (
	"strings"

	"claudepool/internal/claude"
	"claudepool/internal/toolcall"
)

// probeReply answers client connectivity probes without spending an
// account: clients commonly verify a proxy with a minimal one-token call.
const probeReply = "Hi! How can I help you today?"

// isProbe recognizes the conventional connectivity check: a single user
// turn saying "Hi" with a one-token budget.
func isProbe(req *claude.MessagesRequest) bool {
	if req.MaxTokens == nil || *req.MaxTokens != 1 {
		return false
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != claude.RoleUser {
		return false
	}
	var text strings.Builder
	for _, blk := range req.Messages[0].Content {
		if blk.Type != claude.BlockText {
			return false
		}
		text.WriteString(blk.Text)
	}
	return strings.TrimSpace(text.String()) == "Hi"
}

// shortCircuit produces the canned event list for requests that never
// reach an upstream.
func (e *Engine) shortCircuit(rc *request) ([]claude.Event, bool) {
	if isProbe(rc.req) {
		return syntheticMessage(rc.req.Model, probeReply, claude.StopEndTurn), true
	}
	if rc.req.MaxTokens != nil && *rc.req.MaxTokens == 0 {
		return syntheticMessage(rc.req.Model, "", claude.StopMaxTokens), true
	}
	return nil, false
}

// resolveToolResult pins the request to the conversation a pending
// synthetic tool call came from. Only ids the tracker knows are consumed;
// everything else is a native tool_result and flows to the official API
// untouched.
func (e *Engine) resolveToolResult(rc *request) error {
	last := rc.req.LastMessage()
	if last == nil || last.Role != claude.RoleUser {
		return nil
	}
	for i := range last.Content {
		blk := &last.Content[i]
		if blk.Type != claude.BlockToolResult {
			continue
		}
		if !strings.HasPrefix(blk.ToolUseID, toolcall.IDPrefix) || !e.Tracker.Peek(blk.ToolUseID) {
			continue
		}
		p, err := e.Tracker.Resolve(blk.ToolUseID)
		if err != nil {
			return err
		}
		rc.pinnedAccount = p.AccountID
		rc.pinnedConv = p.ConversationUUID
		return nil
	}
	return nil
}
