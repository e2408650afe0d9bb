package pipeline

import (
	"encoding/json"
	"strings"

	"claudepool/internal/claude"
	"claudepool/internal/config"
)

// renderTranscript flattens the structured request into the single prompt
// the web interface accepts. full=true replays the whole history into a
// fresh conversation; otherwise only the newest turn goes out, the
// upstream conversation already holds the rest.
func renderTranscript(req *claude.MessagesRequest, st config.SettingsValues, full bool) string {
	var b strings.Builder

	if full {
		if sys := systemText(req, st); sys != "" {
			b.WriteString(sys)
		}
	}

	msgs := req.Messages
	if !full && len(msgs) > 0 {
		msgs = msgs[len(msgs)-1:]
	}
	for i := range msgs {
		text := renderMessage(&msgs[i])
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if st.UseRealRoles {
			b.WriteString(roleLabel(msgs[i].Role, st))
			b.WriteString(": ")
		}
		b.WriteString(text)
	}

	// Trailing cue so the model answers as the assistant instead of
	// continuing the transcript.
	if full && st.UseRealRoles {
		b.WriteString("\n\n")
		b.WriteString(st.AssistantName)
		b.WriteString(":")
	}
	return b.String()
}

func roleLabel(role string, st config.SettingsValues) string {
	if role == claude.RoleAssistant {
		return st.AssistantName
	}
	return st.HumanName
}

// systemText assembles the system prompt: client text, tool definitions,
// then padding.
func systemText(req *claude.MessagesRequest, st config.SettingsValues) string {
	var parts []string
	if t := req.System.Text(); t != "" {
		parts = append(parts, t)
	}
	if len(req.Tools) > 0 {
		parts = append(parts, toolPreamble(req.Tools))
	}
	if st.PadTxtLength > 0 {
		parts = append(parts, padding(st.PadTxtLength))
	}
	return strings.Join(parts, "\n\n")
}

// toolPreamble teaches the model the fenced calling convention the tool
// stage recognizes on the way back.
func toolPreamble(tools []claude.Tool) string {
	defs, err := json.Marshal(tools)
	if err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("You have access to the following tools, defined as JSON schemas:\n\n```json\n")
	b.Write(defs)
	b.WriteString("\n```\n\nTo call a tool, reply with exactly one fenced block of the form:\n\n")
	b.WriteString(toolFenceOpen)
	b.WriteString("\n{\"name\": \"<tool name>\", \"input\": {<arguments>}}\n")
	b.WriteString(toolFenceClose)
	b.WriteString("\n\nand nothing after it. The tool result arrives in the next message.")
	return b.String()
}

// padding emits filler text of roughly the configured length. Some prompt
// setups rely on a padded system prompt to push the conversation past the
// web interface's own injections.
func padding(n int) string {
	const filler = "lorem ipsum dolor sit amet consectetur adipiscing elit "
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(filler)
	}
	out := b.String()[:n]
	if i := strings.LastIndexByte(out, ' '); i > 0 {
		out = out[:i]
	}
	return out
}

// renderMessage flattens one turn's blocks into text.
func renderMessage(m *claude.Message) string {
	var parts []string
	for i := range m.Content {
		blk := &m.Content[i]
		switch blk.Type {
		case claude.BlockText:
			if blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		case claude.BlockToolUse:
			// Assistant echo of an earlier call, replayed in the same
			// fenced form the model produced it in.
			call, err := json.Marshal(struct {
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			}{blk.Name, blk.Input})
			if err == nil {
				parts = append(parts, toolFenceOpen+"\n"+string(call)+"\n"+toolFenceClose)
			}
		case claude.BlockToolResult:
			parts = append(parts, "Tool result: "+blk.ToolResultText())
		case claude.BlockImage:
			if blk.Source != nil && blk.Source.Type == "url" {
				parts = append(parts, blk.Source.URL)
			}
			// base64 and file sources ride along as uploads
		}
	}
	return strings.Join(parts, "\n\n")
}
