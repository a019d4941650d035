package types

import (
	"fmt"
	"strings"
)

// ExtractMessageText canonicalizes an inbound message object to plain text.
//
// Callers send either the flat form {"role": ..., "content": "..."} or the
// legacy parts form {"role": ..., "parts": [{"type": "text", "text": "..."}]}.
// When both are present the flat content wins. Multiple text parts are joined
// with newlines.
func ExtractMessageText(message map[string]any) string {
	if message == nil {
		return ""
	}
	if content, ok := message["content"].(string); ok && content != "" {
		return content
	}
	parts, ok := message["parts"].([]any)
	if !ok {
		return ""
	}
	var texts []string
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if kind, ok := part["type"].(string); ok && kind != "" && kind != "text" {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

// AddressableName derives an identifier safe to embed in function names from a
// free-form agent name. Every character outside [A-Za-z0-9_] becomes an
// underscore.
func AddressableName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FormatAgentReply builds the result object returned for message/send and
// tasks/get: the fabric reply envelope wrapping an agent-role message.
func FormatAgentReply(task *Task) map[string]any {
	content := ""
	if task.Reply != nil {
		content = *task.Reply
	}
	result := map[string]any{
		"taskId": task.ID,
		"status": task.State.String(),
		"result": map[string]any{
			"message": map[string]any{
				"role":    "agent",
				"content": content,
			},
		},
	}
	if task.ErrorKind != nil {
		result["errorKind"] = *task.ErrorKind
	}
	return result
}

// PeerHelpMessage renders the message sent to a peer agent when one of its
// namespaced skills is invoked as a function.
func PeerHelpMessage(skill string, args string) string {
	if args == "" || args == "{}" || args == "null" {
		return fmt.Sprintf("Please help with %s.", skill)
	}
	return fmt.Sprintf("Please help with %s. Parameters: %s", skill, args)
}
