package agent

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/etendosoftware/copilot/pkg/protocol"
)

// MIME types by extension for files attached as image parts. Matching is
// case-insensitive.
var imageMIMETypes = map[string]string{
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// ConvertHistory maps platform history entries to chat messages, preserving
// order. USER becomes a user turn, ASSISTANT an assistant turn; anything
// else is carried as a user turn.
func ConvertHistory(history []protocol.HistoryMessage) []protocol.Message {
	messages := make([]protocol.Message, 0, len(history))
	for _, h := range history {
		role := protocol.RoleUser
		switch h.Role {
		case protocol.HistoryRoleUser:
			role = protocol.RoleUser
		case protocol.HistoryRoleAssistant:
			role = protocol.RoleAssistant
		default:
			slog.Warn("Unknown history role, treating as user", "role", h.Role)
		}
		messages = append(messages, protocol.Message{Role: role, Content: h.Content})
	}
	return messages
}

// BuildUserTurn composes the user message for one question. Local files are
// appended as a "LOCAL FILES:" list; image files are additionally attached
// as base64 data-URL parts. Unreadable files stay in the list so the model
// knows they were sent.
func BuildUserTurn(question string, localFiles []string) protocol.Message {
	text := question
	if len(localFiles) > 0 {
		text += "\n\nLOCAL FILES:\n" + strings.Join(localFiles, "\n")
	}

	var parts []protocol.ContentPart
	for _, path := range localFiles {
		mime, ok := imageMIMETypes[strings.ToLower(filepath.Ext(path))]
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Failed to read local image", "path", path, "error", err)
			continue
		}
		parts = append(parts, protocol.ContentPart{
			Type: "image_url",
			ImageURL: &protocol.ImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)),
			},
		})
	}

	if len(parts) == 0 {
		return protocol.Message{Role: protocol.RoleUser, Content: text}
	}

	parts = append([]protocol.ContentPart{{Type: "text", Text: text}}, parts...)
	return protocol.Message{Role: protocol.RoleUser, Parts: parts}
}
