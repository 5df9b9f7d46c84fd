package model

import (
	"regexp"
	"strings"
	"time"
)

// SenderKind distinguishes a message's originator for display purposes.
type SenderKind string

const (
	SenderHuman SenderKind = "human"
	SenderAgent SenderKind = "agent"
)

// Message is a chat payload posted to a channel.
type Message struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	ChannelID  string     `json:"channel_id"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	SenderKind SenderKind `json:"sender_kind"`
	Content    string     `json:"content"`
	Mentions   []string   `json:"mentions,omitempty"`
	ClientID   string     `json:"client_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

var mentionPattern = regexp.MustCompile(`@([0-9a-fA-F-]{8,36})`)

// ExtractMentions parses @<uuid> mentions out of message content and unions
// them with any explicit mentions already supplied.
func ExtractMentions(content string, explicit []string) []string {
	seen := make(map[string]struct{}, len(explicit))
	out := make([]string, 0, len(explicit))
	for _, id := range explicit {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		id := match[1]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// SlashCommand reports whether trimmed content is a slash command and, if
// so, splits it into the command token and argument tail.
func SlashCommand(content string) (command, args string, ok bool) {
	trimmed := strings.TrimLeft(content, " \t")
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	rest := strings.TrimPrefix(trimmed, "/")
	parts := strings.SplitN(rest, " ", 2)
	command = parts[0]
	if len(parts) == 2 {
		args = parts[1]
	}
	return command, args, command != ""
}
