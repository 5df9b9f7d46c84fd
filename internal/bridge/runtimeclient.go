package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// RuntimeClient relays inbound hub messages and commands to the external
// agent runtime, and checks its reachability for health reporting.
type RuntimeClient struct {
	out *outboundClient
}

// NewRuntimeClient builds a RuntimeClient authenticated with the runtime's
// own API key.
func NewRuntimeClient(baseURL, apiKey string, logger *logrus.Logger) *RuntimeClient {
	return &RuntimeClient{out: newOutboundClient(baseURL, apiKey, logger)}
}

type chatReply struct {
	Response string `json:"response"`
}

type commandReply struct {
	Output string `json:"output"`
}

// Chat forwards a chat message to the runtime's session identified by
// sessionKey and returns its reply, if any.
func (c *RuntimeClient) Chat(ctx context.Context, sessionKey, senderID, content string) (string, error) {
	resp, err := c.out.send(ctx, http.MethodPost, "/v1/chat", map[string]any{
		"session_key": sessionKey,
		"message":     content,
		"sender":      senderID,
	})
	if err != nil {
		return "", fmt.Errorf("bridge: runtime chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("bridge: runtime chat: unexpected status %d: %s", resp.StatusCode, body)
	}
	var reply chatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", nil
	}
	return reply.Response, nil
}

// Command forwards a slash command invocation to the runtime's session.
func (c *RuntimeClient) Command(ctx context.Context, sessionKey, command, args string) (string, error) {
	resp, err := c.out.send(ctx, http.MethodPost, "/v1/command", map[string]any{
		"session_key": sessionKey,
		"command":     command,
		"args":        args,
	})
	if err != nil {
		return "", fmt.Errorf("bridge: runtime command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("bridge: runtime command: unexpected status %d: %s", resp.StatusCode, body)
	}
	var reply commandReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", nil
	}
	return reply.Output, nil
}

// Healthy checks whether the runtime is reachable.
func (c *RuntimeClient) Healthy(ctx context.Context) bool {
	resp, err := c.out.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
