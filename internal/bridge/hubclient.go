package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// HubClient posts messages back into mission control on behalf of the
// external agent runtime this bridge relays for.
type HubClient struct {
	out *outboundClient
}

// NewHubClient builds a HubClient authenticated with the bridge's own
// bearer credential.
func NewHubClient(baseURL, apiToken string, logger *logrus.Logger) *HubClient {
	return &HubClient{out: newOutboundClient(baseURL, apiToken, logger)}
}

// PostMessage posts a chat message to channelID as senderID/senderName.
func (c *HubClient) PostMessage(ctx context.Context, channelID, content, senderID, senderName string) error {
	resp, err := c.out.send(ctx, http.MethodPost, "/api/v1/channels/"+channelID+"/messages", map[string]any{
		"content":     content,
		"sender_id":   senderID,
		"sender_name": senderName,
	})
	if err != nil {
		return fmt.Errorf("bridge: post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("bridge: post message: unexpected status %d: %s", resp.StatusCode, body)
	}
	return nil
}
