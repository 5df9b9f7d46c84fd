package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mission-control/internal/model"
)

// Reconnect backoff constants, matching the donor sse_listener's.
const (
	reconnectBaseSeconds  = 1.0
	reconnectMaxSeconds   = 60.0
	reconnectMultiplier   = 2.0
)

// SSEClient consumes mission control's event stream with resumable
// cursoring and reconnect-with-backoff, resetting its backoff on every
// clean disconnect the way the donor listener does.
type SSEClient struct {
	baseURL          string
	apiToken         string
	httpClient       *http.Client
	heartbeatTimeout time.Duration
	logger           *logrus.Logger
}

// NewSSEClient builds an SSEClient.
func NewSSEClient(baseURL, apiToken string, heartbeatTimeout time.Duration, logger *logrus.Logger) *SSEClient {
	return &SSEClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiToken:         apiToken,
		httpClient:       &http.Client{},
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
	}
}

// Run connects to orgSlug's event stream starting from cursor and invokes
// onEvent for every decoded frame, reconnecting with exponential backoff
// until ctx is done. Resume position is not tracked here: the caller only
// persists a cursor once it has actually finished handling the event (see
// Bridge.runOutboundWorker), never merely on receipt off the wire.
func (c *SSEClient) Run(ctx context.Context, orgSlug string, cursor int64, onEvent func(model.Event)) {
	backoff := reconnectBaseSeconds
	for ctx.Err() == nil {
		cleanDisconnect, err := c.connectOnce(ctx, orgSlug, cursor, onEvent)
		if ctx.Err() != nil {
			return
		}
		if cleanDisconnect {
			backoff = reconnectBaseSeconds
			continue
		}
		if err != nil {
			c.logger.WithError(err).WithField("org_slug", orgSlug).Warn("bridge: sse connection error, reconnecting")
		}

		select {
		case <-time.After(time.Duration(backoff * float64(time.Second))):
		case <-ctx.Done():
			return
		}
		backoff *= reconnectMultiplier
		if backoff > reconnectMaxSeconds {
			backoff = reconnectMaxSeconds
		}
	}
}

func (c *SSEClient) streamURL(orgSlug string) string {
	return fmt.Sprintf("%s/api/v1/orgs/%s/events/stream", c.baseURL, orgSlug)
}

// connectOnce opens one SSE connection and reads from it until it ends,
// reports whether the end was a clean EOF (as opposed to a read error or
// heartbeat timeout).
func (c *SSEClient) connectOnce(ctx context.Context, orgSlug string, cursor int64, onEvent func(model.Event)) (bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.streamURL(orgSlug), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if cursor > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(cursor, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("bridge: sse stream returned status %d", resp.StatusCode)
	}

	watchdog := time.AfterFunc(c.heartbeatTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string
	for scanner.Scan() {
		watchdog.Reset(c.heartbeatTimeout)
		line := scanner.Text()
		switch {
		case line == "":
			if len(dataLines) > 0 {
				c.dispatch(eventType, strings.Join(dataLines, "\n"), onEvent)
			}
			eventType, dataLines = "", nil
		case strings.HasPrefix(line, ":"):
			// comment/heartbeat line, nothing to decode
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *SSEClient) dispatch(eventType, data string, onEvent func(model.Event)) {
	switch eventType {
	case model.EventTypeReset:
		onEvent(model.Event{Type: model.EventTypeReset})
		return
	case model.EventTypeSessionRevoked:
		onEvent(model.Event{Type: model.EventTypeSessionRevoked})
		return
	}

	var e model.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		c.logger.WithError(err).Warn("bridge: failed to decode sse event data")
		return
	}
	onEvent(e)
}
