package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/sirupsen/logrus"

	"mission-control/pkg/clients"
)

// outboundClient is the shared REST-with-retry transport both the hub
// client and the runtime client build on: failsafe-go retries network
// errors, 500/502/503/504, and 429 up to 3 times (matching the donor relay's
// MAX_RETRIES), pacing a 429 retry by its Retry-After header when present
// and falling back to exponential backoff for everything else, the same
// distinction the donor relay's _post_to_mc makes between a rate-limit
// sleep and its generic retry delay.
type outboundClient struct {
	baseURL    string
	credential string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     *logrus.Logger
}

func newOutboundClient(baseURL, credential string, logger *logrus.Logger) *outboundClient {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 60 * time.Second

	return &outboundClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor:   clients.NewHTTPExecutor(cfg),
		logger:     logger,
	}
}

// send marshals body and POSTs/PUTs it to path, rebuilding the request from
// scratch on every retry attempt so a consumed request body never gets
// replayed empty.
func (c *outboundClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		var bodyReader *bytes.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		} else {
			bodyReader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.credential)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if wait := clients.ParseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			c.logger.WithField("retry_after", wait).Warn("bridge: still rate limited after exhausting retries")
		}
	}
	return resp, nil
}
