package edgefn

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	sonic "github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"
	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
	"github.com/toolhunt/enrich-scheduler/internal/platform/logging"
	"github.com/toolhunt/enrich-scheduler/internal/platform/resilience"
	"github.com/valyala/bytebufferpool"
)

const (
	maxResponseBytes = 64 << 10
	maxLoggedBody    = 2048

	// noPendingMessage is the edge function's way of saying it woke up with
	// nothing to enrich.
	noPendingMessage = "No pending tools found to process."
)

type ClientConfig struct {
	HTTPClient  *http.Client
	FunctionURL string
	AuthToken   string
	Timeout     time.Duration
	Breaker     resilience.BreakerConfig
}

// Client invokes a Supabase edge function once per work item and classifies
// the result. It never returns an error past its boundary: timeouts,
// connection failures, and non-2xx responses all become outcome values.
type Client struct {
	httpClient     *http.Client
	functionURL    string
	functionHost   string
	token          string
	logger         *logging.Logger
	breaker        *resilience.Breaker
	circuitEnabled bool
}

func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	} else {
		// Copy so defaulting the timeout never mutates the caller's client.
		clone := *httpClient
		httpClient = &clone
	}
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = 45 * time.Second
	}

	breakerCfg := resilience.NormalizeBreakerConfig(cfg.Breaker)
	functionURL := strings.TrimSpace(cfg.FunctionURL)

	return &Client{
		httpClient:     httpClient,
		functionURL:    functionURL,
		functionHost:   hostOf(functionURL),
		token:          strings.TrimSpace(cfg.AuthToken),
		logger:         logger,
		breaker:        resilience.NewBreaker(breakerCfg),
		circuitEnabled: breakerCfg.Enabled,
	}
}

type toolPayload struct {
	RawToolID string `json:"raw_tool_id"`
	HTMLURL   string `json:"html_url"`
}

// functionResponse is the subset of the edge function's reply the scheduler
// interprets. Anything else in the body is logged verbatim.
type functionResponse struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (c *Client) Dispatch(ctx context.Context, item enrichment.WorkItem) enrichment.DispatchOutcome {
	if c.circuitEnabled {
		if err := c.breaker.Allow(); err != nil {
			c.logger.WarnContext(ctx, "edge function circuit breaker rejected request", "state", c.breaker.State())
			return enrichment.TransportError(enrichment.TransportConnectionFailure, "circuit breaker open")
		}
	}

	targetURL := c.functionURL
	if item.TargetURL != "" {
		targetURL = item.TargetURL
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := c.encodeBody(buf, item); err != nil {
		return c.failed(enrichment.TransportError(enrichment.TransportOther, c.sanitize(err.Error())))
	}

	// A started call runs to completion before shutdown is honored, so the
	// request context is detached from cancellation; the client timeout
	// still bounds it.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, targetURL, bytes.NewReader(buf.B))
	if err != nil {
		return c.failed(enrichment.TransportError(enrichment.TransportOther, c.sanitize(err.Error())))
	}
	// The Supabase key is only for the configured function host, never for
	// arbitrary per-item targets.
	if hostOf(targetURL) == c.functionHost {
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("apikey", c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := enrichment.TransportConnectionFailure
		if isTimeout(err) {
			kind = enrichment.TransportTimeout
		}
		return c.failed(enrichment.TransportError(kind, c.sanitize(err.Error())))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return c.failed(enrichment.TransportError(enrichment.TransportConnectionFailure, c.sanitize("read response body: "+readErr.Error())))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome := enrichment.RemoteError(resp.StatusCode, abbreviateBody(raw))
		if isTransientStatus(resp.StatusCode) {
			return c.failed(outcome)
		}
		// The endpoint answered; a non-transient rejection is the caller's
		// problem, not the dependency's health.
		c.recordCircuit(nil)
		return outcome
	}

	c.recordCircuit(nil)

	var decoded functionResponse
	if err := sonic.Unmarshal(raw, &decoded); err != nil {
		c.logger.WarnContext(ctx, "edge function returned non-JSON body",
			"status", resp.StatusCode, "body", abbreviateBody(raw))
		return enrichment.Success(abbreviateBody(raw))
	}

	if decoded.Skipped {
		return enrichment.SkippedByRemote(decoded.Reason)
	}
	if strings.TrimSpace(decoded.Message) == noPendingMessage {
		return enrichment.SkippedByRemote(decoded.Message)
	}

	return enrichment.Success(abbreviateBody(raw))
}

func (c *Client) encodeBody(buf *bytebufferpool.ByteBuffer, item enrichment.WorkItem) error {
	if item.Synthetic() {
		_, err := buf.WriteString("{}")
		return err
	}

	body, err := sonic.Marshal(toolPayload{RawToolID: item.ID, HTMLURL: item.TargetURL})
	if err != nil {
		return crerr.Wrap(err, "marshal dispatch payload")
	}
	_, err = buf.Write(body)
	return err
}

func (c *Client) failed(outcome enrichment.DispatchOutcome) enrichment.DispatchOutcome {
	c.recordCircuit(stderrors.New(outcome.String()))
	return outcome
}

func (c *Client) recordCircuit(err error) {
	if !c.circuitEnabled {
		return
	}
	if err != nil {
		c.breaker.RecordFailure()
		return
	}
	c.breaker.RecordSuccess()
}

// sanitize keeps the auth token out of error text.
func (c *Client) sanitize(text string) string {
	if c.token == "" {
		return text
	}
	return strings.ReplaceAll(text, c.token, "***")
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func hostOf(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed == nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

func abbreviateBody(raw []byte) string {
	body := strings.TrimSpace(string(raw))
	if len(body) <= maxLoggedBody {
		return body
	}
	return body[:maxLoggedBody] + "...(truncated)"
}
