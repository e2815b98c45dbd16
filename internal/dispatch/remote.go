package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultInvokeTimeout bounds one A2A invocation.
const DefaultInvokeTimeout = 30 * time.Second

// RemoteClient invokes remote agents over the A2A HTTP contract. The caller's
// verified bearer goes to the one targeted agent and nowhere else.
type RemoteClient struct {
	cache   *CardCache
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewRemoteClient creates a RemoteClient. Zero timeout means
// DefaultInvokeTimeout.
func NewRemoteClient(cache *CardCache, timeout time.Duration, logger *zap.Logger) *RemoteClient {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &RemoteClient{
		cache:   cache,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Invoker returns the Invoker for a remote agent addressed by its card URL.
func (rc *RemoteClient) Invoker(name, cardURL string) Invoker {
	return &remoteInvoker{client: rc, name: name, cardURL: cardURL}
}

type remoteInvoker struct {
	client  *RemoteClient
	name    string
	cardURL string
}

func (ri *remoteInvoker) Name() string { return ri.name }

type invokeRequest struct {
	Query         string `json:"query"`
	CorrelationID string `json:"correlation_id"`
}

type invokeResponse struct {
	Response string `json:"response"`
}

// Invoke resolves the agent's card, POSTs the sub-query to its invocation
// endpoint, and reports the outcome. All failure modes come back as a failed
// Result; the orchestrator treats individual dispatch failures as non-fatal.
func (ri *remoteInvoker) Invoke(ctx context.Context, subQuery, bearer, correlationID string) Result {
	start := time.Now()
	fail := func(msg string) Result {
		return Result{
			DurationMS:   time.Since(start).Milliseconds(),
			Success:      false,
			ErrorMessage: msg,
		}
	}

	card, err := ri.client.cache.Resolve(ctx, ri.cardURL)
	if err != nil {
		ri.client.logger.Warn("agent card resolution failed",
			zap.String("agent", ri.name),
			zap.Error(err))
		return fail(classify(ctx, err))
	}

	body, err := json.Marshal(invokeRequest{Query: subQuery, CorrelationID: correlationID})
	if err != nil {
		return fail("internal error")
	}

	callCtx, cancel := context.WithTimeout(ctx, ri.client.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, card.Endpoints.Invoke, bytes.NewReader(body))
	if err != nil {
		return fail("internal error")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := ri.client.client.Do(req)
	if err != nil {
		return fail(classify(ctx, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fail(classify(ctx, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ri.client.logger.Warn("agent invocation returned error status",
			zap.String("agent", ri.name),
			zap.Int("status", resp.StatusCode))
		return fail("agent error")
	}

	text := string(data)
	var parsed invokeResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Response != "" {
		text = parsed.Response
	}

	return Result{
		Response:   strings.TrimSpace(text),
		DurationMS: time.Since(start).Milliseconds(),
		Success:    true,
	}
}

// classify maps a transport error to a short caller-safe message. Raw error
// strings can carry internal URLs, so they never leave this package.
func classify(ctx context.Context, err error) string {
	switch {
	case ctx.Err() == context.Canceled, errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "agent unreachable"
}
