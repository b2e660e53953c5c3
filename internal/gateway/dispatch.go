package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aegis-fin/aegis/pkg/models"
)

// Invoker sends one invocation to a resolved endpoint. The HTTP invoker is
// the default binding; tests substitute spies and fault injectors.
type Invoker interface {
	Invoke(ctx context.Context, ep models.ServiceEndpoint, req *models.InvokeRequest) (*models.InvokeResponse, error)
}

// HTTPInvoker realizes the invoke contract over HTTP: POST /invoke with the
// JSON request body, JSON response back. The per-invocation deadline rides
// on the context; the client itself carries no timeout so the gateway's
// policy is the only one in play.
type HTTPInvoker struct {
	Client *http.Client
}

// NewHTTPInvoker builds the default invoker.
func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{Client: &http.Client{}}
}

// Invoke performs the call. Transport-level failures come back as errors;
// an application-level failure is a decoded response with Status "error".
func (inv *HTTPInvoker) Invoke(ctx context.Context, ep models.ServiceEndpoint, req *models.InvokeRequest) (*models.InvokeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Address+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-Id", req.CorrelationID)

	resp, err := inv.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invoke response: %w", err)
	}

	var out models.InvokeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode invoke response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out.Status == "" {
		if resp.StatusCode >= 400 {
			out.Status = "error"
			out.Error = fmt.Sprintf("HTTP %d from %s", resp.StatusCode, ep.Address)
		} else {
			out.Status = "ok"
			out.Output = respBody
		}
	}
	return &out, nil
}

// isTimeout classifies a dispatch error as a deadline expiry, which is the
// only failure class eligible for retry.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// deadlineMs converts the remaining context budget to the wire field so the
// tool service can bound its own work.
func deadlineMs(ctx context.Context) int64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	left := time.Until(dl)
	if left <= 0 {
		return 0
	}
	return left.Milliseconds()
}
