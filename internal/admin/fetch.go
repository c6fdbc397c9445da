package admin

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/songzhibin97/proxyrotator/internal/rotator"
	"github.com/songzhibin97/proxyrotator/internal/transport"
	"github.com/songzhibin97/proxyrotator/internal/types"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// fetchRequest describes an outbound request to send through the pool.
type fetchRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url" binding:"required"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	SessionID string            `json:"session_id"`
	Country   string            `json:"country"`
	Region    string            `json:"region"`
	// Timeout bounds the whole dispatch, e.g. "15s".
	Timeout string `json:"timeout"`
}

type fetchResponse struct {
	DispatchID string            `json:"dispatch_id"`
	ProxyID    string            `json:"proxy_id"`
	Attempts   int               `json:"attempts"`
	Tried      []string          `json:"tried"`
	LatencyMs  int64             `json:"latency_ms"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type fetchHandler struct {
	dispatcher *rotator.AsyncRotator
	transport  *transport.Transport
	timeout    time.Duration
	logger     log.Logger
}

// Fetch handles POST /fetch: the request is dispatched through the pool with
// retries and failover, and the upstream answer is returned as JSON.
func (f *fetchHandler) Fetch(c *gin.Context) {
	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "url must be an absolute http or https URL")
		return
	}

	timeout := f.timeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			errorResponse(c, http.StatusBadRequest, "invalid_request", "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	var body []byte
	if req.Body != "" {
		body = []byte(req.Body)
	}
	out, err := transport.NewRequest(req.Method, target.String(), body)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for k, v := range req.Headers {
		out.Header.Set(k, v)
	}

	sel := types.NewSelectionContext()
	sel.SessionID = req.SessionID
	sel.TargetCountry = req.Country
	sel.TargetRegion = req.Region

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	res, err := f.dispatcher.Dispatch(ctx, f.transport.Do(out), sel, rotator.WithMethod(req.Method))
	if err != nil {
		f.writeDispatchError(c, err)
		return
	}

	resp := res.Value.(*transport.Response)
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	c.JSON(http.StatusOK, fetchResponse{
		DispatchID: res.DispatchID,
		ProxyID:    resp.ProxyID,
		Attempts:   res.Attempts,
		Tried:      res.Tried,
		LatencyMs:  res.Latency.Milliseconds(),
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(resp.Body),
	})
}

func (f *fetchHandler) writeDispatchError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "dispatch_failed"
	switch {
	case errors.Is(err, types.ErrPoolEmpty):
		status, code = http.StatusServiceUnavailable, "pool_empty"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		status, code = 499, "canceled"
	case errors.Is(err, types.ErrNonRetryable):
		status, code = http.StatusBadGateway, "upstream_rejected"
	case errors.Is(err, types.ErrFailoverExhausted):
		status, code = http.StatusBadGateway, "failover_exhausted"
	}

	body := gin.H{"error": code, "message": err.Error()}
	var se *types.StatusError
	if errors.As(err, &se) {
		body["upstream_status"] = se.StatusCode
	}
	f.logger.Debug("Fetch failed", log.String("code", code), log.Error(err))
	c.JSON(status, body)
}
