package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/songzhibin97/proxyrotator/internal/health"
	"github.com/songzhibin97/proxyrotator/internal/rotator"
	"github.com/songzhibin97/proxyrotator/internal/source"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	"github.com/songzhibin97/proxyrotator/internal/types"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

const (
	defaultHours = 24
	maxHours     = 24 * 7
)

// Handler serves the admin API.
type Handler struct {
	rotator        *rotator.Rotator
	registry       *strategy.Registry
	strategyConfig func() *strategy.Config
	syncer         *source.Syncer
	checker        *health.Checker
	logger         log.Logger
}

// RegisterRoutes registers admin routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.GetHealth)

	stats := router.Group("/stats")
	{
		stats.GET("/summary", h.GetSummary)
		stats.GET("/timeseries", h.GetTimeseries)
		stats.GET("/proxies", h.GetProxyStats)
	}

	proxies := router.Group("/proxies")
	{
		proxies.GET("", h.ListProxies)
		proxies.GET("/:id", h.GetProxy)
		proxies.PUT("/:id/health", h.SetProxyHealth)
		proxies.DELETE("/:id", h.RemoveProxy)
	}

	breakers := router.Group("/breakers")
	{
		breakers.GET("", h.ListBreakers)
		breakers.POST("/reset", h.ResetBreakers)
		breakers.POST("/:id/reset", h.ResetBreaker)
	}

	router.GET("/strategy", h.GetStrategy)
	router.PUT("/strategy", h.SetStrategy)
	router.GET("/ratelimit", h.GetRateLimit)
	router.GET("/ratelimit/:id", h.GetQuota)
	router.POST("/sync", h.Sync)

	checks := router.Group("/checks")
	{
		checks.GET("", h.ListChecks)
		checks.POST("/run", h.RunChecks)
		checks.POST("/:id/run", h.RunCheck)
	}
}

func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}

// GetHealth handles GET /health
func (h *Handler) GetHealth(c *gin.Context) {
	pool := h.rotator.Pool()
	healthy := len(pool.Healthy())
	status, code := "healthy", http.StatusOK
	if healthy == 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":          status,
		"pool":            pool.Name(),
		"proxies":         pool.Size(),
		"healthy_proxies": healthy,
		"strategy":        h.rotator.Strategy().Name(),
	})
}

func (h *Handler) requireMetrics(c *gin.Context) bool {
	if h.rotator.Metrics() == nil {
		errorResponse(c, http.StatusNotFound, "metrics_disabled", "retry metrics are not enabled")
		return false
	}
	return true
}

func parseHours(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("hours", strconv.Itoa(defaultHours))
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 || hours > maxHours {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "hours must be an integer between 1 and "+strconv.Itoa(maxHours))
		return 0, false
	}
	return hours, true
}

// GetSummary handles GET /stats/summary
func (h *Handler) GetSummary(c *gin.Context) {
	if !h.requireMetrics(c) {
		return
	}
	c.JSON(http.StatusOK, h.rotator.Metrics().Summary())
}

// GetTimeseries handles GET /stats/timeseries?hours=N
func (h *Handler) GetTimeseries(c *gin.Context) {
	if !h.requireMetrics(c) {
		return
	}
	hours, ok := parseHours(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hours":  hours,
		"points": h.rotator.Metrics().Timeseries(hours),
	})
}

// GetProxyStats handles GET /stats/proxies?hours=N
func (h *Handler) GetProxyStats(c *gin.Context) {
	if !h.requireMetrics(c) {
		return
	}
	hours, ok := parseHours(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hours":   hours,
		"proxies": h.rotator.Metrics().ByProxy(hours),
	})
}

type proxyView struct {
	types.ProxyStats
	Circuit string `json:"circuit"`
}

func (h *Handler) view(p *types.Proxy) proxyView {
	v := proxyView{ProxyStats: p.Stats(), Circuit: "CLOSED"}
	if b, ok := h.rotator.Breakers().Lookup(p.ID); ok {
		v.Circuit = b.State().String()
	}
	return v
}

// ListProxies handles GET /proxies
func (h *Handler) ListProxies(c *gin.Context) {
	all := h.rotator.Pool().All()
	out := make([]proxyView, 0, len(all))
	for _, p := range all {
		out = append(out, h.view(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"pool":    h.rotator.Pool().Name(),
		"proxies": out,
	})
}

// GetProxy handles GET /proxies/:id
func (h *Handler) GetProxy(c *gin.Context) {
	p, ok := h.rotator.Pool().Get(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "not_found", "proxy not found")
		return
	}
	c.JSON(http.StatusOK, h.view(p))
}

type healthRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetProxyHealth handles PUT /proxies/:id/health. It is the entry point for
// external health monitors.
func (h *Handler) SetProxyHealth(c *gin.Context) {
	var req healthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	status, err := types.ParseHealthStatus(req.Status)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id := c.Param("id")
	if err := h.rotator.Pool().SetHealth(id, status); err != nil {
		if errors.Is(err, types.ErrProxyNotFound) {
			errorResponse(c, http.StatusNotFound, "not_found", "proxy not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	h.logger.Info("Proxy health set", log.String("proxy_id", id), log.String("health", status.String()))
	c.JSON(http.StatusOK, gin.H{"id": id, "health": status.String()})
}

// RemoveProxy handles DELETE /proxies/:id. A proxy still listed by a source
// returns on the next sync.
func (h *Handler) RemoveProxy(c *gin.Context) {
	id := c.Param("id")
	if !h.rotator.RemoveProxy(id) {
		errorResponse(c, http.StatusNotFound, "not_found", "proxy not found")
		return
	}
	h.logger.Info("Proxy removed", log.String("proxy_id", id))
	c.Status(http.StatusNoContent)
}

// ListBreakers handles GET /breakers
func (h *Handler) ListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config":   h.rotator.Breakers().Config(),
		"breakers": h.rotator.Breakers().Snapshots(),
	})
}

// ResetBreaker handles POST /breakers/:id/reset
func (h *Handler) ResetBreaker(c *gin.Context) {
	id := c.Param("id")
	if !h.rotator.Breakers().Reset(id) {
		errorResponse(c, http.StatusNotFound, "not_found", "no circuit breaker for proxy")
		return
	}
	h.logger.Info("Circuit breaker reset", log.String("proxy_id", id))
	c.JSON(http.StatusOK, gin.H{"id": id, "state": "CLOSED"})
}

// ResetBreakers handles POST /breakers/reset
func (h *Handler) ResetBreakers(c *gin.Context) {
	h.rotator.Breakers().ResetAll()
	h.logger.Info("All circuit breakers reset")
	c.JSON(http.StatusOK, gin.H{"state": "CLOSED"})
}

// GetStrategy handles GET /strategy
func (h *Handler) GetStrategy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      h.rotator.Strategy().Name(),
		"available": h.registry.Names(),
	})
}

type strategyRequest struct {
	Name string `json:"name" binding:"required"`
}

// SetStrategy handles PUT /strategy
func (h *Handler) SetStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var cfg *strategy.Config
	if h.strategyConfig != nil {
		cfg = h.strategyConfig()
	}
	if err := h.rotator.SetStrategyByName(h.registry, req.Name, cfg); err != nil {
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			errorResponse(c, http.StatusBadRequest, "unknown_strategy", err.Error())
			return
		}
		errorResponse(c, http.StatusUnprocessableEntity, "invalid_strategy", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": h.rotator.Strategy().Name()})
}

// GetRateLimit handles GET /ratelimit
func (h *Handler) GetRateLimit(c *gin.Context) {
	lim := h.rotator.Limiter()
	if lim == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	resp := gin.H{
		"enabled": true,
		"stats":   lim.Stats(),
	}
	if q, ok := lim.Quota(""); ok {
		resp["global"] = q
	}
	c.JSON(http.StatusOK, resp)
}

// GetQuota handles GET /ratelimit/:id
func (h *Handler) GetQuota(c *gin.Context) {
	lim := h.rotator.Limiter()
	if lim == nil {
		errorResponse(c, http.StatusNotFound, "not_found", "rate limiting is not enabled")
		return
	}
	q, ok := lim.Quota(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "not_found", "no rate limit applies to proxy")
		return
	}
	c.JSON(http.StatusOK, q)
}

// Sync handles POST /sync
func (h *Handler) Sync(c *gin.Context) {
	if h.syncer == nil {
		errorResponse(c, http.StatusNotFound, "sync_disabled", "no proxy sources are configured")
		return
	}
	res, err := h.syncer.Sync(c.Request.Context())
	if err != nil {
		h.logger.Warn("Manual sync failed", log.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "sync_failed",
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) requireChecker(c *gin.Context) bool {
	if h.checker == nil {
		errorResponse(c, http.StatusNotFound, "checks_disabled", "active health checks are not enabled")
		return false
	}
	return true
}

// ListChecks handles GET /checks
func (h *Handler) ListChecks(c *gin.Context) {
	if !h.requireChecker(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": h.checker.Results()})
}

// RunChecks handles POST /checks/run
func (h *Handler) RunChecks(c *gin.Context) {
	if !h.requireChecker(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": h.checker.CheckAll(c.Request.Context())})
}

// RunCheck handles POST /checks/:id/run
func (h *Handler) RunCheck(c *gin.Context) {
	if !h.requireChecker(c) {
		return
	}
	res, err := h.checker.Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, types.ErrProxyNotFound) {
			errorResponse(c, http.StatusNotFound, "not_found", "proxy not found")
			return
		}
		errorResponse(c, http.StatusServiceUnavailable, "check_aborted", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}
