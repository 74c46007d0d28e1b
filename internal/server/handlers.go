package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborpay/reservoir/internal/auth"
	"github.com/harborpay/reservoir/internal/intel"
	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/reserve"
	"github.com/harborpay/reservoir/internal/ssrf"
	"github.com/harborpay/reservoir/internal/validation"
)

// scanRequest is the POST /v1/scan body.
type scanRequest struct {
	URL       string `json:"url" binding:"required"`
	Industry  string `json:"industry"`
	Processor string `json:"processor"`
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "reservoir",
		"endpoints": gin.H{
			"scan":     "POST /v1/scan",
			"forecast": "GET /v1/merchants/:host/forecast?monthlyVolume=50000",
			"ledger":   "GET /v1/merchants/:host/ledger",
		},
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "healthy"
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": statuses,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dead"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// scanHandler fetches and scores a merchant website.
func (s *Server) scanHandler(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must include a url field",
		})
		return
	}
	if !validation.IsValidScanURL(req.URL) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": "url must be an absolute http or https URL with a hostname",
		})
		return
	}

	ctx := c.Request.Context()
	start := time.Now()
	outcome, err := s.intel.Scan(ctx, intel.ScanRequest{
		URL:       req.URL,
		Industry:  validation.SanitizeString(req.Industry, 200),
		Processor: validation.SanitizeString(req.Processor, 200),
		TraceID:   logging.TraceID(ctx),
	})
	if err != nil {
		s.writeScanError(c, err)
		return
	}

	if outcome.CacheHit {
		c.Header("X-Cache", "hit")
		// A cached response did no outbound work; optionally give the token back.
		if !s.cfg.RateLimitCountCacheHits {
			s.limiter.Refund(ctx, auth.RateLimitKey(c))
		}
	} else {
		c.Header("X-Cache", "miss")
	}
	if outcome.Deduped {
		c.Header("X-Dedupe", "coalesced")
	} else {
		c.Header("X-Dedupe", "new")
	}

	provider := "fallback"
	if n := outcome.Report.Result.Narrative; n != nil && n.Generated {
		provider = "llm"
	}

	c.JSON(http.StatusOK, gin.H{
		"report":   outcome.Report,
		"snapshot": outcome.Snapshot,
		"meta": gin.H{
			"aiProvider":       provider,
			"processingTimeMs": time.Since(start).Milliseconds(),
		},
	})
}

// writeScanError maps pipeline errors onto machine-readable responses.
func (s *Server) writeScanError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ssrf.ErrBlockedHost), errors.Is(err, ssrf.ErrDNSFailure):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "host_blocked",
			"message": "Hostname failed outbound safety validation",
		})
	case errors.Is(err, ssrf.ErrUnsupportedScheme):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
	case errors.Is(err, ssrf.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "upstream_unavailable",
			"message": "Merchant site is temporarily unavailable, retry later",
		})
	case errors.Is(err, ssrf.ErrTooManyRedirects), errors.Is(err, ssrf.ErrMissingLocation):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "fetch_failed",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Warn("scan failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "fetch_failed",
			"message": "Could not fetch the merchant website",
		})
	}
}

// forecastHandler computes a reserve projection from the latest snapshot.
func (s *Server) forecastHandler(c *gin.Context) {
	host := c.Param("host")

	var volume *float64
	if raw := c.Query("monthlyVolume"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_volume",
				"message": "monthlyVolume must be a positive number",
			})
			return
		}
		volume = &v
	}

	ctx := c.Request.Context()
	snapshot, err := s.intel.GetSnapshot(ctx, host)
	if err != nil {
		if errors.Is(err, intel.ErrUnknownMerchant) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "merchant_not_found",
				"message": "No scan history for this host, scan it first",
			})
			return
		}
		logging.L(ctx).Error("failed to load snapshot", "host", host, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	projection := reserve.Project(snapshot, volume)

	// Best-effort: the ledger decides whether this state warrants a record.
	s.ledger.Submit(snapshot, projection)

	c.JSON(http.StatusOK, gin.H{
		"merchantId": snapshot.MerchantID,
		"host":       snapshot.NormalizedHost,
		"snapshot":   snapshot,
		"forecast":   projection,
	})
}

// ledgerHistoryHandler returns the verified projection ledger for a merchant.
func (s *Server) ledgerHistoryHandler(c *gin.Context) {
	if s.cfg.RequireSignedHistory && !s.ledger.Signed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "signing_unavailable",
			"message": "Signed history is required but no signing secret is configured",
		})
		return
	}

	host := c.Param("host")
	ctx := c.Request.Context()

	// History only exists for merchants with at least one snapshot.
	if _, err := s.intel.GetSnapshot(ctx, host); err != nil {
		if errors.Is(err, intel.ErrUnknownMerchant) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "merchant_not_found",
				"message": "No scan history for this host, scan it first",
			})
			return
		}
		logging.L(ctx).Error("failed to load snapshot", "host", host, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	history, err := s.ledger.GetHistory(ctx, intel.MerchantID(host))
	if err != nil {
		logging.L(ctx).Error("failed to load ledger history", "host", host, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchantId": intel.MerchantID(host),
		"host":       validation.NormalizeHost(host),
		"signed":     s.ledger.Signed(),
		"ledger":     history,
	})
}
