package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/service"
)

// VendorScopeKey is the gin context key carrying the resolved tenant scope.
const VendorScopeKey = "vendor_scope"

const platformHeader = "X-Platform"

// VendorAuth authorizes the Bearer API key on every proxied vendor request,
// stores the resolved scope for downstream isolation, and emits one usage
// record per admitted request.
func VendorAuth(vendors *service.VendorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			writeGatewayError(c, domain.ErrInvalidCredentials())
			return
		}

		platform := c.GetHeader(platformHeader)
		svc := c.Param("service")

		scope, err := vendors.Authorize(c.Request.Context(), service.VendorAuthorizeInput{
			APIKey:   raw,
			Platform: platform,
			Service:  svc,
			IP:       c.ClientIP(),
		})
		if err != nil {
			writeGatewayError(c, err)
			return
		}

		c.Set(VendorScopeKey, *scope)

		start := time.Now()
		c.Next()

		vendors.RecordUsage(domain.UsageRecord{
			OrgID:        scope.OrgID,
			KeyID:        scope.KeyID,
			Service:      svc,
			Platform:     platform,
			DurationMS:   time.Since(start).Milliseconds(),
			ComputeUnits: 1,
		})
	}
}

// ScopeFromContext returns the tenant scope set by VendorAuth.
func ScopeFromContext(c *gin.Context) (domain.VendorScope, bool) {
	v, ok := c.Get(VendorScopeKey)
	if !ok {
		return domain.VendorScope{}, false
	}
	scope, ok := v.(domain.VendorScope)
	return scope, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeGatewayError(c *gin.Context, err error) {
	if gwErr, ok := err.(*domain.GatewayError); ok {
		c.AbortWithStatusJSON(gwErr.Status, gin.H{
			"error":             gwErr.Code,
			"error_description": gwErr.Description,
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":             domain.ErrCodeServerError,
		"error_description": "Internal server error.",
	})
}
