package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/http/middleware"
)

// VendorHandler serves the tenant-scoped routes behind VendorAuth.
type VendorHandler struct{}

// NewVendorHandler wires dependencies.
func NewVendorHandler() *VendorHandler {
	return &VendorHandler{}
}

// Scope handles GET /v1/services/:service/scope. It returns the tenant
// context resolved for this request so downstream services can assert
// row-level isolation. No secret material is ever echoed.
func (h *VendorHandler) Scope(c *gin.Context) {
	scope, ok := middleware.ScopeFromContext(c)
	if !ok {
		writeJSONError(c, domain.ErrServer())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"org_id":      scope.OrgID,
		"vendor_code": scope.VendorCode,
		"key_id":      scope.KeyID,
		"key_type":    scope.KeyType,
		"service":     c.Param("service"),
	})
}
