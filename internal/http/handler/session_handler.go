package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/service"
)

// SessionHandler exposes the legacy /v1/auth surface. Every route here is
// JSON-only regardless of who calls it.
type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler wires dependencies.
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type loginRequest struct {
	Identifier string `json:"identifier" form:"identifier"`
	Email      string `json:"email" form:"email"`
	Credential string `json:"credential" form:"credential" binding:"required"`
	Platform   string `json:"platform" form:"platform" binding:"required"`
}

type sessionResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	User         domain.User `json:"user"`
	Platform     string      `json:"platform"`
}

// Login handles POST /v1/auth/login.
func (h *SessionHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		writeJSONError(c, domain.ErrInvalidRequest("credential and platform are required."))
		return
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Email
	}
	if identifier == "" {
		writeJSONError(c, domain.ErrInvalidRequest("identifier is required."))
		return
	}

	result, err := h.sessions.Login(c.Request.Context(), service.LoginInput{
		Identifier: identifier,
		Credential: req.Credential,
		Platform:   req.Platform,
		IP:         c.ClientIP(),
	})
	if err != nil {
		writeJSONError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, sessionResult(result))
}

type sessionTokenRequest struct {
	Token string `json:"token" form:"token"`
}

// Refresh handles POST /v1/auth/refresh. The token value is unchanged; only
// the expiry slides forward.
func (h *SessionHandler) Refresh(c *gin.Context) {
	presented := h.presentedToken(c)
	if presented == "" {
		writeJSONError(c, domain.ErrInvalidCredentials())
		return
	}

	result, err := h.sessions.Refresh(c.Request.Context(), presented, c.ClientIP())
	if err != nil {
		writeJSONError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, sessionResult(result))
}

// Logout handles POST /v1/auth/logout. Idempotent.
func (h *SessionHandler) Logout(c *gin.Context) {
	presented := h.presentedToken(c)
	if err := h.sessions.Logout(c.Request.Context(), presented, c.ClientIP()); err != nil {
		writeJSONError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) presentedToken(c *gin.Context) string {
	var req sessionTokenRequest
	_ = c.ShouldBind(&req)
	if req.Token != "" {
		return req.Token
	}
	return sessionToken(c)
}

// sessionResult maps the service result onto the wire shape. Legacy tokens do
// not rotate, so access and refresh carry the same value.
func sessionResult(result *service.SessionResult) sessionResponse {
	return sessionResponse{
		AccessToken:  result.Token,
		RefreshToken: result.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(result.ExpiresAt).Seconds()),
		User:         result.User,
		Platform:     result.Platform,
	}
}
