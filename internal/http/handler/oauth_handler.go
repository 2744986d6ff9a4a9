package handler

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-gateway/internal/csrf"
	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/service"
)

const (
	clientTypeHeader = "X-Client-Type"
	csrfCookieName   = "valora_csrf"
	sessionCookie    = "valora_session"
)

// OAuthHandler exposes the /oauth surface. Authorization errors redirect back
// to the client's registered redirect_uri; only an unproven redirect_uri gets
// a direct JSON error, never a redirect.
type OAuthHandler struct {
	oauth    *service.OAuthService
	sessions *service.SessionService
	guard    *csrf.Guard
}

// NewOAuthHandler wires dependencies.
func NewOAuthHandler(oauth *service.OAuthService, sessions *service.SessionService, guard *csrf.Guard) *OAuthHandler {
	return &OAuthHandler{oauth: oauth, sessions: sessions, guard: guard}
}

type authorizeRequest struct {
	ClientID            string `form:"client_id" binding:"required"`
	RedirectURI         string `form:"redirect_uri" binding:"required"`
	ResponseType        string `form:"response_type" binding:"required"`
	Scope               string `form:"scope"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
	State               string `form:"state"`
	CSRFToken           string `form:"csrf_token"`
}

// Authorize handles GET /oauth/authorize.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeJSONError(c, domain.ErrInvalidRequest("Missing required authorization parameters."))
		return
	}

	// redirect_uri must be proven before any error may be sent to it.
	if err := h.oauth.ValidateRedirect(c.Request.Context(), req.ClientID, req.RedirectURI); err != nil {
		writeJSONError(c, err)
		return
	}

	session, err := h.sessions.ValidateSession(c.Request.Context(), sessionToken(c), c.ClientIP())
	if err != nil {
		redirectError(c, req.RedirectURI, req.State, domain.ErrAccessDenied(domain.ReasonInvalidSession))
		return
	}

	if isBrowser(c) {
		if !h.checkCSRF(c, req, session) {
			return
		}
	}

	result, err := h.oauth.Authorize(c.Request.Context(), service.AuthorizeInput{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		UserID:              session.UserID,
		IP:                  c.ClientIP(),
	})
	if err != nil {
		redirectError(c, req.RedirectURI, req.State, err)
		return
	}

	target, parseErr := url.Parse(result.RedirectURI)
	if parseErr != nil {
		writeJSONError(c, domain.ErrServer())
		return
	}
	q := target.Query()
	q.Set("code", result.Code)
	if result.State != "" {
		q.Set("state", result.State)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// checkCSRF enforces the double-submit contract for browser-initiated
// attempts. A first visit gets a token issued and is bounced back to itself;
// a second visit must present the same token in query and cookie, consumed
// exactly once against the session that requested it.
func (h *OAuthHandler) checkCSRF(c *gin.Context, req authorizeRequest, session *domain.LegacySession) bool {
	sessionKey := sessionKeyFor(session)

	if req.CSRFToken == "" {
		issued, err := h.guard.Issue(c.Request.Context(), sessionKey)
		if err != nil {
			redirectError(c, req.RedirectURI, req.State, domain.ErrServer())
			return false
		}
		c.SetCookie(csrfCookieName, issued, int(csrf.DefaultTTL.Seconds()), "/oauth", "", true, true)

		self := *c.Request.URL
		q := self.Query()
		q.Set("csrf_token", issued)
		self.RawQuery = q.Encode()
		c.Redirect(http.StatusFound, self.String())
		return false
	}

	cookie, err := c.Cookie(csrfCookieName)
	if err != nil || cookie != req.CSRFToken {
		redirectError(c, req.RedirectURI, req.State, domain.ErrAccessDenied(domain.ReasonInvalidCSRF))
		return false
	}
	ok, err := h.guard.Validate(c.Request.Context(), req.CSRFToken, sessionKey)
	if err != nil || !ok {
		redirectError(c, req.RedirectURI, req.State, domain.ErrAccessDenied(domain.ReasonInvalidCSRF))
		return false
	}
	return true
}

type tokenRequest struct {
	GrantType    string `form:"grant_type" binding:"required"`
	Code         string `form:"code"`
	CodeVerifier string `form:"code_verifier"`
	RefreshToken string `form:"refresh_token"`
	ClientID     string `form:"client_id"`
	RedirectURI  string `form:"redirect_uri"`
}

// Token handles POST /oauth/token.
func (h *OAuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		writeJSONError(c, domain.ErrInvalidRequest("grant_type is required."))
		return
	}

	pair, err := h.oauth.Token(c.Request.Context(), service.TokenInput{
		GrantType:    req.GrantType,
		Code:         req.Code,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		IP:           c.ClientIP(),
	})
	if err != nil {
		writeJSONError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, pair)
}

type revokeRequest struct {
	Token string `form:"token"`
}

// Revoke handles POST /oauth/revoke. Always 204, found or not.
func (h *OAuthHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	_ = c.ShouldBind(&req)

	if err := h.oauth.Revoke(c.Request.Context(), req.Token, c.ClientIP()); err != nil {
		writeJSONError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Introspect handles POST /oauth/introspect.
func (h *OAuthHandler) Introspect(c *gin.Context) {
	var req revokeRequest
	_ = c.ShouldBind(&req)

	result, err := h.oauth.Introspect(c.Request.Context(), req.Token)
	if err != nil {
		writeJSONError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// redirectError sends the error back to the proven redirect_uri as query
// parameters rather than rendering a gateway-branded page.
func redirectError(c *gin.Context, redirectURI, state string, err error) {
	gwErr, ok := err.(*domain.GatewayError)
	if !ok {
		gwErr = domain.ErrServer()
	}

	target, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		writeJSONError(c, gwErr)
		return
	}
	q := target.Query()
	q.Set("error", gwErr.Code)
	q.Set("error_description", gwErr.Description)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

func writeJSONError(c *gin.Context, err error) {
	gwErr, ok := err.(*domain.GatewayError)
	if !ok {
		gwErr = domain.ErrServer()
	}
	c.AbortWithStatusJSON(gwErr.Status, gin.H{
		"error":             gwErr.Code,
		"error_description": gwErr.Description,
	})
}

// isBrowser classifies the caller from the explicit client-type header.
// User-Agent sniffing is deliberately not consulted.
func isBrowser(c *gin.Context) bool {
	return c.GetHeader(clientTypeHeader) == "browser"
}

func sessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie(sessionCookie); err == nil && cookie != "" {
		return cookie
	}
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func sessionKeyFor(session *domain.LegacySession) string {
	return "session:" + strconv.FormatInt(session.ID, 10)
}
