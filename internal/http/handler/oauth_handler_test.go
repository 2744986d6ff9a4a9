package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/adapter/identity"
	"github.com/smallbiznis/valora-gateway/internal/config"
	"github.com/smallbiznis/valora-gateway/internal/csrf"
	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/pkce"
	"github.com/smallbiznis/valora-gateway/internal/repository"
	"github.com/smallbiznis/valora-gateway/internal/service"
	"github.com/smallbiznis/valora-gateway/internal/token"
)

func TestAuthorizeRedirectsWithCode(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.get(t, h.authorizeURL(nil), map[string]string{"Authorization": "Bearer " + h.sessionToken})

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.example.com", loc.Host)
	require.NotEmpty(t, loc.Query().Get("code"))
	require.Equal(t, "xyz", loc.Query().Get("state"))
}

func TestAuthorizeUnregisteredRedirectGetsJSONNotRedirect(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.get(t, h.authorizeURL(map[string]string{"redirect_uri": "https://evil.example.com/cb"}),
		map[string]string{"Authorization": "Bearer " + h.sessionToken})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.Contains(t, rec.Body.String(), "invalid_request")
	require.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorizeUnknownClientGetsJSON(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.get(t, h.authorizeURL(map[string]string{"client_id": "ghost"}),
		map[string]string{"Authorization": "Bearer " + h.sessionToken})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_client")
}

func TestAuthorizeValidationFailureRedirectsWithError(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.get(t, h.authorizeURL(map[string]string{"response_type": "token"}),
		map[string]string{"Authorization": "Bearer " + h.sessionToken})

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.example.com", loc.Host)
	require.NotEmpty(t, loc.Query().Get("error"))
	require.NotEmpty(t, loc.Query().Get("error_description"))
	require.Equal(t, "xyz", loc.Query().Get("state"))
	require.Empty(t, loc.Query().Get("code"))
}

func TestAuthorizeWithoutSessionRedirectsAccessDenied(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.get(t, h.authorizeURL(nil), nil)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "access_denied", loc.Query().Get("error"))
}

func TestBrowserAuthorizeDoesCSRFRoundTrip(t *testing.T) {
	h := newHandlerHarness(t)
	headers := map[string]string{
		"Authorization": "Bearer " + h.sessionToken,
		"X-Client-Type": "browser",
	}

	// First hit: bounced back to self with a csrf_token and a cookie.
	rec := h.get(t, h.authorizeURL(nil), headers)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	issued := loc.Query().Get("csrf_token")
	require.NotEmpty(t, issued)
	require.Empty(t, loc.Host, "first redirect must be back to the gateway itself")

	var cookie string
	for _, c := range rec.Result().Cookies() {
		if c.Name == "valora_csrf" {
			cookie = c.Value
		}
	}
	require.Equal(t, issued, cookie)

	// Second hit with token in query and cookie: code issued.
	headers["Cookie"] = "valora_csrf=" + cookie
	rec = h.get(t, loc.String(), headers)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, loc.Query().Get("code"))

	// Replaying the consumed token fails closed.
	rec = h.get(t, h.authorizeURL(map[string]string{"csrf_token": issued}), headers)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "access_denied", loc.Query().Get("error"))
}

func TestTokenEndpointExchangesCode(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.get(t, h.authorizeURL(nil), map[string]string{"Authorization": "Bearer " + h.sessionToken})
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", "verifier123")
	form.Set("client_id", "cli-app")
	form.Set("redirect_uri", "https://app.example.com/callback")

	rec = h.postForm(t, "/oauth/token", form)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "access_token")
	require.Contains(t, rec.Body.String(), "refresh_token")
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestTokenEndpointReturnsJSONError(t *testing.T) {
	h := newHandlerHarness(t)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "bogus")
	form.Set("client_id", "cli-app")
	form.Set("redirect_uri", "https://app.example.com/callback")

	rec := h.postForm(t, "/oauth/token", form)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.Contains(t, rec.Body.String(), "invalid_grant")
	require.Contains(t, rec.Body.String(), "error_description")
}

func TestRevokeAlwaysReturns204(t *testing.T) {
	h := newHandlerHarness(t)

	form := url.Values{}
	form.Set("token", "whatever")

	rec := h.postForm(t, "/oauth/revoke", form)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.postForm(t, "/oauth/revoke", url.Values{})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIntrospectUnknownTokenInactive(t *testing.T) {
	h := newHandlerHarness(t)

	form := url.Values{}
	form.Set("token", "unknown-token")

	rec := h.postForm(t, "/oauth/introspect", form)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"active":false`)
}

// ---- Test harness and fakes ----

type handlerHarness struct {
	engine       *gin.Engine
	sessionToken string
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clients := &memClientRepo{clients: map[string]domain.OAuthClient{
		"cli-app": {
			ID:            1,
			ClientID:      "cli-app",
			ClientType:    domain.ClientTypePublic,
			RedirectURIs:  []string{"https://app.example.com/callback"},
			AllowedScopes: []string{"openid", "profile"},
			RequiresPKCE:  true,
		},
	}}
	codes := &memCodeRepo{codes: make(map[string]domain.AuthorizationCode)}
	tokens := &memTokenRepo{tokens: make(map[int64]domain.OAuthToken), byHash: make(map[string]int64)}
	sessions := &memSessionRepo{sessions: make(map[int64]domain.LegacySession), byHash: make(map[string]int64)}

	cfg := config.Config{
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		AuthorizationCodeTTL: 5 * time.Minute,
		SessionTTL:           time.Hour,
	}
	issuer := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "valora-gateway", cfg.SessionTTL)
	logger := zap.NewNop()

	oauthSvc := service.NewOAuthService(clients, codes, tokens, node, nil, cfg, logger)
	sessionSvc := service.NewSessionService(sessions, &staticIdentity{}, issuer, node, nil, cfg, logger)
	guard := csrf.NewGuard(csrf.NewMemoryStore(), time.Minute)

	oauthHandler := NewOAuthHandler(oauthSvc, sessionSvc, guard)

	engine := gin.New()
	engine.GET("/oauth/authorize", oauthHandler.Authorize)
	engine.POST("/oauth/token", oauthHandler.Token)
	engine.POST("/oauth/revoke", oauthHandler.Revoke)
	engine.POST("/oauth/introspect", oauthHandler.Introspect)

	login, err := sessionSvc.Login(context.Background(), service.LoginInput{
		Identifier: "user@example.com",
		Credential: "hunter2",
		Platform:   "web",
	})
	require.NoError(t, err)

	return &handlerHarness{engine: engine, sessionToken: login.Token}
}

func (h *handlerHarness) authorizeURL(overrides map[string]string) string {
	q := url.Values{}
	q.Set("client_id", "cli-app")
	q.Set("redirect_uri", "https://app.example.com/callback")
	q.Set("response_type", "code")
	q.Set("scope", "openid profile")
	q.Set("code_challenge", pkce.Challenge("verifier123"))
	q.Set("code_challenge_method", pkce.MethodS256)
	q.Set("state", "xyz")
	for k, v := range overrides {
		q.Set(k, v)
	}
	return "/oauth/authorize?" + q.Encode()
}

func (h *handlerHarness) get(t *testing.T, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func (h *handlerHarness) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

type staticIdentity struct{}

func (staticIdentity) VerifyCredentials(context.Context, string, string) (*identity.VerifiedIdentity, error) {
	return &identity.VerifiedIdentity{UserID: 7, Email: "user@example.com", Name: "User"}, nil
}

type memClientRepo struct {
	mu      sync.Mutex
	clients map[string]domain.OAuthClient
}

func (r *memClientRepo) GetByClientID(_ context.Context, clientID string) (domain.OAuthClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return domain.OAuthClient{}, repository.ErrNotFound
	}
	return client, nil
}

func (r *memClientRepo) Create(_ context.Context, client domain.OAuthClient) (domain.OAuthClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ClientID] = client
	return client, nil
}

type memCodeRepo struct {
	mu    sync.Mutex
	codes map[string]domain.AuthorizationCode
}

func (r *memCodeRepo) CreateCode(_ context.Context, code domain.AuthorizationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code.CodeHash] = code
	return nil
}

func (r *memCodeRepo) ConsumeCode(_ context.Context, codeHash string, now time.Time) (domain.AuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[codeHash]
	if !ok || code.ConsumedAt != nil || !now.Before(code.ExpiresAt) {
		return domain.AuthorizationCode{}, repository.ErrNotFound
	}
	consumed := now
	code.ConsumedAt = &consumed
	r.codes[codeHash] = code
	return code, nil
}

func (r *memCodeRepo) GetByHash(_ context.Context, codeHash string) (domain.AuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[codeHash]
	if !ok {
		return domain.AuthorizationCode{}, repository.ErrNotFound
	}
	return code, nil
}

type memTokenRepo struct {
	mu     sync.Mutex
	tokens map[int64]domain.OAuthToken
	byHash map[string]int64
}

func (r *memTokenRepo) CreateToken(_ context.Context, tok domain.OAuthToken) (domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tok.ID] = tok
	r.byHash[tok.TokenHash] = tok.ID
	return tok, nil
}

func (r *memTokenRepo) GetByHash(_ context.Context, tokenHash string) (domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[tokenHash]
	if !ok {
		return domain.OAuthToken{}, repository.ErrNotFound
	}
	return r.tokens[id], nil
}

func (r *memTokenRepo) GetByID(_ context.Context, tokenID int64) (domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenID]
	if !ok {
		return domain.OAuthToken{}, repository.ErrNotFound
	}
	return tok, nil
}

func (r *memTokenRepo) GetRootByCodeID(_ context.Context, codeID int64) (domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range r.tokens {
		if tok.CodeID != nil && *tok.CodeID == codeID && tok.TokenType == domain.TokenTypeRefresh {
			return tok, nil
		}
	}
	return domain.OAuthToken{}, repository.ErrNotFound
}

func (r *memTokenRepo) Rotate(_ context.Context, oldTokenID int64, newRefresh, newAccess domain.OAuthToken) (domain.OAuthToken, domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.tokens[oldTokenID]
	if !ok || old.RevokedAt != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, repository.ErrNotFound
	}
	revoked := time.Now().UTC()
	old.RevokedAt = &revoked
	r.tokens[oldTokenID] = old
	r.tokens[newRefresh.ID] = newRefresh
	r.byHash[newRefresh.TokenHash] = newRefresh.ID
	newAccess.ParentTokenID = &newRefresh.ID
	r.tokens[newAccess.ID] = newAccess
	r.byHash[newAccess.TokenHash] = newAccess.ID
	return newRefresh, newAccess, nil
}

func (r *memTokenRepo) RevokeToken(_ context.Context, tokenID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenID]
	if !ok {
		return repository.ErrNotFound
	}
	if tok.RevokedAt == nil {
		revoked := time.Now().UTC()
		tok.RevokedAt = &revoked
		r.tokens[tokenID] = tok
	}
	return nil
}

func (r *memTokenRepo) RevokeChain(_ context.Context, rootTokenID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := map[int64]bool{rootTokenID: true}
	for {
		grew := false
		for id, tok := range r.tokens {
			if chain[id] || tok.ParentTokenID == nil {
				continue
			}
			if chain[*tok.ParentTokenID] {
				chain[id] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}
	var count int64
	revoked := time.Now().UTC()
	for id := range chain {
		tok, ok := r.tokens[id]
		if !ok || tok.RevokedAt != nil {
			continue
		}
		tok.RevokedAt = &revoked
		r.tokens[id] = tok
		count++
	}
	return count, nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[int64]domain.LegacySession
	byHash   map[string]int64
}

func (r *memSessionRepo) CreateSession(_ context.Context, session domain.LegacySession) (domain.LegacySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	r.byHash[session.TokenHash] = session.ID
	return session, nil
}

func (r *memSessionRepo) GetByHash(_ context.Context, tokenHash string) (domain.LegacySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[tokenHash]
	if !ok {
		return domain.LegacySession{}, repository.ErrNotFound
	}
	return r.sessions[id], nil
}

func (r *memSessionRepo) ExtendSession(_ context.Context, sessionID int64, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	session.ExpiresAt = expiresAt
	r.sessions[sessionID] = session
	return nil
}

func (r *memSessionRepo) RevokeSession(_ context.Context, sessionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	revoked := time.Now().UTC()
	session.RevokedAt = &revoked
	r.sessions[sessionID] = session
	return nil
}
