// Package identity holds the outbound client for the external identity
// provider that verifies user credentials on behalf of the legacy login path.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrInvalidCredentials means the provider rejected the identifier/credential
// pair. The caller must not surface whether the identifier existed.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

// ErrUnavailable means the provider timed out or failed; distinct from a
// credential rejection so callers can map it to a 503.
var ErrUnavailable = errors.New("identity: provider unavailable")

// ProviderClient verifies user credentials against the external IdP.
type ProviderClient interface {
	VerifyCredentials(ctx context.Context, identifier, credential string) (*VerifiedIdentity, error)
}

// VerifiedIdentity is the profile returned on successful verification.
type VerifiedIdentity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient. The timeout
// bounds every verification round-trip.
func NewHTTPProviderClient(baseURL string, timeout time.Duration) *HTTPProviderClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProviderClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// VerifyCredentials posts the identifier/credential pair to the provider.
func (c *HTTPProviderClient) VerifyCredentials(ctx context.Context, identifier, credential string) (*VerifiedIdentity, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("identity provider url missing: %w", ErrUnavailable)
	}

	data := url.Values{}
	data.Set("identifier", identifier)
	data.Set("credential", credential)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, fmt.Errorf("verify timeout: %w", ErrUnavailable)
		}
		return nil, fmt.Errorf("verify request: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", ErrUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return nil, ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("verify failed: status=%d: %w", resp.StatusCode, ErrUnavailable)
	}

	var identity VerifiedIdentity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", ErrUnavailable)
	}
	if identity.UserID == 0 {
		return nil, ErrInvalidCredentials
	}
	return &identity, nil
}
