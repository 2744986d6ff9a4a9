package domain

import "time"

// VendorOrganization is the tenant a vendor API key belongs to.
type VendorOrganization struct {
	ID                 int64
	VendorCode         string
	AllowedPlatforms   []string
	AllowedServices    map[string]bool
	RateLimitPerMinute int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AllowsPlatform defaults to allow only when no platforms are registered
// (explicit opt-in restriction model).
func (o VendorOrganization) AllowsPlatform(platform string) bool {
	if len(o.AllowedPlatforms) == 0 {
		return true
	}
	for _, p := range o.AllowedPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// AllowsService defaults to allow only when no services are registered.
func (o VendorOrganization) AllowsService(service string) bool {
	if len(o.AllowedServices) == 0 {
		return true
	}
	return o.AllowedServices[service]
}

// VendorKeyType distinguishes live keys from test keys.
type VendorKeyType string

const (
	VendorKeyLive VendorKeyType = "live"
	VendorKeyTest VendorKeyType = "test"
)

// VendorAPIKey stores a long-lived key_id.key_secret credential. The secret is
// persisted only as an argon2id hash.
type VendorAPIKey struct {
	KeyID         string
	KeySecretHash string
	OrgID         int64
	KeyType       VendorKeyType
	Environment   string
	RevokedAt     *time.Time
	CreatedAt     time.Time
}

// VendorScope tags an authorized request with its resolved tenant for
// downstream row-level isolation.
type VendorScope struct {
	OrgID      int64
	VendorCode string
	KeyID      string
	KeyType    VendorKeyType
}

// UsageRecord is the asynchronous billing record emitted per authorized
// vendor request.
type UsageRecord struct {
	OrgID        int64
	KeyID        string
	Service      string
	Platform     string
	DurationMS   int64
	ComputeUnits int64
	CreatedAt    time.Time
}
