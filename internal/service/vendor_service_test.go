package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/hashing"
	"github.com/smallbiznis/valora-gateway/internal/ratelimit"
	"github.com/smallbiznis/valora-gateway/internal/repository"
)

var (
	vendorSecretHashOnce sync.Once
	vendorSecretHash     string
)

func testSecretHash(t *testing.T) string {
	t.Helper()
	vendorSecretHashOnce.Do(func() {
		hash, err := hashing.HashSecret("s3cret")
		if err != nil {
			t.Fatalf("hash secret: %v", err)
		}
		vendorSecretHash = hash
	})
	return vendorSecretHash
}

func TestVendorAuthorizeHappyPath(t *testing.T) {
	h := newVendorHarness(t)

	scope, err := h.service.Authorize(context.Background(), VendorAuthorizeInput{
		APIKey:   "vk_live_1.s3cret",
		Platform: "api",
		Service:  "payments",
		IP:       "127.0.0.1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), scope.OrgID)
	require.Equal(t, "acme", scope.VendorCode)
	require.Equal(t, "vk_live_1", scope.KeyID)
	require.Equal(t, domain.VendorKeyLive, scope.KeyType)
}

func TestVendorAuthorizeRejectsMalformedKey(t *testing.T) {
	h := newVendorHarness(t)

	for _, key := range []string{"", "nodot", ".secret", "keyid.", "a.b.c"} {
		_, err := h.service.Authorize(context.Background(), VendorAuthorizeInput{APIKey: key, Platform: "api", Service: "payments"})
		requireGatewayCode(t, err, domain.ErrCodeInvalidGrant)
	}
}

func TestVendorAuthorizeUnknownAndWrongSecretAreUniform(t *testing.T) {
	h := newVendorHarness(t)
	ctx := context.Background()

	_, errUnknown := h.service.Authorize(ctx, VendorAuthorizeInput{APIKey: "vk_live_missing.s3cret", Platform: "api", Service: "payments"})
	_, errWrong := h.service.Authorize(ctx, VendorAuthorizeInput{APIKey: "vk_live_1.wrong", Platform: "api", Service: "payments"})

	var unknown, wrong *domain.GatewayError
	require.ErrorAs(t, errUnknown, &unknown)
	require.ErrorAs(t, errWrong, &wrong)
	require.Equal(t, unknown.Code, wrong.Code)
	require.Equal(t, unknown.Description, wrong.Description)
	require.Equal(t, unknown.Status, wrong.Status)
}

func TestVendorAuthorizeRejectsRevokedKey(t *testing.T) {
	h := newVendorHarness(t)
	h.vendors.revokeKey("vk_live_1")

	_, err := h.service.Authorize(context.Background(), VendorAuthorizeInput{APIKey: "vk_live_1.s3cret", Platform: "api", Service: "payments"})
	requireGatewayCode(t, err, domain.ErrCodeInvalidGrant)
}

func TestVendorAuthorizeEnforcesPlatformAllowlist(t *testing.T) {
	h := newVendorHarness(t)
	h.vendors.setOrg(domain.VendorOrganization{
		ID:               100,
		VendorCode:       "acme",
		AllowedPlatforms: []string{"api"},
	})
	ctx := context.Background()

	_, err := h.service.Authorize(ctx, VendorAuthorizeInput{APIKey: "vk_live_1.s3cret", Platform: "mcp", Service: "payments"})
	requireGatewayCode(t, err, domain.ErrCodeAccessDenied)

	_, err = h.service.Authorize(ctx, VendorAuthorizeInput{APIKey: "vk_live_1.s3cret", Platform: "api", Service: "payments"})
	require.NoError(t, err)
}

func TestVendorAuthorizeEnforcesServiceAllowlist(t *testing.T) {
	h := newVendorHarness(t)
	h.vendors.setOrg(domain.VendorOrganization{
		ID:              100,
		VendorCode:      "acme",
		AllowedServices: map[string]bool{"payments": true},
	})
	ctx := context.Background()

	_, err := h.service.Authorize(ctx, VendorAuthorizeInput{APIKey: "vk_live_1.s3cret", Platform: "api", Service: "ledger"})
	requireGatewayCode(t, err, domain.ErrCodeAccessDenied)

	_, err = h.service.Authorize(ctx, VendorAuthorizeInput{APIKey: "vk_live_1.s3cret", Platform: "api", Service: "payments"})
	require.NoError(t, err)
}

func TestVendorAuthorizeEmptySetsAllowEverything(t *testing.T) {
	h := newVendorHarness(t)

	for _, platform := range []string{"cli", "web", "api", "mcp"} {
		_, err := h.service.Authorize(context.Background(), VendorAuthorizeInput{APIKey: "vk_live_1.s3cret", Platform: platform, Service: "anything"})
		require.NoError(t, err)
	}
}

func TestVendorAuthorizeRateLimits(t *testing.T) {
	h := newVendorHarness(t)
	h.vendors.setOrg(domain.VendorOrganization{
		ID:                 100,
		VendorCode:         "acme",
		RateLimitPerMinute: 2,
	})
	ctx := context.Background()
	in := VendorAuthorizeInput{APIKey: "vk_live_1.s3cret", Platform: "api", Service: "payments"}

	_, err := h.service.Authorize(ctx, in)
	require.NoError(t, err)
	_, err = h.service.Authorize(ctx, in)
	require.NoError(t, err)

	_, err = h.service.Authorize(ctx, in)
	requireGatewayCode(t, err, domain.ErrCodeRateLimited)

	var gwErr *domain.GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, 429, gwErr.Status)
}

func TestRecordUsagePersistsAsynchronously(t *testing.T) {
	h := newVendorHarness(t)
	h.service.Start()

	h.service.RecordUsage(domain.UsageRecord{OrgID: 100, KeyID: "vk_live_1", Service: "payments", Platform: "api", DurationMS: 12, ComputeUnits: 1})
	h.service.RecordUsage(domain.UsageRecord{OrgID: 100, KeyID: "vk_live_1", Service: "ledger", Platform: "api", DurationMS: 4, ComputeUnits: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.service.Close(ctx))

	records := h.vendors.usageRecords()
	require.Len(t, records, 2)
	require.NotZero(t, records[0].CreatedAt)
}

func TestRecordUsageNeverBlocks(t *testing.T) {
	h := newVendorHarnessWithBuffer(t, 1)
	// Worker not started: the buffer fills after one record, the rest drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.service.RecordUsage(domain.UsageRecord{OrgID: 100, KeyID: "vk_live_1", Service: "payments"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordUsage blocked on a full queue")
	}
}

// ---- Test harness and fakes ----

type vendorHarness struct {
	service *VendorService
	vendors *fakeVendorRepo
}

func newVendorHarness(t *testing.T) *vendorHarness {
	return newVendorHarnessWithBuffer(t, 64)
}

func newVendorHarnessWithBuffer(t *testing.T, buffer int) *vendorHarness {
	t.Helper()

	vendors := newFakeVendorRepo()
	vendors.keys["vk_live_1"] = domain.VendorAPIKey{
		KeyID:         "vk_live_1",
		KeySecretHash: testSecretHash(t),
		OrgID:         100,
		KeyType:       domain.VendorKeyLive,
		Environment:   "production",
	}
	vendors.orgs[100] = domain.VendorOrganization{
		ID:         100,
		VendorCode: "acme",
	}

	svc := NewVendorService(vendors, ratelimit.NewMemoryLimiter(), &captureRecorder{}, zap.NewNop(), buffer)
	return &vendorHarness{service: svc, vendors: vendors}
}

type fakeVendorRepo struct {
	mu    sync.Mutex
	keys  map[string]domain.VendorAPIKey
	orgs  map[int64]domain.VendorOrganization
	usage []domain.UsageRecord
}

func newFakeVendorRepo() *fakeVendorRepo {
	return &fakeVendorRepo{
		keys: make(map[string]domain.VendorAPIKey),
		orgs: make(map[int64]domain.VendorOrganization),
	}
}

func (r *fakeVendorRepo) GetKeyByID(_ context.Context, keyID string) (domain.VendorAPIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok {
		return domain.VendorAPIKey{}, repository.ErrNotFound
	}
	return key, nil
}

func (r *fakeVendorRepo) GetOrg(_ context.Context, orgID int64) (domain.VendorOrganization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.orgs[orgID]
	if !ok {
		return domain.VendorOrganization{}, repository.ErrNotFound
	}
	return org, nil
}

func (r *fakeVendorRepo) InsertUsage(_ context.Context, record domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, record)
	return nil
}

func (r *fakeVendorRepo) revokeKey(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.keys[keyID]
	revoked := time.Now().UTC()
	key.RevokedAt = &revoked
	r.keys[keyID] = key
}

func (r *fakeVendorRepo) setOrg(org domain.VendorOrganization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgs[org.ID] = org
}

func (r *fakeVendorRepo) usageRecords() []domain.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UsageRecord, len(r.usage))
	copy(out, r.usage)
	return out
}
