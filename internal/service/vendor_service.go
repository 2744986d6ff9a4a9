package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/audit"
	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/hashing"
	"github.com/smallbiznis/valora-gateway/internal/ratelimit"
	"github.com/smallbiznis/valora-gateway/internal/repository"
	"github.com/smallbiznis/valora-gateway/internal/token"
)

// VendorAuthorizeInput carries the credential and request descriptors checked
// before a vendor call is admitted.
type VendorAuthorizeInput struct {
	APIKey   string
	Platform string
	Service  string
	IP       string
}

// VendorService authorizes vendor API keys, enforces per-tenant rate limits,
// and emits usage records off the request path.
type VendorService struct {
	vendors  repository.VendorRepository
	limiter  ratelimit.Limiter
	recorder audit.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	usage chan domain.UsageRecord
	done  chan struct{}
}

// NewVendorService wires dependencies. buffer sizes the async usage queue.
func NewVendorService(
	vendors repository.VendorRepository,
	limiter ratelimit.Limiter,
	recorder audit.Recorder,
	logger *zap.Logger,
	buffer int,
) *VendorService {
	if buffer <= 0 {
		buffer = 4096
	}
	return &VendorService{
		vendors:  vendors,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/valora-gateway/internal/service"),
		now:      time.Now,
		usage:    make(chan domain.UsageRecord, buffer),
		done:     make(chan struct{}),
	}
}

// Start launches the usage writer goroutine.
func (s *VendorService) Start() {
	go s.run()
}

// Close drains the usage queue, bounded by ctx.
func (s *VendorService) Close(ctx context.Context) error {
	close(s.usage)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *VendorService) run() {
	defer close(s.done)
	for record := range s.usage {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.vendors.InsertUsage(writeCtx, record); err != nil {
			s.logger.Error("usage record write failed",
				zap.Int64("org_id", record.OrgID),
				zap.String("service", record.Service),
				zap.Error(err))
		}
		cancel()
	}
}

// Authorize validates a key_id.key_secret credential and resolves the tenant
// scope. Unknown key and bad secret are indistinguishable to the caller.
func (s *VendorService) Authorize(ctx context.Context, in VendorAuthorizeInput) (*domain.VendorScope, error) {
	ctx, span := s.startSpan(ctx, "VendorService.Authorize")
	defer span.End()

	keyID, keySecret, ok := splitAPIKey(in.APIKey)
	if !ok || token.LooksLikeSessionToken(in.APIKey) {
		s.record("", "vendor.authorize", domain.OutcomeFailure, domain.ReasonInvalidKey, in.IP, "")
		return nil, domain.ErrInvalidCredentials()
	}

	key, err := s.vendors.GetKeyByID(ctx, keyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.record(keyID, "vendor.authorize", domain.OutcomeFailure, domain.ReasonInvalidKey, in.IP, "")
			return nil, domain.ErrInvalidCredentials()
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	match, err := hashing.VerifySecret(keySecret, key.KeySecretHash)
	if err != nil || !match {
		s.record(keyID, "vendor.authorize", domain.OutcomeFailure, domain.ReasonInvalidKey, in.IP, "")
		return nil, domain.ErrInvalidCredentials()
	}

	if key.RevokedAt != nil {
		s.record(keyID, "vendor.authorize", domain.OutcomeFailure, domain.ReasonRevokedKey, in.IP, "high")
		return nil, domain.ErrInvalidCredentials()
	}

	org, err := s.vendors.GetOrg(ctx, key.OrgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.record(keyID, "vendor.authorize", domain.OutcomeFailure, domain.ReasonInvalidKey, in.IP, "")
			return nil, domain.ErrInvalidCredentials()
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	if !org.AllowsPlatform(in.Platform) {
		s.record(keyID, "vendor.authorize", domain.OutcomeFailure, domain.ReasonScopeDenied, in.IP, "")
		return nil, domain.ErrAccessDenied(domain.ReasonScopeDenied)
	}
	if !org.AllowsService(in.Service) {
		s.record(keyID, "vendor.authorize", domain.OutcomeFailure, domain.ReasonScopeDenied, in.IP, "")
		return nil, domain.ErrAccessDenied(domain.ReasonScopeDenied)
	}

	decision, err := s.limiter.Check(ctx, org.ID, org.RateLimitPerMinute)
	if err != nil {
		// Limiter backend down: fail open on admission but log loudly rather
		// than turning a Redis outage into a full vendor outage.
		s.logger.Error("rate limiter check failed", zap.Int64("org_id", org.ID), zap.Error(err))
	} else if !decision.Allowed {
		s.record(keyID, "vendor.authorize", domain.OutcomeFailure, domain.ReasonRateLimited, in.IP, "")
		return nil, domain.ErrRateLimited()
	}

	s.record(keyID, "vendor.authorize", domain.OutcomeSuccess, "", in.IP, "")
	return &domain.VendorScope{
		OrgID:      org.ID,
		VendorCode: org.VendorCode,
		KeyID:      key.KeyID,
		KeyType:    key.KeyType,
	}, nil
}

// RecordUsage enqueues a usage record without blocking the request path. When
// the queue is full the record is dropped and an alert is logged.
func (s *VendorService) RecordUsage(record domain.UsageRecord) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	select {
	case s.usage <- record:
	default:
		s.logger.Error("usage queue full, record dropped",
			zap.Int64("org_id", record.OrgID),
			zap.String("key_id", record.KeyID),
			zap.String("service", record.Service))
	}
}

// splitAPIKey parses "key_id.key_secret". Both halves must be non-empty and
// the secret itself may not contain further dots.
func splitAPIKey(raw string) (keyID, keySecret string, ok bool) {
	raw = strings.TrimSpace(raw)
	idx := strings.IndexByte(raw, '.')
	if idx <= 0 || idx == len(raw)-1 {
		return "", "", false
	}
	keyID, keySecret = raw[:idx], raw[idx+1:]
	if strings.ContainsRune(keySecret, '.') {
		return "", "", false
	}
	return keyID, keySecret, true
}

func (s *VendorService) record(keyID, action string, outcome domain.Outcome, reason, ip, severity string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(domain.AuditEvent{
		ActorType:  domain.ActorVendor,
		ActorID:    keyID,
		Action:     action,
		Outcome:    outcome,
		ReasonCode: reason,
		IP:         ip,
		Severity:   severity,
	})
}

func (s *VendorService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
