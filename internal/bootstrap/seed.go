package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/config"
	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/repository"
)

// EnsureSeedClient registers the default OAuth client for dev/e2e if missing.
// A blank SEED_CLIENT_ID disables the bootstrap entirely.
func EnsureSeedClient(lc fx.Lifecycle, cfg config.Config, clients repository.ClientRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureSeedClient(ctx, cfg, clients, node, logger)
		},
	})
}

func ensureSeedClient(ctx context.Context, cfg config.Config, clients repository.ClientRepository, node *snowflake.Node, logger *zap.Logger) error {
	clientID := strings.TrimSpace(cfg.SeedClientID)
	if clientID == "" {
		return nil
	}
	if len(cfg.SeedRedirectURIs) == 0 {
		return fmt.Errorf("seed client requires at least one redirect uri")
	}

	if _, err := clients.GetByClientID(ctx, clientID); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("bootstrap lookup client: %w", err)
	}

	client := domain.OAuthClient{
		ID:            node.Generate().Int64(),
		ClientID:      clientID,
		ClientType:    domain.ClientTypePublic,
		RedirectURIs:  cfg.SeedRedirectURIs,
		AllowedScopes: cfg.SeedScopes,
		RequiresPKCE:  true,
	}

	created, err := clients.Create(ctx, client)
	if err != nil {
		return fmt.Errorf("bootstrap create client: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap oauth client created",
			zap.String("client_id", created.ClientID),
			zap.Strings("redirect_uris", created.RedirectURIs),
		)
	}
	return nil
}
