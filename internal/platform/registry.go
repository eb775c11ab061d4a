package platform

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/radiusdt/ads-metrics-engine/internal/config"
	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/funnel"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Account is a resolved (tenant, platform) pair: the client to fetch with and the
// normalizer carrying the tenant's custom conversions.
type Account struct {
	Client     Client
	Normalizer *funnel.Normalizer
}

type accountKey struct {
	tenant   string
	platform models.Platform
}

// Registry resolves tenants to platform accounts.
type Registry struct {
	mu       sync.RWMutex
	accounts map[accountKey]Account
}

func NewRegistry() *Registry {
	return &Registry{accounts: make(map[accountKey]Account)}
}

// Register adds or replaces the account for (tenant, platform).
func (r *Registry) Register(tenantID string, p models.Platform, client Client, n *funnel.Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[accountKey{tenantID, p}] = Account{Client: client, Normalizer: n}
}

// Resolve returns the account for (tenant, platform) or a NotFound error.
func (r *Registry) Resolve(tenantID string, p models.Platform) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[accountKey{tenantID, p}]
	if !ok {
		return Account{}, errs.NotFound("registry.resolve", "tenant %q has no %s account", tenantID, p)
	}
	return acct, nil
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}

// BuildRegistry creates one client per configured tenant account. Clients for the same
// platform share a rate limiter.
func BuildRegistry(ctx context.Context, tenants *config.TenantRegistry, cfg config.PlatformsConfig, hc *http.Client, obs Observer, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	if tenants == nil {
		return reg, nil
	}

	metaLimiter := NewLimiter(cfg.Meta.RPS)
	googleLimiter := NewLimiter(cfg.Google.RPS)

	for _, t := range tenants.Tenants {
		if t.Meta != nil {
			n, err := funnel.New(models.PlatformMeta, t.Meta.CustomConversions)
			if err != nil {
				return nil, fmt.Errorf("tenant %q meta: %w", t.ID, err)
			}
			client := NewMetaClient(MetaOptions{
				BaseURL:     cfg.Meta.BaseURL,
				APIVersion:  cfg.Meta.APIVersion,
				AdAccountID: t.Meta.AdAccountID,
				Tokens:      oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.Meta.AccessToken}),
				HTTPClient:  hc,
				Limiter:     metaLimiter,
				Observer:    obs,
			})
			reg.Register(t.ID, models.PlatformMeta, client, n)
		}

		if t.Google != nil {
			n, err := funnel.New(models.PlatformGoogle, t.Google.CustomConversions)
			if err != nil {
				return nil, fmt.Errorf("tenant %q google: %w", t.ID, err)
			}
			tokenCtx := ctx
			if hc != nil {
				tokenCtx = context.WithValue(ctx, oauth2.HTTPClient, hc)
			}
			tokens := GoogleRefreshTokenSource(tokenCtx,
				cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenURL, t.Google.RefreshToken)
			client := NewGoogleClient(GoogleOptions{
				BaseURL:         cfg.Google.BaseURL,
				APIVersion:      cfg.Google.APIVersion,
				CustomerID:      t.Google.CustomerID,
				DeveloperToken:  cfg.Google.DeveloperToken,
				LoginCustomerID: cfg.Google.LoginCustomerID,
				Tokens:          tokens,
				HTTPClient:      hc,
				Limiter:         googleLimiter,
				Observer:        obs,
			})
			reg.Register(t.ID, models.PlatformGoogle, client, n)
		}

		logger.Debug("registered tenant",
			zap.String("tenant_id", t.ID),
			zap.Bool("meta", t.Meta != nil),
			zap.Bool("google", t.Google != nil),
		)
	}

	logger.Info("platform registry built",
		zap.Int("tenants", len(tenants.Tenants)),
		zap.Int("accounts", reg.Len()),
	)
	return reg, nil
}
