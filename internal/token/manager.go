// Package token owns OAuth credential state for connected accounts: it hands
// out valid credentials, refreshes them ahead of expiry, and faults accounts
// whose grants were revoked.
package token

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"social-publisher/internal/models"
	"social-publisher/internal/provider"
	"social-publisher/internal/ratelimit"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
)

// Manager implements ensure-valid semantics over the account repository.
type Manager struct {
	repo     store.Repository
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	margin   time.Duration
	group    singleflight.Group
	log      zerolog.Logger
}

// New builds a manager. limiter may be nil (refresh calls then bypass budget
// accounting, e.g. in tests).
func New(repo store.Repository, registry *provider.Registry, limiter *ratelimit.Limiter, margin time.Duration, log zerolog.Logger) *Manager {
	if margin <= 0 {
		margin = 2 * time.Minute
	}
	return &Manager{repo: repo, registry: registry, limiter: limiter, margin: margin, log: log}
}

// EnsureValid returns a credential that will stay valid for at least the
// refresh margin, refreshing it first if necessary. Concurrent callers for
// one account share a single refresh.
func (m *Manager) EnsureValid(ctx context.Context, accountID string) (provider.Credential, error) {
	a, err := m.repo.GetAccount(ctx, accountID)
	if err != nil {
		return provider.Credential{}, models.WrapPublishError(models.KindConfiguration, err)
	}
	if a.Faulted {
		return provider.Credential{}, models.NewPublishError(models.KindAccountRevoked, "account is faulted; reconnect required")
	}
	if time.Until(a.TokenExpiresAt) > m.margin {
		return credentialOf(a), nil
	}

	// One refresh in flight per account; everyone else waits and reuses it.
	v, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return provider.Credential{}, err
	}
	return v.(provider.Credential), nil
}

func (m *Manager) refresh(ctx context.Context, accountID string) (provider.Credential, error) {
	// Re-read inside the flight: a refresh that just completed on another
	// goroutine already moved the expiry out.
	a, err := m.repo.GetAccount(ctx, accountID)
	if err != nil {
		return provider.Credential{}, models.WrapPublishError(models.KindConfiguration, err)
	}
	if a.Faulted {
		return provider.Credential{}, models.NewPublishError(models.KindAccountRevoked, "account is faulted; reconnect required")
	}
	if time.Until(a.TokenExpiresAt) > m.margin {
		return credentialOf(a), nil
	}

	p, err := m.registry.Lookup(a.Platform)
	if err != nil {
		return provider.Credential{}, err
	}

	if m.limiter != nil {
		if d := m.limiter.TryAcquire(ctx, accountID, p.Capabilities().RefreshClass); !d.Granted {
			return provider.Credential{}, &models.PublishError{
				Kind:    models.KindRateLimited,
				Message: "refresh budget exhausted",
				RetryAt: &d.RetryAt,
			}
		}
	}

	next, err := p.Refresh(ctx, credentialOf(a))
	if err != nil {
		kind := models.KindOf(err)
		if kind == models.KindUnauthorized || kind == models.KindAccountRevoked {
			m.log.Warn().Str("account_id", accountID).Str("platform", a.Platform).Msg("refresh rejected; faulting account")
			if _, ferr := m.FaultAccount(ctx, accountID, err.Error()); ferr != nil {
				m.log.Error().Err(ferr).Str("account_id", accountID).Msg("fault account failed")
			}
			return provider.Credential{}, models.NewPublishError(models.KindAccountRevoked, err.Error())
		}
		// Network/5xx refresh failures surface retryable so the caller's
		// normal retry policy applies.
		return provider.Credential{}, err
	}

	if err := m.repo.UpdateAccountCredential(ctx, accountID, next.AccessToken, next.RefreshToken, next.ExpiresAt); err != nil {
		return provider.Credential{}, models.WrapPublishError(models.KindConfiguration, err)
	}
	telemetry.TokenRefreshes.Inc()
	m.log.Debug().Str("account_id", accountID).Time("expires_at", next.ExpiresAt).Msg("credential refreshed")
	next.AccountID = accountID
	return next, nil
}

// FaultAccount marks the account revoked and fails all its dispatchable
// targets, returning them so the caller can recompute post aggregates.
func (m *Manager) FaultAccount(ctx context.Context, accountID, reason string) ([]models.Target, error) {
	applied, err := m.repo.MarkAccountFaulted(ctx, accountID, reason)
	if err != nil {
		return nil, err
	}
	if applied {
		telemetry.AccountsFaulted.Inc()
	}
	return m.repo.FailPendingTargetsForAccount(ctx, accountID, models.KindAccountRevoked, reason)
}

func credentialOf(a models.Account) provider.Credential {
	return provider.Credential{
		AccountID:    a.ID,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    a.TokenExpiresAt,
	}
}
