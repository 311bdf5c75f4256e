package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/crewline/foreman/pkg/log"
	"github.com/crewline/foreman/pkg/metrics"
)

// ErrRefreshFailed is returned when the credential source cannot produce a
// fresh token. The provider never falls back to a stale token; callers
// decide whether to retry.
var ErrRefreshFailed = errors.New("refresh_failed")

// refreshTimeout bounds a single refresh attempt
const refreshTimeout = 10 * time.Second

// Credential is a short-lived downstream code-host credential
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// RefreshFunc obtains a new credential from the source of truth
type RefreshFunc func(ctx context.Context) (Credential, error)

// Provider caches one credential and refreshes it before expiry. Concurrent
// callers during a refresh share a single in-flight attempt.
type Provider struct {
	refresh RefreshFunc
	margin  time.Duration

	mu   sync.RWMutex
	cred Credential

	group  singleflight.Group
	stopCh chan struct{}
	stopMu sync.Once
	logger zerolog.Logger
}

// NewProvider creates a provider. margin is the safety window before expiry
// at which the cached credential is considered unusable.
func NewProvider(refresh RefreshFunc, margin time.Duration) *Provider {
	return &Provider{
		refresh: refresh,
		margin:  margin,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("token"),
	}
}

// Current returns a credential valid for at least the safety margin,
// refreshing first if necessary.
func (p *Provider) Current(ctx context.Context) (string, error) {
	p.mu.RLock()
	cred := p.cred
	p.mu.RUnlock()

	if cred.Token != "" && time.Until(cred.ExpiresAt) > p.margin {
		return cred.Token, nil
	}

	if err := p.Refresh(ctx); err != nil {
		return "", err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cred.Token, nil
}

// Refresh replaces the cached credential. Idempotent; concurrent calls are
// deduplicated into one refresh against the source.
func (p *Provider) Refresh(ctx context.Context) error {
	_, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()

		cred, err := p.refresh(rctx)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			metrics.UpdateComponent("token", false, "refresh failing")
			p.logger.Error().Err(err).Msg("credential refresh failed")
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}

		p.mu.Lock()
		p.cred = cred
		p.mu.Unlock()

		metrics.TokenRefreshes.WithLabelValues("ok").Inc()
		metrics.UpdateComponent("token", true, "")
		p.logger.Debug().Time("expires_at", cred.ExpiresAt).Msg("credential refreshed")
		return nil, nil
	})
	return err
}

// ExpiresAt returns the cached credential's expiry; zero if none held
func (p *Provider) ExpiresAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cred.ExpiresAt
}

// StartProactiveRefresh refreshes in the background so worker spawns rarely
// block on a cold credential. Failures are logged and retried on the next
// tick; a pipeline that needs the token will surface them as
// token_unavailable.
func (p *Provider) StartProactiveRefresh() {
	interval := p.margin / 2
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.RLock()
				needs := p.cred.Token == "" || time.Until(p.cred.ExpiresAt) <= p.margin
				p.mu.RUnlock()
				if needs {
					_ = p.Refresh(context.Background())
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop ends the proactive refresh loop
func (p *Provider) Stop() {
	p.stopMu.Do(func() { close(p.stopCh) })
}
