package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenSource is the subset of *token.Manager the refresher needs.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, bool)
}

// SessionChecker reports whether credentials are stored. *credentials.Store implements it.
type SessionChecker interface {
	HasSession() bool
}

// TokenRefresher periodically asks for a valid access token so that tokens are
// refreshed ahead of expiry while no calls are being made. It goes through the
// token manager, so it joins any refresh already in flight instead of starting one.
type TokenRefresher struct {
	logger   *zap.Logger
	tokens   TokenSource
	session  SessionChecker
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTokenRefresher constructs a background job that runs every interval.
func NewTokenRefresher(logger *zap.Logger, tokens TokenSource, session SessionChecker, interval time.Duration) *TokenRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenRefresher{
		logger:   logger,
		tokens:   tokens,
		session:  session,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the refresh loop until ctx is done or Stop is called.
func (r *TokenRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("token_refresher.started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("token_refresher.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("token_refresher.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the refresher. It is safe to call more than once.
func (r *TokenRefresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// runOnce checks the session and refreshes it when due. It reports whether a
// usable token was available.
func (r *TokenRefresher) runOnce(ctx context.Context) bool {
	if r.session != nil && !r.session.HasSession() {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	if _, ok := r.tokens.GetValidAccessToken(cctx); !ok {
		r.logger.Warn("token_refresher.no_valid_token")
		return false
	}
	r.logger.Debug("token_refresher.ok")
	return true
}
