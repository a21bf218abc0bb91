// Package token owns the refresh protocol for the panel backend's access tokens.
//
// A Manager hands out access tokens that are not known to be expired and refreshes
// them when they are. Concurrent callers share one in-flight refresh, so the backend
// never sees two refresh calls at the same time.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gamedeck/panel-gateway/internal/apierr"
	"github.com/gamedeck/panel-gateway/internal/credentials"
	"github.com/gamedeck/panel-gateway/internal/metrics"
	"github.com/gamedeck/panel-gateway/pkg/model"
	"github.com/gamedeck/panel-gateway/pkg/utils"
)

var (
	// ErrNoCredentials is returned when no credential pair is stored, including
	// when the session was logged out while a refresh was in flight.
	ErrNoCredentials = errors.New("token: no credentials stored")
	// ErrRefreshRejected is returned when the backend refused the refresh token.
	// The store has been cleared when this is returned.
	ErrRefreshRejected = errors.New("token: refresh token rejected")
)

const (
	defaultExpirySkew = 30 * time.Second
	refreshKey        = "refresh"
	maxResponseBody   = 1 << 20
)

// Config locates the auth endpoints.
type Config struct {
	LoginURL   string
	RefreshURL string
	// ExpirySkew treats access tokens as expired this long before their exp claim.
	ExpirySkew time.Duration
}

// Manager implements the refresh protocol on top of a credentials.Store.
type Manager struct {
	logger *zap.Logger
	store  *credentials.Store
	client *http.Client
	cfg    Config
	now    func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	stale string // access token the backend has rejected
}

// NewManager creates a Manager. httpClient should carry a timeout since the shared
// refresh is not bound to any single caller's context.
func NewManager(store *credentials.Store, httpClient *http.Client, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = defaultExpirySkew
	}
	return &Manager{
		logger: logger,
		store:  store,
		client: httpClient,
		cfg:    cfg,
		now:    time.Now,
	}
}

// GetValidAccessToken returns an access token that is not known to be expired,
// refreshing it first when needed. ok is false when no credentials are stored or
// the refresh failed.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, bool) {
	pair, ok := m.store.Get()
	if !ok {
		return "", false
	}
	if !m.needsRefresh(pair.AccessToken) {
		return pair.AccessToken, true
	}

	pair, err := m.Refresh(ctx)
	if err != nil {
		return "", false
	}
	return pair.AccessToken, true
}

// Refresh exchanges the stored refresh token for a new pair. Callers arriving while
// a refresh is in flight wait for that refresh and receive its result. A caller whose
// ctx ends stops waiting but does not cancel the shared refresh.
func (m *Manager) Refresh(ctx context.Context) (model.CredentialPair, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh(shared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.CredentialPair{}, res.Err
		}
		return res.Val.(model.CredentialPair), nil
	case <-ctx.Done():
		return model.CredentialPair{}, ctx.Err()
	}
}

// HandleAPIError decides whether a request that failed with status is worth a
// refresh-and-retry. rejected is the access token the failed request presented;
// when it is still the stored token it is marked stale so the next
// GetValidAccessToken refreshes regardless of its exp claim.
//
// It returns false, clearing the store, when refreshing cannot succeed: no
// refresh token is stored or the refresh token itself has expired.
func (m *Manager) HandleAPIError(ctx context.Context, rejected string, status int, message string) bool {
	if status != http.StatusUnauthorized {
		return false
	}

	pair, ok := m.store.Get()
	if !ok {
		m.logger.Info("token.unauthorized_without_session", zap.String("message", message))
		return false
	}
	if pair.RefreshToken == "" {
		m.logger.Warn("token.refresh_token_missing", zap.String("message", message))
		m.clear(ctx, "refresh_token_missing")
		return false
	}
	if exp, ok := credentials.Expiry(pair.RefreshToken); ok && !m.now().Before(exp) {
		m.logger.Warn("token.refresh_token_expired",
			zap.Time("expired_at", exp),
			zap.String("message", message))
		m.clear(ctx, "refresh_token_expired")
		return false
	}

	if rejected == "" || rejected == pair.AccessToken {
		m.mu.Lock()
		m.stale = pair.AccessToken
		m.mu.Unlock()
	}

	m.logger.Debug("token.unauthorized",
		zap.String("access", utils.MaskToken(rejected)),
		zap.String("message", message))
	return true
}

// Login authenticates with username and password and stores the issued pair.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	resp, err := m.post(ctx, m.cfg.LoginURL, model.LoginRequest{Username: username, Password: password})
	if err != nil {
		return err
	}
	if resp.Status != 0 {
		return apierr.Translate(resp.Status, resp.Body)
	}
	if resp.Token.AccessToken == "" {
		return apierr.New(apierr.KindUnknown, 0, "Login response did not contain an access token")
	}

	if err := m.store.Set(ctx, resp.Token.Pair(), "login"); err != nil {
		m.logger.Warn("token.login_persist_failed", zap.Error(err))
	}
	m.resetStale()
	m.logger.Info("token.logged_in",
		zap.String("username", username),
		zap.String("access", utils.MaskToken(resp.Token.AccessToken)))
	return nil
}

// Logout clears the stored credentials. It is safe to call when already logged out.
func (m *Manager) Logout(ctx context.Context, reason string) error {
	m.resetStale()
	return m.store.Clear(ctx, reason)
}

func (m *Manager) needsRefresh(access string) bool {
	m.mu.Lock()
	stale := m.stale != "" && m.stale == access
	m.mu.Unlock()
	if stale {
		return true
	}

	exp, ok := credentials.Expiry(access)
	if !ok {
		// opaque tokens are used until the backend rejects them
		return false
	}
	return !m.now().Add(m.cfg.ExpirySkew).Before(exp)
}

func (m *Manager) refresh(ctx context.Context) (model.CredentialPair, error) {
	pair, gen, ok := m.store.Snapshot()
	if !ok {
		return model.CredentialPair{}, ErrNoCredentials
	}
	// a refresh that finished just before this one started already did the work
	if !m.needsRefresh(pair.AccessToken) {
		return pair, nil
	}
	if pair.RefreshToken == "" {
		if !m.clearIf(ctx, gen, "refresh_token_missing") {
			return m.superseded()
		}
		metrics.IncTokenRefresh("rejected")
		return model.CredentialPair{}, ErrRefreshRejected
	}

	start := m.now()
	resp, err := m.post(ctx, m.cfg.RefreshURL, model.RefreshRequest{RefreshToken: pair.RefreshToken})
	if err != nil {
		metrics.IncTokenRefresh("error")
		m.logger.Warn("token.refresh_failed", zap.Error(err))
		return model.CredentialPair{}, err
	}

	switch {
	case resp.Status == http.StatusBadRequest || resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		m.logger.Warn("token.refresh_rejected", zap.Int("status", resp.Status))
		if !m.clearIf(ctx, gen, "refresh_rejected") {
			return m.superseded()
		}
		metrics.IncTokenRefresh("rejected")
		return model.CredentialPair{}, fmt.Errorf("%w: %w", ErrRefreshRejected, apierr.Translate(resp.Status, resp.Body))
	case resp.Status != 0:
		metrics.IncTokenRefresh("error")
		m.logger.Warn("token.refresh_failed", zap.Int("status", resp.Status))
		return model.CredentialPair{}, apierr.Translate(resp.Status, resp.Body)
	case resp.Token.AccessToken == "":
		metrics.IncTokenRefresh("error")
		return model.CredentialPair{}, apierr.New(apierr.KindUnknown, 0, "Refresh response did not contain an access token")
	}

	next := resp.Token.Pair()
	if next.RefreshToken == "" {
		next.RefreshToken = pair.RefreshToken
	}
	stored, err := m.store.SetIf(ctx, gen, next, "refresh")
	if err != nil {
		m.logger.Warn("token.refresh_persist_failed", zap.Error(err))
	}
	if !stored {
		return m.superseded()
	}
	// the new pair is visible before the old token loses its stale mark
	m.clearStale(pair.AccessToken)

	metrics.IncTokenRefresh("success")
	m.logger.Info("token.refreshed",
		zap.String("access", utils.MaskToken(next.AccessToken)),
		zap.Duration("elapsed", m.now().Sub(start)))
	return next, nil
}

// superseded is the outcome of a refresh whose starting pair was replaced or
// cleared (login, logout) while the refresh was in flight. The refresh result
// is discarded; callers get whatever the store holds now.
func (m *Manager) superseded() (model.CredentialPair, error) {
	metrics.IncTokenRefresh("superseded")
	if cur, ok := m.store.Get(); ok {
		m.logger.Info("token.refresh_superseded", zap.String("access", utils.MaskToken(cur.AccessToken)))
		return cur, nil
	}
	m.logger.Info("token.refresh_discarded_after_logout")
	return model.CredentialPair{}, ErrNoCredentials
}

// authResponse is the outcome of a login or refresh call. Status holds the HTTP
// status of a non-2xx answer and is 0 on success.
type authResponse struct {
	Status int
	Body   []byte
	Token  model.TokenResponse
}

func (m *Manager) post(ctx context.Context, url string, payload any) (authResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return authResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return authResponse{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return authResponse{}, apierr.Timeout(err)
		}
		return authResponse{}, apierr.Network(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return authResponse{}, apierr.Network(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return authResponse{Status: resp.StatusCode, Body: body}, nil
	}

	var tr model.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return authResponse{}, apierr.New(apierr.KindUnknown, resp.StatusCode, "Invalid response from the auth endpoint").WithCause(err)
	}
	return authResponse{Token: tr}, nil
}

func (m *Manager) clear(ctx context.Context, reason string) {
	m.resetStale()
	if err := m.store.Clear(ctx, reason); err != nil {
		m.logger.Warn("token.clear_failed", zap.Error(err))
	}
}

// clearIf clears the store only if it still holds the generation gen.
func (m *Manager) clearIf(ctx context.Context, gen uint64, reason string) bool {
	cleared, err := m.store.ClearIf(ctx, gen, reason)
	if err != nil {
		m.logger.Warn("token.clear_failed", zap.Error(err))
	}
	if cleared {
		m.resetStale()
	}
	return cleared
}

// clearStale drops the stale mark if it still names access.
func (m *Manager) clearStale(access string) {
	m.mu.Lock()
	if m.stale == access {
		m.stale = ""
	}
	m.mu.Unlock()
}

func (m *Manager) resetStale() {
	m.mu.Lock()
	m.stale = ""
	m.mu.Unlock()
}
