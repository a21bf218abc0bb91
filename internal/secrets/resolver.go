package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gamedeck/panel-gateway/internal/apierr"
	"github.com/gamedeck/panel-gateway/pkg/eventbus"
	"github.com/gamedeck/panel-gateway/pkg/model"
	pkgsecrets "github.com/gamedeck/panel-gateway/pkg/secrets"
)

// Authenticator logs in with a username and password. *token.Manager implements it.
type Authenticator interface {
	Login(ctx context.Context, username, password string) error
}

// LoginResolver resolves the gateway's service-account login from AWS Secrets
// Manager, caching it locally to reduce API calls.
type LoginResolver struct {
	logger     *zap.Logger
	secretName string
	provider   pkgsecrets.Provider
	cache      *pkgsecrets.Cache[model.LoginRequest]
}

func NewLoginResolver(
	logger *zap.Logger,
	secretName string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[model.LoginRequest],
) *LoginResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginResolver{
		logger:     logger,
		secretName: secretName,
		provider:   provider,
		cache:      cache,
	}
}

// Resolve returns the cached login or fetches it from the provider. Concurrent
// callers share one fetch.
func (r *LoginResolver) Resolve(ctx context.Context) (model.LoginRequest, error) {
	return r.cache.GetOrLoad(ctx, r.secretName, r.fetch)
}

func (r *LoginResolver) fetch(ctx context.Context) (model.LoginRequest, error) {
	secretMap, err := r.provider.GetSecret(ctx, r.secretName)
	if err != nil {
		if errors.Is(err, pkgsecrets.ErrSecretNotFound) {
			r.logger.Error("aws.secret_missing", zap.String("key", r.secretName))
		} else {
			r.logger.Warn("aws.secret_fetch_failed", zap.String("key", r.secretName), zap.Error(err))
		}
		return model.LoginRequest{}, fmt.Errorf("resolve service login: %w", err)
	}

	creds, err := parseLogin(secretMap)
	if err != nil {
		return model.LoginRequest{}, fmt.Errorf("parse secret %q: %w", r.secretName, err)
	}
	r.logger.Info("aws.service_login_resolved", zap.String("username", creds.Username))
	return creds, nil
}

// LoginWith resolves the service login and authenticates with it. When the backend
// rejects the credentials the cached copy is dropped so a rotated secret is picked up
// on the next attempt.
func (r *LoginResolver) LoginWith(ctx context.Context, auth Authenticator) error {
	creds, err := r.Resolve(ctx)
	if err != nil {
		return err
	}
	if err := auth.Login(ctx, creds.Username, creds.Password); err != nil {
		if apierr.KindOf(err) == apierr.KindAuth {
			r.cache.Bust(r.secretName)
		}
		return fmt.Errorf("service login: %w", err)
	}
	return nil
}

// WatchLogout logs in again whenever the session is lost for a reason other than
// an explicit logout. It returns the unsubscribe function.
func (r *LoginResolver) WatchLogout(ctx context.Context, bus *eventbus.Bus, auth Authenticator) func() {
	return bus.Subscribe(model.LoggedOutEvent{}, func(event any) {
		var reason string
		switch e := event.(type) {
		case model.LoggedOutEvent:
			reason = e.Reason
		case *model.LoggedOutEvent:
			reason = e.Reason
		}
		if reason == "logout" || ctx.Err() != nil {
			return
		}
		if err := r.LoginWith(ctx, auth); err != nil {
			r.logger.Warn("secrets.relogin_failed", zap.String("reason", reason), zap.Error(err))
			return
		}
		r.logger.Info("secrets.relogin_succeeded", zap.String("reason", reason))
	})
}

func parseLogin(m map[string]string) (model.LoginRequest, error) {
	creds := model.LoginRequest{
		Username: strings.TrimSpace(m["username"]),
		Password: m["password"],
	}
	if creds.Username == "" {
		return model.LoginRequest{}, fmt.Errorf("secret is missing username")
	}
	if creds.Password == "" {
		return model.LoginRequest{}, fmt.Errorf("secret is missing password")
	}
	return creds, nil
}
