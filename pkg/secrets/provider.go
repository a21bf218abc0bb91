package secrets

import (
	"context"
	"errors"
)

// ErrSecretNotFound is returned when the named secret (or the requested version
// of it) does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Provider fetches a named secret as a flat key/value map.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, name string) (map[string]string, error)

func (f ProviderFunc) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	return f(ctx, name)
}
