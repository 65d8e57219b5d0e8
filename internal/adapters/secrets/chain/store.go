// Package chain reads a secret from the first backend that holds it.
package chain

import (
	"context"
	"errors"
	"fmt"

	filestore "github.com/JoshuaMGoldstein/buildpool/internal/adapters/secrets/file"
	passstore "github.com/JoshuaMGoldstein/buildpool/internal/adapters/secrets/pass"
	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
)

var errNoBackends = errors.New("secret chain has no backends")

// Backend is one named link of the chain. The name shows up in errors.
type Backend struct {
	Name  string
	Store ports.SecretStore
}

type Store struct {
	backends []Backend
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore(backends ...Backend) (*Store, error) {
	if len(backends) == 0 {
		return nil, errNoBackends
	}
	for i, b := range backends {
		if b.Store == nil {
			return nil, fmt.Errorf("secret backend %d (%s) is nil", i, b.Name)
		}
	}

	return &Store{backends: backends}, nil
}

// ForServiceAccounts looks keys up in pass first, then in owner-only files
// under dir.
func ForServiceAccounts(dir string) (*Store, error) {
	return NewStore(
		Backend{Name: "pass", Store: passstore.NewStore(passstore.DefaultPrefix)},
		Backend{Name: "file", Store: filestore.NewStore(dir)},
	)
}

// Get returns ErrSecretNotFound only when every backend reports the key
// missing. A cancelled context stops the walk.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var (
		errs    []error
		missing int
	)

	for _, b := range s.backends {
		value, err := b.Store.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if errors.Is(err, domain.ErrSecretNotFound) {
			missing++
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}

	if missing == len(s.backends) {
		return "", fmt.Errorf("%w: %s", domain.ErrSecretNotFound, key)
	}

	return "", fmt.Errorf("secret %s: %w", key, errors.Join(errs...))
}
