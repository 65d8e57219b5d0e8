package ports

import (
	"context"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
)

// AccountRepository is a read-only view of tenant configuration.
type AccountRepository interface {
	GetByID(ctx context.Context, id domain.AccountID) (domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	FindByBucket(ctx context.Context, bucket string) (domain.Account, domain.BucketGrant, error)
}
