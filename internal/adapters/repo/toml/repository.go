// Package toml reads tenant configuration from a TOML file. The file is owned
// by whoever administers the pool; this package never writes it.
package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	AccountsPathKey    = "accounts.path"
	accountsConfigDir  = ".buildpool"
	accountsConfigFile = "accounts.toml"
)

type Repository struct {
	accountsPath string
}

var _ ports.AccountRepository = (*Repository)(nil)

// NewRepository resolves the accounts file from cfg, defaulting to
// ~/.buildpool/accounts.toml. A missing file reads as no accounts.
func NewRepository(cfg *viper.Viper) (*Repository, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	accountsPath := cfg.GetString(AccountsPathKey)
	if accountsPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		accountsPath = filepath.Join(homeDir, accountsConfigDir, accountsConfigFile)
	}

	accountsPath, err := normalizeAccountsPath(accountsPath)
	if err != nil {
		return nil, err
	}

	return &Repository{accountsPath: accountsPath}, nil
}

func (r *Repository) Path() string {
	return r.accountsPath
}

func (r *Repository) GetByID(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	accounts, err := r.List(ctx)
	if err != nil {
		return domain.Account{}, err
	}

	for _, account := range accounts {
		if account.ID == id {
			return account, nil
		}
	}

	return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
}

func (r *Repository) List(ctx context.Context) ([]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.Account, 0, len(file.Accounts))
	for _, entry := range file.Accounts {
		accounts = append(accounts, fromSchema(entry))
	}
	if err := validate(accounts); err != nil {
		return nil, fmt.Errorf("accounts file %s: %w", r.accountsPath, err)
	}

	return accounts, nil
}

// FindByBucket returns the account granted bucket together with the grant.
func (r *Repository) FindByBucket(ctx context.Context, bucket string) (domain.Account, domain.BucketGrant, error) {
	accounts, err := r.List(ctx)
	if err != nil {
		return domain.Account{}, domain.BucketGrant{}, err
	}

	for _, account := range accounts {
		if grant, ok := account.GrantFor(bucket); ok {
			return account, grant, nil
		}
	}

	return domain.Account{}, domain.BucketGrant{}, fmt.Errorf("%w: no account grants bucket %s", domain.ErrAccountNotFound, bucket)
}

func (r *Repository) readSchema() (fileSchema, error) {
	data, err := os.ReadFile(r.accountsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{}, nil
		}
		return fileSchema{}, fmt.Errorf("read accounts file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode accounts file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

// validate checks every account and that no bucket is granted twice.
func validate(accounts []domain.Account) error {
	ids := make(map[domain.AccountID]struct{}, len(accounts))
	owners := make(map[string]domain.AccountID)

	for _, account := range accounts {
		if err := account.Validate(); err != nil {
			return err
		}
		if _, ok := ids[account.ID]; ok {
			return fmt.Errorf("account %s listed twice", account.ID)
		}
		ids[account.ID] = struct{}{}

		for _, grant := range account.Buckets {
			if owner, ok := owners[grant.Bucket]; ok {
				return fmt.Errorf("bucket %s granted to both %s and %s", grant.Bucket, owner, account.ID)
			}
			owners[grant.Bucket] = account.ID
		}
	}

	return nil
}

func normalizeAccountsPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(homeDir, strings.TrimPrefix(path, "~/"))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve accounts path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func fromSchema(account accountSchema) domain.Account {
	var buckets []domain.BucketGrant
	for _, b := range account.Buckets {
		buckets = append(buckets, domain.BucketGrant{
			Bucket:            strings.TrimSpace(b.Bucket),
			ServiceAccountRef: strings.TrimSpace(b.ServiceAccountRef),
		})
	}

	name := account.Name
	if name == "" {
		name = account.ID
	}

	return domain.Account{
		ID:      domain.AccountID(strings.TrimSpace(account.ID)),
		Name:    name,
		Buckets: buckets,
	}
}
