// Package mount resolves container volumes. Bucket sources become a gcsfuse
// mount executed inside the container; host directories become file maps.
package mount

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
)

const (
	DefaultKeyDir = "/var/run/buildpool/keys"
	// KeyEnv carries the base64 service-account key into the one exec that
	// writes it. Nothing else sees it.
	KeyEnv = "BPOOL_MOUNT_KEY"
)

var ErrNoAccountConfig = errors.New("bucket volumes need account configuration")

// Target is the slice of a container runtime the mount sequence needs.
type Target interface {
	Exec(ctx context.Context, name domain.ContainerName, command string, opts domain.ExecOptions) (domain.ExecResult, error)
}

type Resolver struct {
	accounts ports.AccountRepository
	secrets  ports.SecretStore
	keyDir   string
}

func NewResolver(accounts ports.AccountRepository, secrets ports.SecretStore) *Resolver {
	return &Resolver{accounts: accounts, secrets: secrets, keyDir: DefaultKeyDir}
}

type Plan struct {
	Account  domain.AccountID
	Bucket   string
	Path     string
	Target   string
	KeyPath  string
	Key      []byte
	Commands []string
}

// KeyCommand writes the key from KeyEnv to KeyPath, readable by root only.
func (p Plan) KeyCommand() string {
	return fmt.Sprintf(`umask 077 && mkdir -p %s && printf '%%s' "$%s" | base64 -d > %s`,
		Quote(path.Dir(p.KeyPath)), KeyEnv, Quote(p.KeyPath))
}

func (r *Resolver) Plan(ctx context.Context, vol domain.Volume) (Plan, error) {
	bucket, dir, ok := vol.Bucket()
	if !ok {
		return Plan{}, fmt.Errorf("volume %s is not a bucket", vol.Source)
	}
	if r == nil || r.accounts == nil || r.secrets == nil {
		return Plan{}, ErrNoAccountConfig
	}

	account, grant, err := r.accounts.FindByBucket(ctx, bucket)
	if err != nil {
		return Plan{}, fmt.Errorf("resolve bucket %s: %w", bucket, err)
	}

	key, err := r.secrets.Get(ctx, grant.ServiceAccountRef)
	if err != nil {
		return Plan{}, fmt.Errorf("load service account for bucket %s: %w", bucket, err)
	}

	keyPath := path.Join(r.keyDir, bucket+".json")
	mountCmd := []string{"gcsfuse", "--implicit-dirs", "--key-file", Quote(keyPath)}
	if dir != "" {
		mountCmd = append(mountCmd, "--only-dir", Quote(dir))
	}
	mountCmd = append(mountCmd, Quote(bucket), Quote(vol.Target))

	return Plan{
		Account: account.ID,
		Bucket:  bucket,
		Path:    dir,
		Target:  vol.Target,
		KeyPath: keyPath,
		Key:     []byte(key),
		Commands: []string{
			"mkdir -p " + Quote(vol.Target),
			strings.Join(mountCmd, " "),
		},
	}, nil
}

// Mount runs the plan for vol inside the named container. The key is written
// by a one-off root exec, so it never joins the container's file overlay and
// is not replayed into later execs.
func (r *Resolver) Mount(ctx context.Context, target Target, name domain.ContainerName, vol domain.Volume) error {
	plan, err := r.Plan(ctx, vol)
	if err != nil {
		return err
	}

	result, err := target.Exec(ctx, name, plan.KeyCommand(), domain.ExecOptions{
		User: "root",
		Env:  map[string]string{KeyEnv: base64.StdEncoding.EncodeToString(plan.Key)},
	})
	if err != nil {
		return fmt.Errorf("write key for bucket %s: %w", plan.Bucket, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write key for bucket %s: exited %d: %s", plan.Bucket, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	for _, command := range plan.Commands {
		result, err := target.Exec(ctx, name, command, domain.ExecOptions{User: "root"})
		if err != nil {
			return fmt.Errorf("mount bucket %s: %w", plan.Bucket, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("mount bucket %s: %q exited %d: %s", plan.Bucket, command, result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}

	return nil
}

// LoadDirectory walks source and returns its regular files keyed by their
// path under target.
func LoadDirectory(source, target string) (map[string][]byte, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("stat volume source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("volume source %s is not a directory", source)
	}

	files := make(map[string][]byte)
	err = filepath.WalkDir(source, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		files[path.Join(target, filepath.ToSlash(rel))] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk volume source %s: %w", source, err)
	}

	return files, nil
}

// Quote single-quotes s for /bin/sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuotePath is Quote that leaves a leading ~/ outside the quotes so the shell
// still expands it.
func QuotePath(p string) string {
	if strings.HasPrefix(p, "~/") {
		return "~/" + Quote(strings.TrimPrefix(p, "~/"))
	}

	return Quote(p)
}
