package cmd

import (
	"fmt"

	statusadapter "github.com/JoshuaMGoldstein/buildpool/internal/adapters/render/status"
	tomlrepo "github.com/JoshuaMGoldstein/buildpool/internal/adapters/repo/toml"
	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/docker"
	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/local"
	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/mount"
	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/remote"
	chainstore "github.com/JoshuaMGoldstein/buildpool/internal/adapters/secrets/chain"
	"github.com/JoshuaMGoldstein/buildpool/internal/application"
	"github.com/JoshuaMGoldstein/buildpool/internal/config"
	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	cfg          config.Config
	log          *logrus.Logger
	accounts     ports.AccountRepository
	secrets      ports.SecretStore
	mounts       *mount.Resolver
	renderStatus func(domain.PoolSnapshot) (string, error)
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.New()
	if err != nil {
		return err
	}

	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlag(config.KeyRuntime, flags.Lookup("runtime")); err != nil {
		return fmt.Errorf("bind runtime flag: %w", err)
	}
	if err := v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level")); err != nil {
		return fmt.Errorf("bind log level flag: %w", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	v.Set(tomlrepo.AccountsPathKey, cfg.AccountsPath)
	repo, err := tomlrepo.NewRepository(v)
	if err != nil {
		return fmt.Errorf("wire account repository: %w", err)
	}

	secrets, err := chainstore.ForServiceAccounts(cfg.SecretsDir)
	if err != nil {
		return fmt.Errorf("wire secret store chain: %w", err)
	}

	a.cfg = cfg
	a.log = config.NewLogger(cfg, cmd.ErrOrStderr())
	a.accounts = repo
	a.secrets = secrets
	a.mounts = mount.NewResolver(repo, secrets)
	a.renderStatus = statusadapter.Render
	return nil
}

// newRuntime builds the configured runtime. The returned func releases
// whatever the runtime holds open.
func (a *app) newRuntime() (ports.ContainerRuntime, func() error, error) {
	noop := func() error { return nil }

	switch a.cfg.Runtime {
	case config.RuntimeRemote:
		return remote.New(remote.Options{
			Endpoints:   a.cfg.Endpoints,
			Token:       a.cfg.Token,
			ExecTimeout: a.cfg.ExecTimeout,
			Mounts:      a.mounts,
			Logger:      a.log,
		}), noop, nil
	case config.RuntimeLocal:
		rt, err := local.New(local.Options{
			Root:        a.cfg.LocalRoot,
			ExecTimeout: a.cfg.ExecTimeout,
			Logger:      a.log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire local runtime: %w", err)
		}
		return rt, noop, nil
	case config.RuntimeDocker:
		cli, err := docker.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("wire docker runtime: %w", err)
		}
		return docker.New(cli, docker.Options{
			Images:      a.cfg.DockerImages,
			ExecTimeout: a.cfg.ExecTimeout,
			Mounts:      a.mounts,
			Logger:      a.log,
		}), cli.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown runtime %q", a.cfg.Runtime)
	}
}

func (a *app) newPool(runtime ports.ContainerRuntime, image domain.Image, opts domain.RunOptions) *application.PoolService {
	return application.NewPoolService(runtime, application.PoolConfig{
		Size:         a.cfg.Pool.Size,
		AccountLimit: a.cfg.Pool.AccountLimit,
		WaitTimeout:  a.cfg.Pool.WaitTimeout,
		IdleTimeout:  a.cfg.Pool.IdleTimeout,
		ReapInterval: a.cfg.Pool.ReapInterval,
		Image:        image,
		RunOptions:   opts,
		Logger:       a.log,
	})
}
