package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/application"
	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type execFlags struct {
	account string
	image   string
	user    string
	cwd     string
	env     []string
	files   []string
	volumes []string
	timeout time.Duration
	stream  bool
	stdin   string
	quiet   bool
}

func newExecCmd(app *app) *cobra.Command {
	var f execFlags

	cmd := &cobra.Command{
		Use:   "exec --account <id> [flags] -- <command>",
		Short: "Run one command in a pooled container",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("exec requires a command after '--'")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := app.accounts.GetByID(ctx, domain.AccountID(f.account)); err != nil {
				return fmt.Errorf("account %s: %w", f.account, err)
			}

			image, err := imageOrDefault(f.image, app.cfg.Image)
			if err != nil {
				return err
			}
			runOpts, err := runOptionsFromFlags(f.volumes, nil)
			if err != nil {
				return err
			}
			execOpts, err := execOptionsFromFlags(f)
			if err != nil {
				return err
			}

			runtime, closeRuntime, err := app.newRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			pool := app.newPool(runtime, image, runOpts)
			defer shutdownPool(pool, app.log)

			name, err := allocate(ctx, pool, domain.AccountID(f.account), cmd.ErrOrStderr(), f.quiet)
			if err != nil {
				return err
			}
			defer func() {
				if err := pool.ReleaseBuildServer(context.Background(), name); err != nil {
					app.log.WithError(err).WithField("container", name).Warn("release container")
				}
			}()

			if execOpts.Timeout == 0 {
				execOpts.Timeout = app.cfg.ExecTimeout
			}
			command := strings.Join(args, " ")
			if f.stream {
				return streamExec(ctx, runtime, name, command, execOpts, f.stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
			}

			result, err := runtime.Exec(ctx, name, command, execOpts)
			if err != nil {
				return err
			}
			_, _ = io.WriteString(cmd.OutOrStdout(), result.Stdout)
			_, _ = io.WriteString(cmd.ErrOrStderr(), result.Stderr)
			if result.ExitCode != 0 {
				return ExitError{Code: result.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.account, "account", "", "Account the container is allocated to")
	cmd.Flags().StringVar(&f.image, "image", "", "Container image: build or deploy (default from BPOOL_IMAGE)")
	cmd.Flags().StringVar(&f.user, "user", "", "User to run the command as")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Working directory inside the container")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&f.files, "file", nil, "Copy a local file: <container path>=<local path> (repeatable)")
	cmd.Flags().StringArrayVar(&f.volumes, "volume", nil, "Volume <source>:<target>; gs://bucket/path sources mount a bucket (repeatable)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Kill the command after this long (default BPOOL_EXEC_TIMEOUT_SEC)")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "Stream output while the command runs")
	cmd.Flags().StringVar(&f.stdin, "stdin", "", "Line written to the command's stdin (with --stream)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not show a spinner while waiting for a container")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func allocate(ctx context.Context, pool *application.PoolService, account domain.AccountID, progress io.Writer, quiet bool) (domain.ContainerName, error) {
	var name domain.ContainerName
	get := func(ctx context.Context) error {
		var err error
		name, err = pool.GetBuildServer(ctx, account)
		return err
	}

	if quiet {
		return name, get(ctx)
	}
	err := runAllocation(ctx, progress, account, pool.Snapshot, get)
	return name, err
}

// streamExec copies output chunks as they arrive and maps the exit status.
func streamExec(ctx context.Context, runtime ports.ContainerRuntime, name domain.ContainerName, command string, opts domain.ExecOptions, stdin string, stdout, stderr io.Writer) error {
	handle, err := runtime.SpawnExec(ctx, name, command, opts, stdin)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	copyChunks := func(chunks <-chan string, w io.Writer) {
		defer wg.Done()
		for chunk := range chunks {
			_, _ = io.WriteString(w, chunk)
		}
	}
	wg.Add(2)
	go copyChunks(handle.Stdout(), stdout)
	go copyChunks(handle.Stderr(), stderr)

	timeout := opts.Timeout
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	code, err := handle.Wait(waitCtx)
	if err != nil && errors.Is(err, waitCtx.Err()) {
		_ = handle.Kill()
		if ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", domain.ErrExecTimeout, timeout)
		}
		return err
	}
	wg.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return ExitError{Code: code}
	}
	return nil
}

func shutdownPool(pool *application.PoolService, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("pool shutdown")
	}
}

func imageOrDefault(raw string, fallback domain.Image) (domain.Image, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return domain.ParseImage(raw)
}

func execOptionsFromFlags(f execFlags) (domain.ExecOptions, error) {
	env, err := parseEnv(f.env)
	if err != nil {
		return domain.ExecOptions{}, err
	}
	files, err := readFiles(f.files)
	if err != nil {
		return domain.ExecOptions{}, err
	}

	return domain.ExecOptions{
		User:    f.user,
		Cwd:     f.cwd,
		Env:     env,
		Files:   files,
		Timeout: f.timeout,
	}, nil
}

func runOptionsFromFlags(volumes []string, env map[string]string) (domain.RunOptions, error) {
	opts := domain.RunOptions{Env: env}
	for _, raw := range volumes {
		vol, err := domain.ParseVolume(raw)
		if err != nil {
			return domain.RunOptions{}, err
		}
		opts.Volumes = append(opts.Volumes, vol)
	}
	return opts, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid env %q: expected KEY=VALUE", pair)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}

func readFiles(entries []string) (map[string][]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	files := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		target, source, ok := strings.Cut(entry, "=")
		if !ok || target == "" || source == "" {
			return nil, fmt.Errorf("invalid file %q: expected <container path>=<local path>", entry)
		}
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", source, err)
		}
		files[target] = data
	}
	return files, nil
}
