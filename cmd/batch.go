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
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const jobsSchemaVersion = 1

type jobsFile struct {
	Version int        `toml:"version"`
	Image   string     `toml:"image"`
	Volumes []string   `toml:"volumes"`
	Env     kvSchema   `toml:"env"`
	Jobs    []jobEntry `toml:"jobs"`
}

type kvSchema map[string]string

type jobEntry struct {
	Name       string   `toml:"name"`
	Account    string   `toml:"account"`
	Command    string   `toml:"command"`
	User       string   `toml:"user"`
	Cwd        string   `toml:"cwd"`
	TimeoutSec int      `toml:"timeout_sec"`
	Env        kvSchema `toml:"env"`
}

type jobResult struct {
	job      jobEntry
	name     domain.ContainerName
	result   domain.ExecResult
	err      error
	duration time.Duration
}

func (r jobResult) failed() bool {
	return r.err != nil || r.result.ExitCode != 0
}

func newBatchCmd(app *app) *cobra.Command {
	var (
		parallel int
		verbose  bool
		noStatus bool
	)

	cmd := &cobra.Command{
		Use:   "batch <jobs.toml>",
		Short: "Run a file of jobs through the pool and report the pool state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobFile, err := loadJobs(args[0])
			if err != nil {
				return err
			}
			for _, job := range jobFile.Jobs {
				if _, err := app.accounts.GetByID(ctx, domain.AccountID(job.Account)); err != nil {
					return fmt.Errorf("job %s: account %s: %w", job.Name, job.Account, err)
				}
			}

			image, err := imageOrDefault(jobFile.Image, app.cfg.Image)
			if err != nil {
				return err
			}
			runOpts, err := runOptionsFromFlags(jobFile.Volumes, jobFile.Env)
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
			pool.Start(ctx)

			if parallel <= 0 {
				parallel = len(jobFile.Jobs)
			}
			results := runJobs(ctx, pool, runtime, jobFile.Jobs, parallel, app.cfg.ExecTimeout, app.log)

			out := cmd.OutOrStdout()
			failed := 0
			for _, res := range results {
				printJobResult(out, res, verbose)
				if res.failed() {
					failed++
				}
			}

			if !noStatus {
				rendered, err := app.renderStatus(pool.Snapshot())
				if err != nil {
					return fmt.Errorf("render pool status: %w", err)
				}
				_, _ = fmt.Fprintln(out)
				_, _ = fmt.Fprintln(out, rendered)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&parallel, "parallel", 0, "Maximum jobs in flight (default: all; the pool still enforces its limits)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print each job's output")
	cmd.Flags().BoolVar(&noStatus, "no-status", false, "Skip the pool status view")

	return cmd
}

func loadJobs(path string) (jobsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jobsFile{}, fmt.Errorf("read jobs file: %w", err)
	}

	var jobFile jobsFile
	if err := toml.Unmarshal(data, &jobFile); err != nil {
		return jobsFile{}, fmt.Errorf("decode jobs file: %w", err)
	}
	if jobFile.Version == 0 {
		jobFile.Version = jobsSchemaVersion
	}
	if jobFile.Version != jobsSchemaVersion {
		return jobsFile{}, fmt.Errorf("unsupported jobs schema version %d", jobFile.Version)
	}
	if len(jobFile.Jobs) == 0 {
		return jobsFile{}, errors.New("jobs file lists no jobs")
	}

	seen := make(map[string]struct{}, len(jobFile.Jobs))
	for i := range jobFile.Jobs {
		job := &jobFile.Jobs[i]
		if job.Name == "" {
			job.Name = fmt.Sprintf("job-%d", i+1)
		}
		if _, ok := seen[job.Name]; ok {
			return jobsFile{}, fmt.Errorf("job %s listed twice", job.Name)
		}
		seen[job.Name] = struct{}{}
		if strings.TrimSpace(job.Account) == "" {
			return jobsFile{}, fmt.Errorf("job %s: account is required", job.Name)
		}
		if strings.TrimSpace(job.Command) == "" {
			return jobsFile{}, fmt.Errorf("job %s: command is required", job.Name)
		}
	}

	return jobFile, nil
}

// runJobs runs every job to completion; one job failing never cancels another.
func runJobs(ctx context.Context, pool *application.PoolService, runtime ports.ContainerRuntime, jobs []jobEntry, parallel int, defaultTimeout time.Duration, log logrus.FieldLogger) []jobResult {
	results := make([]jobResult, len(jobs))

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(parallel)
	for i, job := range jobs {
		g.Go(func() error {
			res := runJob(ctx, pool, runtime, job, defaultTimeout, log)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func runJob(ctx context.Context, pool *application.PoolService, runtime ports.ContainerRuntime, job jobEntry, defaultTimeout time.Duration, log logrus.FieldLogger) jobResult {
	res := jobResult{job: job}
	start := time.Now()

	name, err := pool.GetBuildServer(ctx, domain.AccountID(job.Account))
	if err != nil {
		res.err = err
		res.duration = time.Since(start)
		return res
	}
	res.name = name
	defer func() {
		if err := pool.ReleaseBuildServer(context.Background(), name); err != nil {
			log.WithError(err).WithField("container", name).Warn("release container")
		}
	}()

	timeout := defaultTimeout
	if job.TimeoutSec > 0 {
		timeout = time.Duration(job.TimeoutSec) * time.Second
	}
	res.result, res.err = runtime.Exec(ctx, name, job.Command, domain.ExecOptions{
		User:    job.User,
		Cwd:     job.Cwd,
		Env:     job.Env,
		Timeout: timeout,
	})
	res.duration = time.Since(start)
	return res
}

func printJobResult(w io.Writer, res jobResult, verbose bool) {
	status := fmt.Sprintf("exit %d", res.result.ExitCode)
	if res.err != nil {
		status = "error: " + res.err.Error()
	}
	_, _ = fmt.Fprintf(w, "%s (%s): %s in %s\n", res.job.Name, res.job.Account, status, res.duration.Round(time.Millisecond))

	if !verbose {
		return
	}
	for _, stream := range []string{res.result.Stdout, res.result.Stderr} {
		for _, line := range strings.Split(strings.TrimRight(stream, "\n"), "\n") {
			if line != "" {
				_, _ = fmt.Fprintf(w, "  | %s\n", line)
			}
		}
	}
}
