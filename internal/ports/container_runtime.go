package ports

import (
	"context"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
)

// ContainerRuntime starts containers and runs commands inside them.
type ContainerRuntime interface {
	Run(ctx context.Context, name domain.ContainerName, image domain.Image, opts domain.RunOptions) (domain.ContainerInfo, error)
	Exec(ctx context.Context, name domain.ContainerName, command string, opts domain.ExecOptions) (domain.ExecResult, error)
	SpawnExec(ctx context.Context, name domain.ContainerName, command string, opts domain.ExecOptions, stdin string) (*domain.ProcessHandle, error)
	Remove(ctx context.Context, name domain.ContainerName, force bool) error
	Inspect(ctx context.Context, name domain.ContainerName) (domain.ContainerInfo, error)
	PS(ctx context.Context) ([]domain.ContainerInfo, error)

	WriteFile(ctx context.Context, name domain.ContainerName, path string, content []byte, mode uint32) error
	Chmod(ctx context.Context, name domain.ContainerName, path string, mode uint32) error
	Exists(ctx context.Context, name domain.ContainerName, path string) (bool, error)
}
