// Package pass resolves service-account references against the pass password
// store. References are namespaced under a prefix, so "gcs/acme/artifacts" is
// read from "buildpool/gcs/acme/artifacts".
package pass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
)

const DefaultPrefix = "buildpool"

var (
	ErrUnavailable = errors.New("pass command unavailable")
	// ErrLocked reports an entry that exists but cannot be decrypted on this host.
	ErrLocked = errors.New("pass entry cannot be decrypted")
)

type showFunc func(ctx context.Context, entry string) (stdout []byte, stderr string, err error)

type Store struct {
	prefix string
	show   showFunc
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore(prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{prefix: strings.Trim(prefix, "/"), show: showEntry}
}

func (s *Store) Get(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	entry, err := s.entry(ref)
	if err != nil {
		return "", err
	}

	stdout, stderr, err := s.show(ctx, entry)
	if err != nil {
		return "", classify(entry, err, stderr)
	}

	// pass terminates single-line entries with a newline; multi-line key
	// files are otherwise returned verbatim.
	return strings.TrimSuffix(string(stdout), "\n"), nil
}

func (s *Store) entry(ref string) (string, error) {
	ref = strings.Trim(strings.TrimSpace(ref), "/")
	if ref == "" {
		return "", errors.New("pass: secret reference is empty")
	}
	for _, part := range strings.Split(ref, "/") {
		if part == "." || part == ".." {
			return "", fmt.Errorf("pass: invalid secret reference %q", ref)
		}
	}

	return path.Join(s.prefix, ref), nil
}

func classify(entry string, err error, stderr string) error {
	switch {
	case errors.Is(err, ErrUnavailable):
		return err
	case strings.Contains(stderr, "is not in the password store"):
		return fmt.Errorf("pass %s: %w", entry, domain.ErrSecretNotFound)
	case strings.Contains(stderr, "decryption failed"):
		return fmt.Errorf("pass %s: %w: %s", entry, ErrLocked, stderr)
	case stderr != "":
		return fmt.Errorf("pass %s: %w: %s", entry, err, stderr)
	default:
		return fmt.Errorf("pass %s: %w", entry, err)
	}
}

func showEntry(ctx context.Context, entry string) ([]byte, string, error) {
	bin, err := exec.LookPath("pass")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, "", ErrUnavailable
		}
		return nil, "", fmt.Errorf("locate pass command: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "show", entry)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	return stdout.Bytes(), strings.TrimSpace(stderr.String()), err
}
