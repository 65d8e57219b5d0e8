package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, RuntimeRemote, cfg.Runtime)
	assert.Equal(t, domain.ImageBuild, cfg.Image)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 5*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, "/workspace", cfg.Server.Workspace)
	assert.False(t, cfg.Server.KeepAliveOnClose)
	assert.Equal(t, Pool{
		Size:         10,
		AccountLimit: 2,
		WaitTimeout:  time.Minute,
		IdleTimeout:  10 * time.Minute,
		ReapInterval: 30 * time.Second,
	}, cfg.Pool)
	assert.Equal(t, 10*time.Minute, cfg.ExecTimeout)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
	assert.Equal(t, filepath.Join(home, ".buildpool", "accounts.toml"), cfg.AccountsPath)
	assert.Equal(t, filepath.Join(home, ".buildpool", "secrets"), cfg.SecretsDir)
	assert.Equal(t, filepath.Join(home, ".buildpool", "containers"), cfg.LocalRoot)
}

func TestLoadFromEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("BPOOL_RUNTIME", "Docker")
	t.Setenv("BPOOL_IMAGE", "deploy")
	t.Setenv("BPOOL_ENDPOINT_BUILD", "https://build.internal")
	t.Setenv("BPOOL_ENDPOINT_DEPLOY", "https://deploy.internal")
	t.Setenv("BPOOL_DOCKER_IMAGE_DEFAULT", "alpine:3.20")
	t.Setenv("BPOOL_TOKEN", "s3cret")
	t.Setenv("BPOOL_PORT", "9090")
	t.Setenv("BPOOL_IDLE_TIMEOUT_SEC", "0")
	t.Setenv("BPOOL_KEEP_ALIVE_ON_CLOSE", "true")
	t.Setenv("BPOOL_SENSITIVE_ENV", "AWS_SECRET_ACCESS_KEY, ,GITHUB_TOKEN")
	t.Setenv("BPOOL_POOL_SIZE", "4")
	t.Setenv("BPOOL_ACCOUNT_LIMIT", "1")
	t.Setenv("BPOOL_WAIT_TIMEOUT_SEC", "0")
	t.Setenv("BPOOL_POOL_IDLE_SEC", "120")
	t.Setenv("BPOOL_REAP_INTERVAL_SEC", "5")
	t.Setenv("BPOOL_EXEC_TIMEOUT_SEC", "30")
	t.Setenv("BPOOL_LOG_LEVEL", "debug")
	t.Setenv("BPOOL_LOG_FORMAT", "JSON")
	t.Setenv("BPOOL_ACCOUNTS_PATH", "~/tenants.toml")
	t.Setenv("BPOOL_SECRETS_DIR", "/etc/buildpool/secrets")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, RuntimeDocker, cfg.Runtime)
	assert.Equal(t, domain.ImageDeploy, cfg.Image)
	assert.Equal(t, domain.ImageTable{Build: "https://build.internal", Deploy: "https://deploy.internal"}, cfg.Endpoints)
	assert.Equal(t, domain.ImageTable{Default: "alpine:3.20"}, cfg.DockerImages)
	assert.Equal(t, "s3cret", cfg.Token)
	assert.Equal(t, Server{
		Port:             9090,
		IdleTimeout:      0,
		KeepAliveOnClose: true,
		Workspace:        "/workspace",
		SensitiveEnv:     []string{"AWS_SECRET_ACCESS_KEY", "GITHUB_TOKEN"},
	}, cfg.Server)
	assert.Equal(t, Pool{
		Size:         4,
		AccountLimit: 1,
		WaitTimeout:  0,
		IdleTimeout:  2 * time.Minute,
		ReapInterval: 5 * time.Second,
	}, cfg.Pool)
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, filepath.Join(home, "tenants.toml"), cfg.AccountsPath)
	assert.Equal(t, "/etc/buildpool/secrets", cfg.SecretsDir)
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BPOOL_PORT", "http")
	t.Setenv("BPOOL_POOL_SIZE", "-3")
	t.Setenv("BPOOL_ACCOUNT_LIMIT", "0")
	t.Setenv("BPOOL_WAIT_TIMEOUT_SEC", "-1")
	t.Setenv("BPOOL_REAP_INTERVAL_SEC", "soon")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Pool.Size)
	assert.Equal(t, 2, cfg.Pool.AccountLimit)
	assert.Equal(t, time.Minute, cfg.Pool.WaitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pool.ReapInterval)
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	tests := map[string]struct {
		key, value, want string
	}{
		"runtime":   {"BPOOL_RUNTIME", "podman", "unknown runtime"},
		"image":     {"BPOOL_IMAGE", "staging", "unknown image"},
		"log level": {"BPOOL_LOG_LEVEL", "loud", "parse log level"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			t.Setenv(tc.key, tc.value)

			_, err := Load(viper.New())
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestNewReadsConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".buildpool"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".buildpool", "config.toml"), []byte(
		"runtime = \"local\"\npool_size = 3\n\n[endpoint]\nbuild = \"http://127.0.0.1:8080\"\n",
	), 0o600))
	t.Setenv("BPOOL_POOL_SIZE", "7")

	v, err := New()
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, RuntimeLocal, cfg.Runtime)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Endpoints.Build)
	assert.Equal(t, 7, cfg.Pool.Size, "env overrides the file")
}

func TestNewExplicitConfigMustExist(t *testing.T) {
	t.Setenv("BPOOL_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	_, err := New()
	require.Error(t, err)
}

func TestNewWithoutConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BPOOL_CONFIG", "")

	v, err := New()
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestNewLoggerFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewLogger(Config{LogLevel: logrus.WarnLevel, LogJSON: true}, &buf)
	logger.Info("hidden")
	logger.WithField("component", "pool").Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"pool"`)
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
