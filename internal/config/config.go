package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "BPOOL"
	configDir = ".buildpool"

	RuntimeRemote = "remote"
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"

	defaultPort           = 8080
	defaultIdleTimeoutSec = 300
	defaultWorkspace      = "/workspace"
	defaultPoolSize       = 10
	defaultAccountLimit   = 2
	defaultWaitTimeoutSec = 60
	defaultPoolIdleSec    = 600
	defaultReapSec        = 30
	defaultExecTimeoutSec = 600
)

// Keys double as env var names: "pool_size" is read from BPOOL_POOL_SIZE and
// "endpoint.build" from BPOOL_ENDPOINT_BUILD.
const (
	KeyRuntime          = "runtime"
	KeyImage            = "image"
	KeyEndpointBuild    = "endpoint.build"
	KeyEndpointDeploy   = "endpoint.deploy"
	KeyEndpointDefault  = "endpoint.default"
	KeyDockerBuild      = "docker.image_build"
	KeyDockerDeploy     = "docker.image_deploy"
	KeyDockerDefault    = "docker.image_default"
	KeyToken            = "token"
	KeyPort             = "port"
	KeyIdleTimeout      = "idle_timeout_sec"
	KeyKeepAliveOnClose = "keep_alive_on_close"
	KeyWorkspace        = "workspace"
	KeySensitiveEnv     = "sensitive_env"
	KeyPoolSize         = "pool_size"
	KeyAccountLimit     = "account_limit"
	KeyWaitTimeout      = "wait_timeout_sec"
	KeyPoolIdle         = "pool_idle_sec"
	KeyReapInterval     = "reap_interval_sec"
	KeyExecTimeout      = "exec_timeout_sec"
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
	KeyAccountsPath     = "accounts.path"
	KeySecretsDir       = "secrets.dir"
	KeyLocalRoot        = "local.root"
)

type Config struct {
	Runtime   string
	Image     domain.Image
	Endpoints domain.ImageTable
	// DockerImages maps logical images to image references for the docker runtime.
	DockerImages domain.ImageTable
	Token        string

	Server Server
	Pool   Pool

	ExecTimeout  time.Duration
	LogLevel     logrus.Level
	LogJSON      bool
	AccountsPath string
	SecretsDir   string
	LocalRoot    string
}

type Server struct {
	Port             int
	IdleTimeout      time.Duration
	KeepAliveOnClose bool
	Workspace        string
	SensitiveEnv     []string
}

func (s Server) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

type Pool struct {
	Size         int
	AccountLimit int
	WaitTimeout  time.Duration
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// New returns a viper instance reading BPOOL_* variables and, when present,
// ~/.buildpool/config.toml or the file named by BPOOL_CONFIG.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")

	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", explicit, err)
		}
		return v, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return v, nil
	}
	v.SetConfigName("config")
	v.AddConfigPath(filepath.Join(home, configDir))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return v, nil
}

// Load resolves the configuration from v. Malformed or out-of-range numbers
// fall back to their defaults.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	bindEnv(v)

	runtime := strings.ToLower(getString(v, KeyRuntime, RuntimeRemote))
	switch runtime {
	case RuntimeRemote, RuntimeLocal, RuntimeDocker:
	default:
		return Config{}, fmt.Errorf("unknown runtime %q: expected remote, local or docker", runtime)
	}

	image, err := domain.ParseImage(getString(v, KeyImage, string(domain.ImageBuild)))
	if err != nil {
		return Config{}, err
	}

	level, err := logrus.ParseLevel(getString(v, KeyLogLevel, "info"))
	if err != nil {
		return Config{}, fmt.Errorf("parse log level: %w", err)
	}

	home, _ := os.UserHomeDir()

	return Config{
		Runtime: runtime,
		Image:   image,
		Endpoints: domain.ImageTable{
			Build:   getString(v, KeyEndpointBuild, ""),
			Deploy:  getString(v, KeyEndpointDeploy, ""),
			Default: getString(v, KeyEndpointDefault, ""),
		},
		DockerImages: domain.ImageTable{
			Build:   getString(v, KeyDockerBuild, ""),
			Deploy:  getString(v, KeyDockerDeploy, ""),
			Default: getString(v, KeyDockerDefault, ""),
		},
		Token: getString(v, KeyToken, ""),
		Server: Server{
			Port:             parsePositive(v, KeyPort, defaultPort),
			IdleTimeout:      seconds(parseNonNegative(v, KeyIdleTimeout, defaultIdleTimeoutSec)),
			KeepAliveOnClose: v.GetBool(KeyKeepAliveOnClose),
			Workspace:        getString(v, KeyWorkspace, defaultWorkspace),
			SensitiveEnv:     parseList(v.GetString(KeySensitiveEnv)),
		},
		Pool: Pool{
			Size:         parsePositive(v, KeyPoolSize, defaultPoolSize),
			AccountLimit: parsePositive(v, KeyAccountLimit, defaultAccountLimit),
			WaitTimeout:  seconds(parseNonNegative(v, KeyWaitTimeout, defaultWaitTimeoutSec)),
			IdleTimeout:  seconds(parseNonNegative(v, KeyPoolIdle, defaultPoolIdleSec)),
			ReapInterval: seconds(parsePositive(v, KeyReapInterval, defaultReapSec)),
		},
		ExecTimeout:  seconds(parsePositive(v, KeyExecTimeout, defaultExecTimeoutSec)),
		LogLevel:     level,
		LogJSON:      strings.EqualFold(getString(v, KeyLogFormat, "text"), "json"),
		AccountsPath: expandHome(getString(v, KeyAccountsPath, filepath.Join(home, configDir, "accounts.toml")), home),
		SecretsDir:   expandHome(getString(v, KeySecretsDir, filepath.Join(home, configDir, "secrets")), home),
		LocalRoot:    expandHome(getString(v, KeyLocalRoot, filepath.Join(home, configDir, "containers")), home),
	}, nil
}

// NewLogger builds the process logger. JSON output is meant for log shippers.
func NewLogger(cfg Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// bindEnv makes nested keys visible to AutomaticEnv even when no config file
// mentions them.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		KeyRuntime, KeyImage, KeyEndpointBuild, KeyEndpointDeploy, KeyEndpointDefault,
		KeyDockerBuild, KeyDockerDeploy, KeyDockerDefault, KeyToken, KeyPort,
		KeyIdleTimeout, KeyKeepAliveOnClose, KeyWorkspace, KeySensitiveEnv, KeyPoolSize,
		KeyAccountLimit, KeyWaitTimeout, KeyPoolIdle, KeyReapInterval, KeyExecTimeout,
		KeyLogLevel, KeyLogFormat, KeyAccountsPath, KeySecretsDir, KeyLocalRoot,
	} {
		_ = v.BindEnv(key)
	}
}

func getString(v *viper.Viper, key string, defaultValue string) string {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parsePositive(v *viper.Viper, key string, defaultValue int) int {
	parsed, ok := parseInt(v, key)
	if !ok || parsed <= 0 {
		return defaultValue
	}
	return parsed
}

func parseNonNegative(v *viper.Viper, key string, defaultValue int) int {
	parsed, ok := parseInt(v, key)
	if !ok || parsed < 0 {
		return defaultValue
	}
	return parsed
}

func parseInt(v *viper.Viper, key string) (int, bool) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if entry := strings.TrimSpace(part); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
