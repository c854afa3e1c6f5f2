package mcpmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration consumed by benboxctl.
type File struct {
	Endpoints  []EndpointEntry `yaml:"endpoints"`
	Client     ClientEntry     `yaml:"client"`
	Timeouts   TimeoutsEntry   `yaml:"timeouts"`
	LogLevel   string          `yaml:"log_level"`
	LogJSONRPC bool            `yaml:"log_jsonrpc"`
	Gateway    GatewayEntry    `yaml:"gateway"`
}

// EndpointEntry is the YAML form of an EndpointDescriptor.
type EndpointEntry struct {
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Role       Role              `yaml:"role"`
	Headers    map[string]string `yaml:"headers"`
	PreferSSE  *bool             `yaml:"prefer_sse"`
	MaxRetries int               `yaml:"max_retries"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	Timeout    time.Duration     `yaml:"timeout"`
}

type ClientEntry struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type TimeoutsEntry struct {
	Connect time.Duration `yaml:"connect"`
	Call    time.Duration `yaml:"call"`
}

type GatewayEntry struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// envOverrides holds the environment variables that take precedence over the
// file.
type envOverrides struct {
	LogLevel       string        `env:"BENBOX_LOG_LEVEL"`
	CallTimeout    time.Duration `env:"BENBOX_CALL_TIMEOUT"`
	ConnectTimeout time.Duration `env:"BENBOX_CONNECT_TIMEOUT"`
	GatewayAddr    string        `env:"BENBOX_GATEWAY_ADDR"`
	PrimaryURL     string        `env:"BENBOX_PRIMARY_URL"`
}

// DefaultSearchPaths returns the locations FindConfig checks, in order.
func DefaultSearchPaths() []string {
	paths := []string{"benbox.yaml", "config/benbox.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "benbox", "config.yaml"))
	}
	paths = append(paths, "/etc/benbox/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// LoadFile reads a YAML config file, expands environment references in it and
// applies BENBOX_* overrides.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

// envRef matches ${NAME}. Bare $ signs are left alone so secrets and URLs
// containing them survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvRefs(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// ParseFile decodes YAML config data. Only ${NAME} references are expanded.
// See LoadFile.
func ParseFile(data []byte) (*File, error) {
	cfg := &File{}
	if err := yaml.Unmarshal(expandEnvRefs(data), cfg); err != nil {
		return nil, fmt.Errorf("mcpmgr: parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *File) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("mcpmgr: environment overrides: %w", err)
	}
	if env.LogLevel != "" {
		f.LogLevel = env.LogLevel
	}
	if env.CallTimeout > 0 {
		f.Timeouts.Call = env.CallTimeout
	}
	if env.ConnectTimeout > 0 {
		f.Timeouts.Connect = env.ConnectTimeout
	}
	if env.GatewayAddr != "" {
		f.Gateway.Addr = env.GatewayAddr
	}
	if env.PrimaryURL != "" {
		for i := range f.Endpoints {
			if f.Endpoints[i].Role == RolePrimary {
				f.Endpoints[i].URL = env.PrimaryURL
				f.Endpoints[i].Command = ""
			}
		}
	}
	return nil
}

// Descriptors converts the endpoint entries, keeping configuration order.
// An entry without a role is a remote.
func (f *File) Descriptors() []EndpointDescriptor {
	out := make([]EndpointDescriptor, 0, len(f.Endpoints))
	for _, e := range f.Endpoints {
		role := e.Role
		if role == "" {
			role = RoleRemote
		}
		out = append(out, EndpointDescriptor{
			Name:       e.Name,
			URL:        strings.TrimSpace(e.URL),
			Role:       role,
			Headers:    e.Headers,
			PreferSSE:  e.PreferSSE,
			MaxRetries: e.MaxRetries,
			Command:    e.Command,
			Args:       e.Args,
			Env:        e.Env,
			Timeout:    e.Timeout,
		})
	}
	return out
}

// RegistryOptions returns registry options derived from the file.
func (f *File) RegistryOptions(logger *slog.Logger) *RegistryOptions {
	return &RegistryOptions{
		ClientName:     f.Client.Name,
		ClientVersion:  f.Client.Version,
		ConnectTimeout: f.Timeouts.Connect,
		LogJSONRPC:     f.LogJSONRPC,
		Logger:         logger,
	}
}

// LevelTrace is a slog level below Debug used for JSON-RPC payloads.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a case-insensitive level name to an slog.Level.
// The empty string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames renders LevelTrace as "TRACE". Use it as
// slog.HandlerOptions.ReplaceAttr.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
