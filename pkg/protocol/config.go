package protocol

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
)

// Config is the validated startup configuration shared by every strategy.
type Config struct {
	Webapp        string              `yaml:"webapp" toml:"webapp"`
	BindTo        string              `yaml:"bind_to" toml:"bind_to"`
	Port          int                 `yaml:"port" toml:"port"`
	Processes     int                 `yaml:"processes" toml:"processes"` // 0 means host CPU count
	Single        bool                `yaml:"single" toml:"single"`
	Reload        bool                `yaml:"reload" toml:"reload"`
	Daemonise     bool                `yaml:"daemonise" toml:"daemonise"`
	Pidfile       string              `yaml:"pidfile" toml:"pidfile"`
	UID           string              `yaml:"uid" toml:"uid"`
	GID           string              `yaml:"gid" toml:"gid"`
	Logdir        string              `yaml:"logdir" toml:"logdir"`
	Silent        bool                `yaml:"silent" toml:"silent"`
	ControlSocket string              `yaml:"control_socket" toml:"control_socket"`
	DrainTimeout  string              `yaml:"drain_timeout" toml:"drain_timeout"`
	ReloadTuning  ReloadConfig        `yaml:"reload_tuning" toml:"reload_tuning"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

type ReloadConfig struct {
	IdleWindow     string `yaml:"idle_window" toml:"idle_window"`
	MaxConnections int    `yaml:"max_connections" toml:"max_connections"`
	ChildExitDelay string `yaml:"child_exit_delay" toml:"child_exit_delay"`
}

type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	LogFormat   string `yaml:"log_format" toml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
}

// Default returns a configuration with every optional value filled in.
func Default() Config {
	return Config{
		Webapp:       consts.DefaultWebapp,
		BindTo:       consts.DefaultBindTo,
		Port:         consts.DefaultPort,
		DrainTimeout: consts.DefaultDrainTimeout.String(),
		ReloadTuning: ReloadConfig{
			IdleWindow:     consts.ChildIdleWindow.String(),
			MaxConnections: consts.ChildMaxConnections,
			ChildExitDelay: consts.ChildExitDelay.String(),
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads a YAML or TOML file on top of Default. The format is picked
// from the file extension.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, perrors.New(perrors.ErrCodeConfigInvalid, "Load", "cannot read "+path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	default:
		return cfg, perrors.Config(fmt.Sprintf("unsupported config format %q", filepath.Ext(path)))
	}
	if err != nil {
		return cfg, perrors.New(perrors.ErrCodeConfigInvalid, "Load", "cannot parse "+path, err)
	}
	return cfg, nil
}

// Validate rejects option combinations no strategy can honour.
func (c *Config) Validate() error {
	switch {
	case c.Reload && c.Processes != 0:
		return perrors.Config("reload and processes options are mutually exclusive")
	case c.Daemonise && c.Reload:
		return perrors.Config("daemonise and reload options are mutually exclusive")
	case c.Reload && c.Single:
		return perrors.Config("reload and single options are mutually exclusive")
	case c.Daemonise && c.Pidfile == "":
		return perrors.Config("pidfile must be specified when daemonise option is present")
	case c.Port < 0 || c.Port > 65535:
		return perrors.Config(fmt.Sprintf("port %d out of range", c.Port))
	case c.Processes < 0:
		return perrors.Config("processes must not be negative")
	}

	if strings.Contains(c.UID, ":") {
		if c.GID != "" {
			return perrors.Config("gid must be empty when uid is given as user:group")
		}
		parts := strings.SplitN(c.UID, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return perrors.Config(fmt.Sprintf("malformed uid %q", c.UID))
		}
	} else if (c.UID == "") != (c.GID == "") {
		return perrors.Config("uid and gid must be provided together")
	}

	if _, err := logger.ParseLevel(c.Observability.LogLevel); err != nil {
		return perrors.New(perrors.ErrCodeConfigInvalid, "Config", "invalid log level", err)
	}
	for name, v := range map[string]string{
		"drain_timeout":    c.DrainTimeout,
		"idle_window":      c.ReloadTuning.IdleWindow,
		"child_exit_delay": c.ReloadTuning.ChildExitDelay,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return perrors.Config(fmt.Sprintf("invalid %s %q", name, v))
		}
	}
	if c.ReloadTuning.MaxConnections < 0 {
		return perrors.Config("max_connections must not be negative")
	}
	// The supervisor must retire an idle child before the child asks to exit.
	if c.ChildExitDelay() < c.IdleWindow() {
		return perrors.Config(fmt.Sprintf("child_exit_delay %s must not be shorter than idle_window %s", c.ChildExitDelay(), c.IdleWindow()))
	}
	return nil
}

// Credentials returns the user and group to drop privileges to, splitting
// the "user:group" form of UID.
func (c *Config) Credentials() (uid, gid string) {
	if i := strings.Index(c.UID, ":"); i >= 0 {
		return c.UID[:i], c.UID[i+1:]
	}
	return c.UID, c.GID
}

// Mode selects the run strategy for the supervising process.
func (c *Config) Mode() consts.Mode {
	switch {
	case c.Reload:
		return consts.ModeReload
	case c.Single || c.WorkerCount() <= 1:
		return consts.ModeSingle
	}
	return consts.ModePool
}

// WorkerCount is the effective pool size.
func (c *Config) WorkerCount() int {
	if c.Processes == 0 {
		return runtime.NumCPU()
	}
	return c.Processes
}

// ListenAddress is the address handed to net.Listen.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.bindTo(), strconv.Itoa(c.Port))
}

// Address renders the startup result for a bound port. Pass the actual
// bound port so an ephemeral port 0 is reported as assigned.
func (c *Config) Address(port int) string {
	return c.bindTo() + ":" + strconv.Itoa(port)
}

func (c *Config) bindTo() string {
	if c.BindTo == "" {
		return consts.DefaultBindTo
	}
	return c.BindTo
}

func (c *Config) DrainTimeoutDuration() time.Duration {
	return durationOr(c.DrainTimeout, consts.DefaultDrainTimeout)
}

func (c *Config) IdleWindow() time.Duration {
	return durationOr(c.ReloadTuning.IdleWindow, consts.ChildIdleWindow)
}

func (c *Config) ChildExitDelay() time.Duration {
	return durationOr(c.ReloadTuning.ChildExitDelay, consts.ChildExitDelay)
}

func (c *Config) MaxConnections() int {
	if c.ReloadTuning.MaxConnections <= 0 {
		return consts.ChildMaxConnections
	}
	return c.ReloadTuning.MaxConnections
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Encode serialises the config for the PROTON_CONFIG environment variable.
func (c *Config) Encode() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Decode is the inverse of Encode.
func Decode(s string) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(s), &cfg); err != nil {
		return cfg, perrors.New(perrors.ErrCodeConfigInvalid, "Decode", "malformed inherited config", err)
	}
	return cfg, nil
}

// FromEnv decodes the config a supervisor passed to this process.
func FromEnv() (Config, bool, error) {
	s, ok := os.LookupEnv(consts.EnvConfig)
	if !ok {
		return Default(), false, nil
	}
	cfg, err := Decode(s)
	return cfg, true, err
}

// Personal.AI order the ending
