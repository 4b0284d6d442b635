package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/turtacn/proton/internal/daemon"
	"github.com/turtacn/proton/internal/orchestrator"
	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
)

type startOptions struct {
	cfgFile *string

	role          string
	webapp        string
	bindTo        string
	port          int
	processes     int
	single        bool
	reload        bool
	daemonise     bool
	pidfile       string
	uid           string
	gid           string
	logdir        string
	silent        bool
	controlSocket string
	drainTimeout  string
	logLevel      string
	logFormat     string
	metricsAddr   string
}

func newStartCommand(cfgFile *string) *cobra.Command {
	o := &startOptions{cfgFile: cfgFile}
	return o.command()
}

func (o *startOptions) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start serving the web application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.role, "role", string(consts.RoleSupervisor), "process role, set by the supervisor for its children")
	f.MarkHidden("role")
	f.StringVar(&o.webapp, "webapp", consts.DefaultWebapp, "name of the registered web application")
	f.StringVar(&o.bindTo, "bind-to", consts.DefaultBindTo, "address to bind to")
	f.IntVar(&o.port, "port", consts.DefaultCLIPort, "port to listen on")
	f.IntVar(&o.processes, "processes", 0, "number of worker processes, 0 for one per CPU")
	f.BoolVar(&o.single, "single", false, "serve from the supervising process")
	f.BoolVar(&o.reload, "reload", false, "restart the application when its code changes")
	f.BoolVar(&o.daemonise, "daemonise", false, "detach and run in the background")
	f.StringVar(&o.pidfile, "pidfile", "", "pidfile to lock, required with --daemonise")
	f.StringVar(&o.uid, "uid", "", "user to run as, or user:group")
	f.StringVar(&o.gid, "gid", "", "group to run as")
	f.StringVar(&o.logdir, "logdir", "", "directory for the log and errors files of a daemon")
	f.BoolVar(&o.silent, "silent", false, "do not print the startup line")
	f.StringVar(&o.controlSocket, "control-socket", "", "unix socket accepting status, reload and stop commands")
	f.StringVar(&o.drainTimeout, "drain-timeout", consts.DefaultDrainTimeout.String(), "how long to wait for in-flight requests on stop")
	f.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&o.logFormat, "log-format", "json", "json or text")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "address serving prometheus metrics")
	return cmd
}

func (o *startOptions) run(cmd *cobra.Command) error {
	role, cfg, err := o.resolve(cmd)
	if err != nil {
		return err
	}

	logOpts := logger.Options{Level: cfg.Observability.LogLevel, Format: cfg.Observability.LogFormat}
	if cfg.Daemonise {
		logOpts.Output = os.Stdout
	}
	logger.Init(logOpts)
	logger.Log.Debug("booting proton", "role", role, "webapp", cfg.Webapp, "mode", cfg.Mode())

	engineOpts := []orchestrator.Option{orchestrator.WithRole(role), orchestrator.WithOutput(cmd.OutOrStdout())}
	if role == consts.RoleSupervisor && cfg.Daemonise {
		enc, err := cfg.Encode()
		if err != nil {
			return err
		}
		env := append(os.Environ(), consts.EnvConfig+"="+enc)
		engineOpts = append(engineOpts, orchestrator.WithDaemonizer(daemon.New(daemon.WithEnv(env))))
	}

	err = orchestrator.NewEngine(cfg, engineOpts...).Run(context.Background())
	if errors.Is(err, orchestrator.ErrDetached) {
		return nil
	}
	return err
}

// resolve returns the role and the validated configuration. Child roles and
// the detached daemon take the config their parent encoded; otherwise the
// config file is read and flags given on the command line override it.
func (o *startOptions) resolve(cmd *cobra.Command) (consts.Role, protocol.Config, error) {
	role := consts.Role(o.role)
	switch role {
	case consts.RoleSupervisor, consts.RolePoolWorker, consts.RoleReloadChild:
	default:
		return role, protocol.Config{}, perrors.Config(fmt.Sprintf("unknown role %q", o.role))
	}

	if role != consts.RoleSupervisor || daemon.WasReborn() {
		cfg, ok, err := protocol.FromEnv()
		if err != nil {
			return role, cfg, err
		}
		if !ok {
			return role, cfg, perrors.Config(consts.EnvConfig + " is not set for role " + o.role)
		}
		return role, cfg, nil
	}

	cfg := protocol.Default()
	fromFile := *o.cfgFile != ""
	if fromFile {
		var err error
		if cfg, err = protocol.Load(*o.cfgFile); err != nil {
			return role, cfg, err
		}
	}
	o.apply(cmd, &cfg, fromFile)

	if err := cfg.Validate(); err != nil {
		return role, cfg, err
	}
	if err := absolutize(&cfg.Pidfile, &cfg.Logdir, &cfg.ControlSocket); err != nil {
		return role, cfg, perrors.New(perrors.ErrCodeConfigInvalid, "Config", "cannot resolve path", err)
	}
	return role, cfg, nil
}

func (o *startOptions) apply(cmd *cobra.Command, cfg *protocol.Config, fromFile bool) {
	set := func(name string) bool { return !fromFile || cmd.Flags().Changed(name) }

	if set("webapp") {
		cfg.Webapp = o.webapp
	}
	if set("bind-to") {
		cfg.BindTo = o.bindTo
	}
	if set("port") {
		cfg.Port = o.port
	}
	if set("processes") {
		cfg.Processes = o.processes
	}
	if set("single") {
		cfg.Single = o.single
	}
	if set("reload") {
		cfg.Reload = o.reload
	}
	if set("daemonise") {
		cfg.Daemonise = o.daemonise
	}
	if set("pidfile") {
		cfg.Pidfile = o.pidfile
	}
	if set("uid") {
		cfg.UID = o.uid
	}
	if set("gid") {
		cfg.GID = o.gid
	}
	if set("logdir") {
		cfg.Logdir = o.logdir
	}
	if set("silent") {
		cfg.Silent = o.silent
	}
	if set("control-socket") {
		cfg.ControlSocket = o.controlSocket
	}
	if set("drain-timeout") {
		cfg.DrainTimeout = o.drainTimeout
	}
	if set("log-level") {
		cfg.Observability.LogLevel = o.logLevel
	}
	if set("log-format") {
		cfg.Observability.LogFormat = o.logFormat
	}
	if set("metrics-addr") {
		cfg.Observability.MetricsAddr = o.metricsAddr
	}
}

// absolutize resolves relative paths before the daemon changes to /.
func absolutize(paths ...*string) error {
	for _, p := range paths {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return err
		}
		*p = abs
	}
	return nil
}

// Personal.AI order the ending
