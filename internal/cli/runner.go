package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/g960059/moshbridge/internal/config"
	"github.com/g960059/moshbridge/internal/integration"
	"github.com/g960059/moshbridge/internal/model"
	"github.com/g960059/moshbridge/internal/remote"
	"github.com/g960059/moshbridge/internal/session"
)

type Runner struct {
	in     *os.File
	out    io.Writer
	errOut io.Writer
}

func NewRunner(in *os.File, out, errOut io.Writer) *Runner {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{in: in, out: out, errOut: errOut}
}

// exitError carries a non-default exit code out of a cobra RunE.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

// Run executes one command line and returns the process exit code: 0 on
// success, 1 on failure and 2 on usage errors.
func (r *Runner) Run(ctx context.Context, args []string) int {
	v := viper.New()
	root := r.newRootCommand(v)
	root.SetArgs(args)
	root.SetIn(r.in)
	root.SetOut(r.out)
	root.SetErr(r.errOut)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	if isUsageError(err) {
		return 2
	}
	return 1
}

type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// isUsageError also matches cobra's own flag and argument errors, which are
// plain errors with a fixed prefix.
func isUsageError(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown ") || strings.HasPrefix(msg, "accepts ") || strings.HasPrefix(msg, "invalid argument")
}

func (r *Runner) newRootCommand(v *viper.Viper) *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:   "moshbridge [flags] [user@]host[:port]",
		Short: "Start mosh-server over ssh and hand the session to a local mosh-client",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError{fmt.Errorf("expected exactly one target, got %d", len(args))}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			host, err := parseTarget(args[0], currentUsername())
			if err != nil {
				return usageError{err}
			}
			return r.connect(cmd.Context(), cfg, host)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.moshbridge/config.yaml)")
	flags.String("client-path", "", "path to the mosh-client binary")
	flags.String("server-binary", "", "mosh-server command run on the remote host")
	flags.String("locale", "", "LANG passed to mosh-server")
	flags.Int("server-port", 0, "UDP port requested from mosh-server (0 lets the server pick)")
	flags.String("known-hosts", "", "known_hosts file used to verify the ssh host key")
	flags.StringSlice("identity", nil, "private key files offered to the ssh server")
	flags.Bool("agent", true, "offer keys from SSH_AUTH_SOCK")
	flags.Duration("connect-timeout", 0, "ssh connect timeout")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("client_path", flags.Lookup("client-path"))
	_ = v.BindPFlag("server_binary", flags.Lookup("server-binary"))
	_ = v.BindPFlag("locale", flags.Lookup("locale"))
	_ = v.BindPFlag("server_port", flags.Lookup("server-port"))
	_ = v.BindPFlag("known_hosts", flags.Lookup("known-hosts"))
	_ = v.BindPFlag("identity_files", flags.Lookup("identity"))
	_ = v.BindPFlag("use_agent", flags.Lookup("agent"))
	_ = v.BindPFlag("connect_timeout", flags.Lookup("connect-timeout"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(r.newInstallCommand(v, &cfgFile))
	root.AddCommand(r.newDoctorCommand(v, &cfgFile))
	return root
}

func (r *Runner) newInstallCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	var (
		from    string
		binDir  string
		dryRun  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Locate mosh-client, copying it into the managed bin directory if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			result, err := integration.Install(integration.InstallOptions{
				ClientPath: cfg.ClientPath,
				SearchDirs: cfg.SearchDirs,
				SourcePath: strings.TrimSpace(from),
				BinDir:     strings.TrimSpace(binDir),
				DryRun:     dryRun,
			})
			if jsonOut {
				if jerr := r.writeJSON(result); jerr != nil {
					return jerr
				}
				if err != nil {
					return exitError{code: 1}
				}
				return nil
			}
			if result.DryRun {
				_, _ = fmt.Fprintln(r.out, "install dry-run:")
			} else {
				_, _ = fmt.Fprintln(r.out, "install:")
			}
			for _, msg := range result.Messages {
				_, _ = fmt.Fprintf(r.out, "  %s\n", msg)
			}
			for _, path := range result.FilesWritten {
				_, _ = fmt.Fprintf(r.out, "  write %s\n", path)
			}
			for _, path := range result.Backups {
				_, _ = fmt.Fprintf(r.out, "  backup %s\n", path)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "mosh-client binary to copy when none is installed")
	cmd.Flags().StringVar(&binDir, "bin-dir", "", "managed bin directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print plan without writing files")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) newDoctorCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the client binary, known_hosts and ssh credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			result, err := integration.Doctor(integration.DoctorOptions{
				Install: integration.InstallOptions{
					ClientPath: cfg.ClientPath,
					SearchDirs: cfg.SearchDirs,
				},
				KnownHostsPath: cfg.KnownHostsPath,
				IdentityFiles:  cfg.IdentityFiles,
				UseAgent:       cfg.UseAgent,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				if err := r.writeJSON(result); err != nil {
					return err
				}
			} else {
				for _, check := range result.Checks {
					_, _ = fmt.Fprintf(r.out, "[%s] %s: %s", strings.ToUpper(check.Status), check.Name, check.Message)
					if strings.TrimSpace(check.Path) != "" {
						_, _ = fmt.Fprintf(r.out, " (%s)", check.Path)
					}
					_, _ = fmt.Fprintln(r.out)
				}
				if result.OK {
					_, _ = fmt.Fprintln(r.out, "doctor: OK")
				} else {
					_, _ = fmt.Fprintln(r.out, "doctor: FAIL")
				}
			}
			if !result.OK {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = r.out.Write(raw)
	_, _ = fmt.Fprintln(r.out)
	return nil
}

// connect bootstraps a session and pumps the user's terminal through it
// until the session ends.
func (r *Runner) connect(ctx context.Context, cfg config.Config, host model.Host) error {
	out := &crlfWriter{w: r.out}
	errOut := &crlfWriter{w: r.errOut}
	log := newLogger(errOut, cfg.LogLevel).With().Str("host", host.Nickname).Logger()

	inst := integration.NewInstaller(integration.InstallOptions{
		ClientPath: cfg.ClientPath,
		SearchDirs: cfg.SearchDirs,
	})
	inst.Start()

	bridge := newTermBridge(out, log)
	sess := session.New(host, cfg, bridge, session.Deps{
		Installer: inst,
		Dialer: remote.NewSSHDialer(remote.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			DialRetries:    cfg.DialRetries,
			DialBackoff:    cfg.DialBackoff,
			IdentityFiles:  cfg.IdentityFiles,
			KnownHostsPath: cfg.KnownHostsPath,
			UseAgent:       cfg.UseAgent,
			Password:       promptPassword(r.in, r.errOut),
			Notice:         bridge.OutputLine,
		}, log),
		Logger: log,
	})
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return err
	}

	fd := int(r.in.Fd())
	restore, err := makeRaw(fd, out, errOut)
	if err != nil {
		return err
	}
	defer restore()

	signals := make(chan os.Signal, 8)
	signal.Notify(signals, unix.SIGWINCH, unix.SIGUSR1, unix.SIGUSR2, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(signals)

	p := &pump{
		sess:   sess,
		bridge: bridge,
		in:     r.in,
		out:    out,
		size:   func() (model.Dimensions, bool) { return terminalSize(fd) },
		log:    log,
	}
	return p.run(ctx, signals)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
