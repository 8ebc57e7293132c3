package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/regtap/regtap/cmd/regtap/cmds/helphelpers"
	"github.com/regtap/regtap/pkg/config"
	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
	"github.com/regtap/regtap/pkg/proc/native"
	"github.com/regtap/regtap/pkg/report"
	"github.com/regtap/regtap/pkg/tap"
	"github.com/regtap/regtap/pkg/version"
)

// pidEnv selects the process used by the run command.
const pidEnv = "REGTAP_PID"

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string

	signature    signatureValue
	register     registerValue
	section      string
	gate         string
	label        string
	dedup        bool
	minLevel     float64
	maxLevel     float64
	idle         time.Duration
	script       string
	waitInterval time.Duration
	waitTimeout  time.Duration

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config

	// backend is replaced by tests.
	backend proc.Backend = native.Backend{}
	// findProcess is replaced by tests.
	findProcess = native.FindProcess
	// stdout receives the values.
	stdout io.Writer = os.Stdout
)

const regtapCommandLongDesc = `regtap reads a register of a running program every time one
instruction executes.

The instruction is found by searching a byte signature in the code of the
program, a breakpoint is set on it and the value of the register is printed
every time the breakpoint is hit, until the program exits or regtap is
interrupted. The program keeps running and is left untouched when regtap
exits.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	if !docCall {
		conf = config.LoadConfig()
	} else {
		conf = &config.Config{}
	}

	// Main regtap root command.
	rootCommand = &cobra.Command{
		Use:   "regtap",
		Short: "regtap reads a register of a running program at a given instruction.",
		Long:  regtapCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'regtap help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'regtap help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, instead of ~/.regtap/config.yml.")

	signature = signatureValue{sig: tap.DefaultSignature}
	register = registerValue{name: tap.DefaultRegister}
	rootCommand.PersistentFlags().VarP(&signature, "signature", "s", "Hex encoded bytes of the instruction to instrument.")
	rootCommand.PersistentFlags().VarP(&register, "register", "r", "General purpose register read on every hit.")
	rootCommand.PersistentFlags().StringVar(&section, "section", tap.TextSection, "Section of the executable searched for the signature.")
	rootCommand.PersistentFlags().StringVar(&gate, "gate", tap.DefaultGateSymbol, "Function called by a newly launched program once it is initialized.")
	rootCommand.PersistentFlags().StringVar(&label, "label", report.DefaultLabel, "Prefix of every output line.")
	rootCommand.PersistentFlags().BoolVar(&dedup, "dedup", false, "Only print values that differ from the previous one.")
	rootCommand.PersistentFlags().Float64Var(&minLevel, "min", 0, "Lower bound of the level meter, used with --max.")
	rootCommand.PersistentFlags().Float64Var(&maxLevel, "max", 0, "Upper bound of the level meter, used with --min.")
	rootCommand.PersistentFlags().DurationVar(&idle, "idle", report.DefaultIdleTimeout, "Warn when no value is seen for this long, 0 disables.")
	rootCommand.PersistentFlags().StringVar(&script, "script", "", "Starlark script formatting every value (see 'regtap help script').")
	rootCommand.PersistentFlags().DurationVar(&waitInterval, "wait-interval", tap.DefaultWaitInterval, "Polling interval while waiting for a launch.")
	rootCommand.PersistentFlags().DurationVar(&waitTimeout, "wait-timeout", 0, "Maximum wait for a launch, 0 waits forever.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and print the register.",
		Long: `Attach to an already running process and print the register every time the
instrumented instruction executes.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'wait' subcommand.
	waitCommand := &cobra.Command{
		Use:   "wait name",
		Short: "Wait for a program to be launched and print the register.",
		Long: `Wait for a new process called name to be launched, attach to it and print
the register every time the instrumented instruction executes.

Processes already running are ignored. The instruction is only instrumented
after the program calls the function named by --gate, which marks the end
of its initialization.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a process name")
			}
			return nil
		},
		Run: waitCmd,
	}
	rootCommand.AddCommand(waitCommand)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run [name]",
		Short: "Attach to a program, waiting for it if it is not running.",
		Long: `Attach to the program called name and print the register every time the
instrumented instruction executes.

The process is chosen as follows:

	1. the process whose pid is in the ` + pidEnv + ` environment variable;
	2. a running process called name;
	3. the next process called name to be launched, as with 'regtap wait'.

When name is omitted the process option of the configuration file is used.`,
		Run: runCmd,
	}
	rootCommand.AddCommand(runCommand)

	// 'scan' subcommand.
	scanCommand := &cobra.Command{
		Use:   "scan executable",
		Short: "Search the signature in an executable file.",
		Long: `Search the signature in the code of an executable file, without running it,
and print the link-time address and the disassembly of every match.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to an executable")
			}
			return nil
		},
		Run: scanCmd,
	}
	rootCommand.AddCommand(scanCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("regtap\n%s\n", version.RegtapVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	acquire		Log attaching and waiting for the target
	locate		Log the signature search
	trap		Log every breakpoint hit
	native		Log ptrace events of the native backend
	report		Log errors of the output sinks

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "script",
		Short: "Help about the --script flag.",
		Long: `The --script flag names a starlark script that formats the values.

The script must define a function called ` + report.ScriptHook + ` taking one argument, the
value of the register. A string return value is printed as a line, None
prints nothing. The global variable label holds the value of --label.

	def ` + report.ScriptHook + `(value):
	    if value == 0:
	        return None
	    return "%s: %d" % (label, value)

`,
	})

	usage := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return usage(cmd)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(cmd, tap.AttachExisting(pid)))
}

func waitCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(cmd, tap.AttachOnLaunch(args[0])))
}

func runCmd(cmd *cobra.Command, args []string) {
	name := conf.Process
	if len(args) > 0 {
		name = args[0]
	}
	mode, err := chooseMode(name, os.Getenv(pidEnv), findProcess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	os.Exit(execute(cmd, mode))
}

func scanCmd(cmd *cobra.Command, args []string) {
	os.Exit(scan(cmd, args[0], stdout))
}

// chooseMode picks how the run command finds its target: the pid in the
// environment, then a running process called name, then the next launch
// of name.
func chooseMode(name, envPid string, find func(string) ([]int, error)) (tap.AcquisitionMode, error) {
	if envPid != "" {
		pid, err := strconv.Atoi(envPid)
		if err != nil || pid <= 0 {
			return tap.AcquisitionMode{}, fmt.Errorf("invalid %s: %q", pidEnv, envPid)
		}
		return tap.AttachExisting(pid), nil
	}
	if name == "" {
		return tap.AcquisitionMode{}, errors.New("you must provide a process name, or set process in the configuration file")
	}
	pids, err := find(name)
	if err != nil {
		logflags.AcquireLogger().Warnf("could not search running processes: %v", err)
	}
	switch len(pids) {
	case 0:
		return tap.AttachOnLaunch(name), nil
	case 1:
	default:
		logflags.AcquireLogger().Warnf("%d processes called %s, using %d", len(pids), name, pids[0])
	}
	return tap.AttachExisting(pids[0]), nil
}

// options are the settings of a session after merging the command line
// with the configuration file.
type options struct {
	signature    tap.Signature
	register     string
	section      string
	gate         string
	label        string
	dedup        bool
	level        bool
	min, max     float64
	idle         time.Duration
	script       string
	waitInterval time.Duration
	waitTimeout  time.Duration
}

// loadOptions merges the flags of cmd with c. Flags set on the command line
// take precedence.
func loadOptions(flags *pflag.FlagSet, c *config.Config) (*options, error) {
	o := &options{
		signature:    signature.sig,
		register:     register.name,
		section:      section,
		gate:         gate,
		label:        label,
		dedup:        dedup,
		min:          minLevel,
		max:          maxLevel,
		idle:         idle,
		script:       script,
		waitInterval: waitInterval,
		waitTimeout:  waitTimeout,
	}
	if c == nil {
		c = &config.Config{}
	}
	unset := func(name string) bool { return !flags.Changed(name) }

	if unset("signature") && c.Signature != "" {
		sig, err := tap.ParseSignature(c.Signature)
		if err != nil {
			return nil, fmt.Errorf("configuration: signature: %w", err)
		}
		o.signature = sig
	}
	if unset("register") && c.Register != "" {
		if err := tap.ValidRegister(c.Register); err != nil {
			return nil, fmt.Errorf("configuration: %w", err)
		}
		o.register = c.Register
	}
	if unset("section") && c.Section != "" {
		o.section = c.Section
	}
	if unset("gate") && c.Gate != "" {
		o.gate = c.Gate
	}
	if unset("label") && c.Label != "" {
		o.label = c.Label
	}
	if unset("dedup") && c.Dedup {
		o.dedup = true
	}
	if unset("idle") && c.Idle != 0 {
		o.idle = c.Idle
	}
	if unset("script") && c.Script != "" {
		o.script = c.Script
	}
	if unset("wait-interval") && c.WaitInterval != 0 {
		o.waitInterval = c.WaitInterval
	}
	if unset("wait-timeout") && c.WaitTimeout != 0 {
		o.waitTimeout = c.WaitTimeout
	}

	hasMin, hasMax := !unset("min"), !unset("max")
	if !hasMin && c.Min != nil {
		o.min, hasMin = *c.Min, true
	}
	if !hasMax && c.Max != nil {
		o.max, hasMax = *c.Max, true
	}
	switch {
	case hasMin && hasMax:
		if err := report.ValidateRange(o.min, o.max); err != nil {
			return nil, err
		}
		o.level = true
	case hasMin || hasMax:
		return nil, errors.New("--min and --max must be used together")
	}
	return o, nil
}

// reporter builds the chain of sinks values flow through. The returned
// function releases it.
func (o *options) reporter(ctx context.Context, out, gauge io.Writer) (report.Reporter, func(), error) {
	var (
		primary report.Reporter
		sinks   report.Multi
		closers []func()
	)
	// Meter and idle notices share stderr.
	status := report.NewLineReporter(gauge, o.label)
	if o.script != "" {
		s, err := report.NewScript(o.script, nil, out, o.label)
		if err != nil {
			return nil, nil, err
		}
		primary = s
	} else {
		primary = report.NewLineReporter(out, o.label)
	}
	sinks = append(sinks, primary)

	if o.level {
		// The meter only shows the latest value, hits are never delayed by it.
		latest := report.NewLatest()
		lvl, err := report.NewLevel(o.min, o.max, status)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			latest.Forward(ctx, lvl)
		}()
		closers = append(closers, func() {
			cancel()
			<-done
		})
		sinks = append(sinks, latest)
	}

	var r report.Reporter = sinks
	if len(sinks) == 1 {
		r = primary
	}
	if o.idle > 0 {
		timeout := o.idle
		i := report.NewIdle(r, timeout, func() {
			status.WriteLine(fmt.Sprintf("no new value in %v, the target may be idle", timeout))
		})
		closers = append(closers, i.Stop)
		r = i
	}
	if o.dedup {
		r = report.NewDedup(r)
	}
	return r, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return conf, nil
	}
	return config.LoadConfigFile(configPath)
}

func execute(cmd *cobra.Command, mode tap.AcquisitionMode) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	o, err := loadOptions(cmd.Flags(), c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r, release, err := o.reporter(ctx, stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer release()

	s := &tap.Session{
		Backend: backend,
		Mode:    mode,
		Gate: tap.GateConfig{
			Symbol:       o.gate,
			WaitInterval: o.waitInterval,
			WaitTimeout:  o.waitTimeout,
		},
		Section:   o.section,
		Signature: o.signature,
		Register:  o.register,
		Reporter:  r,
		OnAcquired: func(t proc.Target) {
			logflags.AcquireLogger().Infof("attached to %d (%s)", t.Pid(), t.ExecutablePath())
		},
	}
	err = s.Run(ctx)
	switch {
	case errors.Is(err, tap.ErrCancelled), errors.Is(err, context.Canceled):
		return 0
	case err != nil:
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func scan(cmd *cobra.Command, path string, out io.Writer) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	o, err := loadOptions(cmd.Flags(), c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	matches, err := tap.LocateInFile(path, o.section, o.signature)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	for _, m := range matches {
		fmt.Fprintf(out, "%#x\t+%#x\t%s\n", m.Addr, m.Offset, m.Instruction)
	}
	return 0
}

// signatureValue is a pflag.Value holding a hex encoded signature.
type signatureValue struct {
	sig tap.Signature
}

func (v *signatureValue) String() string { return v.sig.String() }

func (v *signatureValue) Set(s string) error {
	sig, err := tap.ParseSignature(s)
	if err != nil {
		return err
	}
	v.sig = sig
	return nil
}

func (v *signatureValue) Type() string { return "hex" }

// registerValue is a pflag.Value holding the name of a general purpose
// register.
type registerValue struct {
	name string
}

func (v *registerValue) String() string { return v.name }

func (v *registerValue) Set(s string) error {
	if err := tap.ValidRegister(s); err != nil {
		return err
	}
	v.name = strings.ToLower(s)
	return nil
}

func (v *registerValue) Type() string { return "register" }
