package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/fdefind/cmd/fdefind/cmds/helphelpers"
	"github.com/go-delve/fdefind/pkg/config"
	"github.com/go-delve/fdefind/pkg/hostmod"
	"github.com/go-delve/fdefind/pkg/logflags"
	"github.com/go-delve/fdefind/pkg/proc"
	"github.com/go-delve/fdefind/pkg/unwind"
	"github.com/go-delve/fdefind/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile is the config file to use instead of the default one.
	configFile string

	// strategy selects the finder used by lookup, "custom" or "deferred".
	strategy string
	// linear disables the .eh_frame_hdr binary search table.
	linear bool
	// bias is the load bias of the binary passed to lookup.
	bias uint64
	// pid is the process whose memory the frame tables are read from,
	// 0 means the binary file itself.
	pid int

	versionVerbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const (
	strategyCustom   = "custom"
	strategyDeferred = "deferred"
)

const fdefindCommandLongDesc = `fdefind locates the frame description entry (FDE) that covers a program
counter, using the .eh_frame_hdr and .eh_frame sections of ELF modules.

The lookup runs through the same finders a stack unwinder uses: a custom
finder registered once per process, or a deferred finder whose section
addresses come from host callbacks.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main fdefind root command.
	rootCommand = &cobra.Command{
		Use:          "fdefind",
		Short:        "fdefind finds the call frame information covering a program counter.",
		Long:         fdefindCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'fdefind help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'fdefind help log').")
	rootCommand.PersistentFlags().StringVarP(&configFile, "config", "", "", "Config file to use instead of ~/.fdefind/config.yml.")

	// 'lookup' subcommand.
	lookupCommand := &cobra.Command{
		Use:   "lookup binary pc...",
		Short: "Finds the FDE covering each program counter.",
		Long: `Finds the FDE covering each program counter.

The binary is loaded at the address given by --bias, along with the modules
listed in the config file. Program counters are runtime addresses, in
decimal or with a 0x prefix.

With --strategy=custom the modules are registered as the custom finder and
every module uses its own frame tables. With --strategy=deferred the modules
are reached through host hooks, which only report the frame tables of the
binary.

The exit status is 1 if any program counter has no FDE.`,
		Args: cobra.MinimumNArgs(2),
		RunE: lookupCmd,
	}
	lookupCommand.Flags().StringVar(&strategy, "strategy", "", `Finder to use, "custom" or "deferred" (default "custom").`)
	lookupCommand.Flags().BoolVar(&linear, "linear", false, "Ignore .eh_frame_hdr and scan .eh_frame linearly.")
	lookupCommand.Flags().Uint64Var(&bias, "bias", 0, "Load bias of the binary.")
	lookupCommand.Flags().IntVar(&pid, "pid", 0, "Read the frame tables from the memory of this process instead of the binary.")
	rootCommand.AddCommand(lookupCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fdefind\n%s\n", version.FdefindVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
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


	unwind		Log recoverable errors decoding frame tables
	hostmod		Log modules as they are loaded
	config		Log the configuration in use
	cli		Log the finder installed by lookup

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

Defaults for all three flags can be set in the config file.
`,
	})

	if !docCall {
		defaultHelp := rootCommand.HelpFunc()
		rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
			helphelpers.Prepare(cmd)
			defaultHelp(cmd, args)
		})
	}

	return rootCommand
}

func lookupCmd(cmd *cobra.Command, args []string) error {
	conf, err := config.LoadConfig(configFile)
	if err != nil {
		if configFile != "" {
			return err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	applyConfig(cmd.Flags(), conf)

	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	if logflags.Config() {
		logflags.ConfigLogger().WithFields(logflags.Fields{
			"modules":  len(conf.Modules),
			"strategy": strategy,
			"linear":   linear,
		}).Debugf("configuration loaded")
	}

	return lookup(cmd.OutOrStdout(), conf, args[0], args[1:])
}

// applyConfig replaces the defaults of the flags that were not passed
// on the command line with the values in conf.
func applyConfig(flags *pflag.FlagSet, conf *config.Config) {
	if !flags.Changed("log") && conf.Log {
		log = true
	}
	if !flags.Changed("log-output") && conf.LogOutput != "" {
		logOutput = conf.LogOutput
	}
	if !flags.Changed("log-dest") && conf.LogDest != "" {
		logDest = conf.LogDest
	}
	if !flags.Changed("strategy") {
		strategy = conf.Strategy
	}
	if strategy == "" {
		strategy = strategyCustom
	}
	if !flags.Changed("linear") && conf.Linear {
		linear = true
	}
}

var errMissingFDE = errors.New("no FDE found")

func lookup(out io.Writer, conf *config.Config, binary string, pcargs []string) error {
	if strategy != strategyCustom && strategy != strategyDeferred {
		return fmt.Errorf("unknown strategy %q", strategy)
	}
	pcs := make([]uint64, len(pcargs))
	for i := range pcargs {
		pc, err := strconv.ParseUint(pcargs[i], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid program counter %q", pcargs[i])
		}
		pcs[i] = pc
	}
	specs, err := conf.ModuleSpecs()
	if err != nil {
		return err
	}

	reg := hostmod.New()
	primary, err := reg.Add(binary, bias)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := reg.Add(spec.Path, spec.Bias); err != nil {
			return err
		}
	}

	t := unwind.Target{PtrSize: primary.PtrSize, Order: primary.Order}
	if pid != 0 {
		t.Mem = proc.ProcessMemory(pid)
	} else {
		img, err := reg.Image()
		if err != nil {
			return err
		}
		t.Mem = img
	}

	var f unwind.Finder
	switch strategy {
	case strategyCustom:
		if err := unwind.Register(reg.Finder(t, !linear)); err != nil {
			return err
		}
		f = unwind.Custom()
	case strategyDeferred:
		unwind.SetHostHooks(reg.Hooks(t, !linear))
		defer unwind.ResetHostHooks()
		f = unwind.Deferred()
	}
	if logflags.CLI() {
		logflags.CLILogger().Debugf("using %s finder for %d modules, primary %s", strategy, len(reg.Modules()), primary)
	}

	missing := 0
	for _, pc := range pcs {
		res, ok := f.FindFDE(pc)
		if !ok {
			fmt.Fprintf(out, "%#x: no FDE\n", pc)
			missing++
			continue
		}
		printFDE(out, pc, res)
	}
	if missing > 0 {
		return fmt.Errorf("%w for %d of %d program counters", errMissingFDE, missing, len(pcs))
	}
	return nil
}

func printFDE(out io.Writer, pc uint64, res unwind.SearchResult) {
	fde := res.FDE
	fmt.Fprintf(out, "%#x: FDE at %#x [%#x, %#x) via %s", pc, fde.Offset, fde.Begin(), fde.End(), res.Source)
	if cie := fde.CIE; cie != nil {
		fmt.Fprintf(out, ", CIE at %#x augmentation %q", cie.Offset, cie.Augmentation())
	}
	fmt.Fprintln(out)
}
