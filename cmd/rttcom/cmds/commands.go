package cmds

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rttcom/rttcom/cmd/rttcom/cmds/helphelpers"
	"github.com/rttcom/rttcom/pkg/config"
	"github.com/rttcom/rttcom/pkg/logflags"
	"github.com/rttcom/rttcom/pkg/memory"
	"github.com/rttcom/rttcom/pkg/probe/gdbremote"
	"github.com/rttcom/rttcom/pkg/probe/sim"
	"github.com/rttcom/rttcom/pkg/semihosting"
	"github.com/rttcom/rttcom/pkg/terminal"
	"github.com/rttcom/rttcom/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// configFile overrides the default configuration file.
	configFile string
	// initFile is the path to initialization file.
	initFile string

	// backend selection and its parameters, overriding the configuration
	// file when set.
	backend   string
	addr      string
	serial    string
	baud      int
	core      int
	bigEndian bool
	native64  bool
	simImage  string

	// verbose prints the build information in the version command.
	verbose bool

	rootCommand *cobra.Command

	conf *config.Config
)

// newSimTarget creates the target of the sim backend.
var newSimTarget = sim.New

const rttcomCommandLongDesc = `rttcom accesses the memory and the core of an embedded target through a
debug probe.

Memory is accessed with the widest transfers the probe supports for the
requested alignment, converting words with the byte order of the target.
A program running on the target can end the session with the SYS_EXIT
semihosting call.

The target is selected by the configuration file ($HOME/.rttcom/config.yml)
and the flags below, for example:

	rttcom --addr localhost:3333 read 0x20000000 16
`

// ExitStatus is returned by commands that want rttcom to exit with a
// specific status without printing an error.
type ExitStatus int

func (s ExitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(s))
}

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main rttcom root command.
	rootCommand = &cobra.Command{
		Use:           "rttcom",
		Short:         "rttcom talks to embedded targets through a debug probe.",
		Long:          rttcomCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			return loadConfig(cmd)
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'rttcom help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'rttcom help log').")

	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file, instead of $HOME/.rttcom/config.yml.")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", config.BackendGdb, `Backend selection (see 'rttcom help backend').`)
	rootCommand.PersistentFlags().StringVarP(&addr, "addr", "a", "", "Address (host:port) of the gdb stub.")
	rootCommand.PersistentFlags().StringVar(&serial, "serial", "", "Serial port connected to the gdb stub, used instead of --addr.")
	rootCommand.PersistentFlags().IntVar(&baud, "baud", 0, "Speed of the serial port.")
	rootCommand.PersistentFlags().IntVar(&core, "core", 0, "Index of the core to access.")
	rootCommand.PersistentFlags().BoolVar(&bigEndian, "big-endian", false, "The target is big endian.")
	rootCommand.PersistentFlags().BoolVar(&native64, "native-64bit", false, "The target supports 64-bit memory accesses.")
	rootCommand.PersistentFlags().StringVar(&simImage, "sim-image", "", "File loaded at the start of the RAM of the sim backend.")

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect [addr]",
		Short: "Connect to the target and start an interactive terminal.",
		Long: `Connect to the target and start an interactive terminal.

The optional argument is the address of the gdb stub, overriding --addr and
the configuration file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: connectCmd,
	}
	rootCommand.AddCommand(connectCommand)

	// 'read' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "read <address> <length>",
		Short: "Reads target memory and prints it in hexadecimal.",
		Args:  cobra.ExactArgs(2),
		RunE:  readCmd,
	})

	// 'write' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "write <address> <hex data>",
		Short: "Writes hexadecimal encoded bytes to target memory.",
		Long: `Writes hexadecimal encoded bytes to target memory.

The data is a string of hexadecimal digit pairs, for example:

	rttcom write 0x20000000 deadbeef
`,
		Args: cobra.ExactArgs(2),
		RunE: writeCmd,
	})

	// 'dump' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "dump <address> <length> <file>",
		Short: "Saves target memory to a file.",
		Args:  cobra.ExactArgs(3),
		RunE:  dumpCmd,
	})

	// 'load' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "load <address> <file>",
		Short: "Copies the contents of a file to target memory.",
		Args:  cobra.ExactArgs(2),
		RunE:  loadCmd,
	})

	// 'semihost' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "semihost",
		Short: "Runs the core until the program exits through semihosting.",
		Long: `Runs the core until the program exits through semihosting.

The core is resumed every time it stops on a semihosting call that is not
SYS_EXIT, after failing the call. rttcom exits with status 0 if the program
reported a successful termination and 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: semihostCmd,
	})

	// 'decode' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "decode <operation> <parameter>",
		Short: "Decodes a semihosting call.",
		Long: `Decodes a semihosting call from the values of r0 (operation) and r1
(parameter). No target is needed.`,
		Args: cobra.ExactArgs(2),
		RunE: decodeCmd,
	})

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rttcom\n%s\n", version.RttcomVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which backend should be used, possible values
are:

	gdb		Connects to a gdb stub (OpenOCD, pyOCD, J-Link GDB server,
			Black Magic Probe) over TCP (--addr) or a serial port (--serial).
	sim		Simulated target with zeroed RAM, configured by sim-base and
			sim-size in the configuration file. --sim-image preloads it.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	memory		Log the transfer strategy of every memory access
	gdbwire		Log connection to the gdb stub
	semihosting	Log semihosting calls
	terminal	Log terminal commands
	cache		Log read cache hits and misses

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	if !docCall {
		defaultHelp := rootCommand.HelpFunc()
		rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
			helphelpers.Prepare(cmd)
			defaultHelp(cmd, args)
		})
	}

	return rootCommand
}

// loadConfig reads the configuration file and applies the flags the user
// set on top of it.
func loadConfig(cmd *cobra.Command) error {
	if configFile != "" {
		c, err := config.LoadConfigFile(configFile)
		if err != nil {
			return err
		}
		conf = c
	} else {
		conf = config.LoadConfig()
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		conf.Backend = backend
	}
	if flags.Changed("addr") {
		conf.Address = addr
	}
	if flags.Changed("serial") {
		conf.Serial = serial
	}
	if flags.Changed("baud") {
		conf.Baud = baud
	}
	if flags.Changed("core") {
		conf.Core = core
	}
	if flags.Changed("big-endian") {
		conf.BigEndian = bigEndian
	}
	if flags.Changed("native-64bit") {
		conf.Native64Bit = native64
	}
	return nil
}

// session is an open connection to the target.
type session struct {
	mem    *memory.Adapter
	target semihosting.Target
	close  func() error
}

func (s *session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func byteOrder(conf *config.Config) binary.ByteOrder {
	if conf.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// open connects to the target described by conf. When cached is true
// reads go through a cache if the configuration enables one.
func open(ctx context.Context, conf *config.Config, console io.Writer, cached bool) (*session, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	order := byteOrder(conf)

	var (
		iface memory.Interface
		s     = &session{}
	)
	switch conf.Backend {
	case config.BackendSim:
		tgt := newSimTarget(sim.Options{
			Base:      conf.SimBase,
			Size:      conf.SimSize,
			CoreID:    conf.Core,
			Native64:  conf.Native64Bit,
			EightBit:  conf.Supports8BitTransfers(),
			BigEndian: conf.BigEndian,
		})
		if simImage != "" {
			data, err := os.ReadFile(simImage)
			if err != nil {
				return nil, err
			}
			if err := tgt.Load(conf.SimBase, data); err != nil {
				return nil, err
			}
		}
		iface, s.target = tgt, tgt
	case config.BackendGdb:
		opts := gdbremote.Options{
			CoreID:     conf.Core,
			Native64:   conf.Native64Bit,
			EightBit:   conf.Supports8BitTransfers(),
			BigEndian:  conf.BigEndian,
			PacketSize: conf.PacketSize,
			Console:    console,
		}
		var (
			client *gdbremote.Client
			err    error
		)
		if conf.Serial != "" {
			client, err = gdbremote.OpenSerial(conf.Serial, conf.Baud, opts)
		} else {
			client, err = gdbremote.Dial(ctx, conf.Address, opts)
		}
		if err != nil {
			return nil, err
		}
		iface, s.target = client, client
		s.close = func() error {
			client.Detach()
			return client.Close()
		}
	}

	if cached && conf.CacheLines > 0 {
		cache, err := memory.NewCache(iface, order, conf.CacheLineSize, conf.CacheLines)
		if err != nil {
			s.Close()
			return nil, err
		}
		iface = cache
	}
	s.mem = memory.NewAdapter(iface, memory.WithByteOrder(order))
	return s, nil
}

// withSession opens the target, runs fn and closes the target, flushing
// pending writes if fn succeeded.
func withSession(cmd *cobra.Command, cached bool, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := open(ctx, conf, cmd.OutOrStdout(), cached)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := fn(ctx, s); err != nil {
		return err
	}
	return s.mem.Flush()
}

func parseAddress(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("wrong argument: %q is not an address", s)
	}
	return n, nil
}

func parseLength(s string) (int, error) {
	n, err := strconv.ParseUint(s, 0, 31)
	if err != nil {
		return 0, fmt.Errorf("wrong argument: %q is not a length", s)
	}
	return int(n), nil
}

func connectCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		conf.Backend = config.BackendGdb
		conf.Address = args[0]
		conf.Serial = ""
	}
	s, err := open(cmd.Context(), conf, os.Stdout, true)
	if err != nil {
		return err
	}
	defer s.Close()

	term := terminal.New(s.mem, s.target, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		return err
	}
	if status != 0 {
		return ExitStatus(status)
	}
	return nil
}

const hexLineLen = 16

func readCmd(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	length, err := parseLength(args[1])
	if err != nil {
		return err
	}
	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		data := make([]byte, length)
		if err := s.mem.Read(address, data); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for len(data) > 0 {
			n := hexLineLen
			if n > len(data) {
				n = len(data)
			}
			fmt.Fprintf(out, "0x%08x: % x\n", address, data[:n])
			data = data[n:]
			address += uint64(n)
		}
		return nil
	})
}

func writeCmd(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
	if err != nil {
		return fmt.Errorf("wrong argument: %q is not hexadecimal data", args[1])
	}
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		return s.mem.Write(address, data)
	})
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	length, err := parseLength(args[1])
	if err != nil {
		return err
	}
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		f, err := os.Create(args[2])
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(f, io.NewSectionReader(s.mem, int64(address), int64(length)))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dumped %d bytes from %#x to %s\n", n, address, args[2])
		return f.Close()
	})
}

func loadCmd(cmd *cobra.Command, args []string) error {
	address, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		if err := s.mem.Write(address, data); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d bytes at %#x\n", len(data), address)
		return nil
	})
}

func semihostCmd(cmd *cobra.Command, args []string) error {
	var result semihosting.Command
	err := withSession(cmd, false, func(ctx context.Context, s *session) error {
		var err error
		result, err = semihosting.NewMonitor(s.target, s.mem).Run(ctx)
		return err
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.OutOrStdout(), "interrupted")
		return ExitStatus(1)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "program finished: %v\n", result)
	if _, ok := result.(semihosting.ExitSuccess); !ok {
		return ExitStatus(1)
	}
	return nil
}

func decodeCmd(cmd *cobra.Command, args []string) error {
	var v [2]uint32
	for i := range v {
		n, err := strconv.ParseUint(args[i], 0, 32)
		if err != nil {
			return fmt.Errorf("wrong argument: %q is not a 32-bit number", args[i])
		}
		v[i] = uint32(n)
	}
	fmt.Fprintln(cmd.OutOrStdout(), semihosting.Decode(v[0], v[1]))
	return nil
}
