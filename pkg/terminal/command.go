// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode"

	"github.com/cosiner/argv"

	"github.com/rttcom/rttcom/pkg/logflags"
	"github.com/rttcom/rttcom/pkg/memory"
	"github.com/rttcom/rttcom/pkg/semihosting"
)

// maxExamineLen bounds the number of bytes examinemem reads at once.
const maxExamineLen = 4096

type cmdfunc func(t *Term, args string) error

type command struct {
	// names holds the command name followed by its builtin aliases.
	names   []string
	group   commandGroup
	helpMsg string
	cmdFn   cmdfunc
}

// Commands represents the commands of the rttcom terminal.
type Commands struct {
	cmds []command
	// user aliases, keyed by command name
	aliases map[string][]string
}

// DefaultCommands returns a Commands struct with default commands defined.
func DefaultCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{names: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{names: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

Examine memory:

	examinemem [-fmt <format>] [-count|-len <count>] [-size <size>] <address>

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Length is the number of values (default 1) and size is the number of bytes of each value (default 1, at most 8).
Multi byte values are assembled in the byte order of the target.

For example:

    x -fmt hex -count 20 -size 1 0x20000000

The range is read with the widest accesses it allows, unaligned ranges are widened to whole words.`},
		{names: []string{"write", "w"}, group: dataCmds, cmdFn: writeCmd, helpMsg: `Writes values to memory.

	write [-size <size>] <address> <value>...

Each value is stored in size bytes (1, 2, 4 or 8, default 1) in the byte order of the target. Unaligned ranges are split so that no byte outside of the written range is modified.`},
		{names: []string{"fill"}, group: dataCmds, cmdFn: fillCmd, helpMsg: `Fills a memory range with a byte.

	fill <address> <length> <byte>`},
		{names: []string{"load"}, group: dataCmds, cmdFn: loadCmd, helpMsg: `Writes the content of a file to memory.

	load <address> <file>`},
		{names: []string{"dump"}, group: dataCmds, cmdFn: dumpCmd, helpMsg: `Saves a memory range to a file.

	dump <address> <length> <file>`},
		{names: []string{"flush"}, group: dataCmds, cmdFn: flushCmd, helpMsg: `Completes pending writes and drops cached memory.

	flush`},
		{names: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [-mode arm|arm64] <address> [<length>]

Disassembles length bytes (default 32) of memory starting at address. The default mode is arm64 when the target supports native 64-bit accesses, arm otherwise.`},
		{names: []string{"caps"}, group: targetCmds, cmdFn: capsCmd, helpMsg: `Prints the capabilities of the target.

	caps`},
		{names: []string{"regs", "core"}, group: targetCmds, cmdFn: regsCmd, helpMsg: `Prints the core registers.

	regs`},
		{names: []string{"setreg"}, group: targetCmds, cmdFn: setRegCmd, helpMsg: `Changes the value of a core register.

	setreg <register> <value>

Register is a number between 0 and 15, or one of sp, lr and pc.`},
		{names: []string{"continue", "c"}, group: targetCmds, cmdFn: continueCmd, helpMsg: `Resumes the core until it halts.

	continue

If the core halts on a semihosting call the call is decoded and printed. Press Ctrl-C to stop the core.`},
		{names: []string{"semihost"}, group: targetCmds, cmdFn: semihostCmd, helpMsg: `Runs the core until the program on it exits.

	semihost

Semihosting calls other than SYS_EXIT are failed and the core resumed. Press Ctrl-C to stop the core.`},
		{names: []string{"decode"}, group: targetCmds, cmdFn: decodeCmd, helpMsg: `Decodes a semihosting call.

	decode <operation> <parameter>

Operation and parameter are the values of r0 and r1 at the time of the call.`},
		{names: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of rttcom commands

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script. If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{names: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter. Parameters describing the connection only take effect the next time rttcom starts.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{names: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of commands is appended to the specified output file. If -t is specified and the output file exists it is truncated. If -x is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{names: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit rttcom.

	exit`},
	}

	return c
}

// Register adds a command named cmdstr, or replaces the function and
// help of the command already known by that name.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	if cmd := c.lookup(cmdstr); cmd != nil {
		cmd.cmdFn, cmd.helpMsg = cf, helpMsg
		return
	}
	c.cmds = append(c.cmds, command{names: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// namesOf returns every name cmd answers to, user aliases last.
func (c *Commands) namesOf(cmd *command) []string {
	user := c.aliases[cmd.names[0]]
	if len(user) == 0 {
		return cmd.names
	}
	return append(cmd.names[:len(cmd.names):len(cmd.names)], user...)
}

func (c *Commands) lookup(name string) *command {
	for i := range c.cmds {
		for _, n := range c.namesOf(&c.cmds[i]) {
			if n == name {
				return &c.cmds[i]
			}
		}
	}
	return nil
}

// Find returns the function of the command called cmdstr. Unknown
// commands fail with errNoCmd, the empty command does nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if cmd := c.lookup(cmdstr); cmd != nil {
		return cmd.cmdFn
	}
	return noCmdAvailable
}

// Call runs the command line cmdstr.
func (c *Commands) Call(cmdstr string, t *Term) error {
	name, args, _ := strings.Cut(strings.TrimSpace(cmdstr), " ")
	args = strings.TrimSpace(args)
	if logflags.Terminal() {
		t.log.Debugf("command %q %q", name, args)
	}
	return c.Find(name)(t, args)
}

// Merge replaces the user aliases with allAliases. Builtin aliases are
// never affected.
func (c *Commands) Merge(allAliases map[string][]string) {
	c.aliases = make(map[string][]string, len(allAliases))
	for name, aliases := range allAliases {
		c.aliases[name] = append([]string(nil), aliases...)
	}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		cmd := c.lookup(args)
		if cmd == nil {
			return errNoCmd
		}
		fmt.Fprintln(t.stdout, cmd.helpMsg)
		return nil
	}

	t.stdout.Page()
	fmt.Fprintln(t.stdout, "The following commands are available:")
	for _, g := range commandGroups {
		fmt.Fprintf(t.stdout, "\n%s:\n", g.title)
		w := tabwriter.NewWriter(t.stdout, 0, 8, 0, '-', 0)
		for i := range c.cmds {
			cmd := &c.cmds[i]
			if cmd.group != g.group {
				continue
			}
			summary, _, _ := strings.Cut(cmd.helpMsg, "\n")
			names := c.namesOf(cmd)
			if len(names) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", names[0], strings.Join(names[1:], " | "), summary)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", names[0], summary)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args into words the way a shell would, honoring
// quotes. Pipes and backquotes are rejected.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parseAddress(s string) (uint64, error) {
	address, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("wrong argument: %q is not an address", s)
	}
	return address, nil
}

func parseLength(s string) (int, error) {
	n, err := strconv.ParseUint(s, 0, 31)
	if err != nil {
		return 0, fmt.Errorf("wrong argument: %q is not a length", s)
	}
	return int(n), nil
}

// cmdOptions removes the "-name value" options listed in opts from v,
// wherever they appear, storing their value. The other arguments are
// returned in order.
func cmdOptions(v []string, opts map[string]*string) ([]string, error) {
	var rest []string
	for i := 0; i < len(v); i++ {
		p, ok := opts[v[i]]
		switch {
		case ok && i+1 < len(v):
			i++
			*p = v[i]
		case ok:
			return nil, fmt.Errorf("expected argument after %s", v[i])
		case len(v[i]) > 1 && v[i][0] == '-' && !unicode.IsDigit(rune(v[i][1])):
			return nil, fmt.Errorf("unknown option %q", v[i])
		default:
			rest = append(rest, v[i])
		}
	}
	return rest, nil
}

var examineFormats = map[string]byte{
	"oct": 'o', "octal": 'o',
	"hex": 'x', "hexadecimal": 'x',
	"dec": 'd', "decimal": 'd',
	"bin": 'b', "binary": 'b',
}

func examineMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	fmtOpt, countOpt, sizeOpt := "hex", "1", "1"
	v, err = cmdOptions(v, map[string]*string{"-fmt": &fmtOpt, "-count": &countOpt, "-len": &countOpt, "-size": &sizeOpt})
	if err != nil {
		return err
	}

	format, ok := examineFormats[fmtOpt]
	if !ok {
		return fmt.Errorf("%q is not a valid format", fmtOpt)
	}
	count, err := strconv.Atoi(countOpt)
	if err != nil || count <= 0 {
		return fmt.Errorf("count/len must be a positive integer")
	}
	size, err := strconv.Atoi(sizeOpt)
	if err != nil || size <= 0 || size > 8 {
		return fmt.Errorf("size must be a positive integer (<=8)")
	}
	if count*size > maxExamineLen {
		return fmt.Errorf("read memory range (count*size) must be less than or equal to %d bytes", maxExamineLen)
	}

	switch len(v) {
	case 0:
		return fmt.Errorf("no address specified")
	case 1:
	default:
		return fmt.Errorf("too many arguments: %q", v[1:])
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}

	data := make([]byte, count*size)
	if err := t.mem.Read(address, data); err != nil {
		return err
	}
	t.stdout.Page()
	fmt.Fprint(t.stdout, prettyExamineMemory(address, data, t.mem.ByteOrder(), format, size))
	return nil
}

func writeCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	sizeOpt := "1"
	v, err = cmdOptions(v, map[string]*string{"-size": &sizeOpt})
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(sizeOpt)
	if err != nil || (size != 1 && size != 2 && size != 4 && size != 8) {
		return fmt.Errorf("size must be one of 1, 2, 4 or 8")
	}
	if len(v) < 2 {
		return fmt.Errorf("wrong number of arguments: write [-size <size>] <address> <value>...")
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	order := t.mem.ByteOrder()
	data := make([]byte, 0, size*(len(v)-1))
	for _, arg := range v[1:] {
		n, err := strconv.ParseUint(arg, 0, size*8)
		if err != nil {
			return fmt.Errorf("wrong argument: %q is not a %d byte value", arg, size)
		}
		var buf [8]byte
		switch size {
		case 1:
			buf[0] = byte(n)
		case 2:
			order.PutUint16(buf[:], uint16(n))
		case 4:
			order.PutUint32(buf[:], uint32(n))
		case 8:
			order.PutUint64(buf[:], n)
		}
		data = append(data, buf[:size]...)
	}
	return t.mem.Write(address, data)
}

func fillCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("wrong number of arguments: fill <address> <length> <byte>")
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	n, err := parseLength(v[1])
	if err != nil {
		return err
	}
	b, err := strconv.ParseUint(v[2], 0, 8)
	if err != nil {
		return fmt.Errorf("wrong argument: %q is not a byte", v[2])
	}
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(b)
	}
	return t.mem.Write(address, data)
}

func loadCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return fmt.Errorf("wrong number of arguments: load <address> <file>")
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(v[1])
	if err != nil {
		return err
	}
	if err := t.mem.Write(address, data); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Loaded %d bytes at %#x\n", len(data), address)
	return nil
}

func dumpCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("wrong number of arguments: dump <address> <length> <file>")
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	n, err := parseLength(v[1])
	if err != nil {
		return err
	}
	data := make([]byte, n)
	if err := t.mem.Read(address, data); err != nil {
		return err
	}
	if err := os.WriteFile(v[2], data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Dumped %d bytes at %#x to %s\n", n, address, v[2])
	return nil
}

func flushCmd(t *Term, args string) error {
	if err := t.mem.Flush(); err != nil {
		return err
	}
	if c, ok := t.mem.Interface.(*memory.Cache); ok {
		c.Purge()
	}
	return nil
}

func capsCmd(t *Term, args string) error {
	eightBit, err := t.mem.Supports8BitTransfers()
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "core\t%d\n", t.mem.CoreID())
	fmt.Fprintf(w, "native 64-bit\t%v\n", t.mem.SupportsNative64BitAccess())
	fmt.Fprintf(w, "8-bit transfers\t%v\n", eightBit)
	fmt.Fprintf(w, "byte order\t%v\n", t.mem.ByteOrder())
	if c, ok := t.mem.Interface.(*memory.Cache); ok {
		fmt.Fprintf(w, "cached lines\t%d\n", c.Len())
	}
	fmt.Fprintf(w, "can resume\t%v\n", t.target != nil)
	return w.Flush()
}

var regNames = map[string]int{
	"sp": 13,
	"lr": 14,
	"pc": semihosting.RegPC,
}

func (t *Term) runnable() (semihosting.Target, error) {
	if t.target == nil {
		return nil, errors.New("the backend cannot access the core")
	}
	return t.target, nil
}

func regsCmd(t *Term, args string) error {
	target, err := t.runnable()
	if err != nil {
		return err
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', tabwriter.AlignRight)
	for i := 0; i < 16; i++ {
		v, err := target.ReadCoreRegister(i)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("r%d", i)
		for n, reg := range regNames {
			if reg == i {
				name = n
			}
		}
		fmt.Fprintf(w, "%s\t0x%08x\t\n", name, v)
	}
	return w.Flush()
}

func setRegCmd(t *Term, args string) error {
	target, err := t.runnable()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return fmt.Errorf("wrong number of arguments: setreg <register> <value>")
	}
	reg, ok := regNames[strings.ToLower(v[0])]
	if !ok {
		r := strings.TrimPrefix(strings.ToLower(v[0]), "r")
		n, err := strconv.Atoi(r)
		if err != nil || n < 0 || n > 15 {
			return fmt.Errorf("%q is not a core register", v[0])
		}
		reg = n
	}
	value, err := strconv.ParseUint(v[1], 0, 32)
	if err != nil {
		return fmt.Errorf("wrong argument: %q is not a 32-bit value", v[1])
	}
	return target.WriteCoreRegister(reg, uint32(value))
}

func continueCmd(t *Term, args string) error {
	target, err := t.runnable()
	if err != nil {
		return err
	}
	if err := t.mem.Flush(); err != nil {
		return err
	}
	ctx, done := t.withInterrupt()
	defer done()
	if err := target.Continue(ctx); err != nil {
		return err
	}
	t.purgeCache()
	cmd, err := semihosting.NewMonitor(target, t.mem).Check()
	if err != nil {
		var uerr *semihosting.UnexpectedHaltError
		if errors.As(err, &uerr) {
			fmt.Fprintf(t.stdout, "> halted at %#x\n", uerr.PC)
			return nil
		}
		return err
	}
	fmt.Fprintf(t.stdout, "> semihosting call: %v\n", cmd)
	return nil
}

func semihostCmd(t *Term, args string) error {
	target, err := t.runnable()
	if err != nil {
		return err
	}
	ctx, done := t.withInterrupt()
	defer done()
	cmd, err := semihosting.NewMonitor(target, t.mem).Run(ctx)
	t.purgeCache()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(t.stdout, "> interrupted")
			return nil
		}
		return err
	}
	fmt.Fprintf(t.stdout, "> program finished: %v\n", cmd)
	return nil
}

func decodeCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return fmt.Errorf("wrong number of arguments: decode <operation> <parameter>")
	}
	var nums [2]uint32
	for i := range nums {
		n, err := strconv.ParseUint(v[i], 0, 32)
		if err != nil {
			return fmt.Errorf("wrong argument: %q is not a 32-bit value", v[i])
		}
		nums[i] = uint32(n)
	}
	fmt.Fprintln(t.stdout, semihosting.Decode(nums[0], nums[1]))
	return nil
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

// ExitRequestError is returned when the user
// exits rttcom.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

// executeFile runs the commands in the file name, one per line. Blank
// lines and lines starting with # are skipped. A failing command is
// reported and the next one runs, except for exit.
func (c *Commands) executeFile(t *Term, name string) error {
	buf, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	for i, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := c.Call(line, t)
		if isExitRequest(err) {
			return err
		}
		if err != nil {
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, i+1, err)
		}
	}
	return nil
}

func transcript(t *Term, args string) error {
	argv, err := splitArgs(args)
	if err != nil {
		return err
	}
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.StopTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.StopTranscript(); err != nil {
		return err
	}

	t.stdout.StartTranscript(fh, fileOnly)
	return nil
}
