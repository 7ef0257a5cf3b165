package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"

	"github.com/rttcom/rttcom/pkg/config"
	"github.com/rttcom/rttcom/pkg/logflags"
	"github.com/rttcom/rttcom/pkg/memory"
	"github.com/rttcom/rttcom/pkg/semihosting"
	"github.com/rttcom/rttcom/pkg/terminal/starbind"
)

const historyFile string = ".rttcom_history"

// Term represents the terminal running rttcom.
type Term struct {
	mem      *memory.Adapter
	target   semihosting.Target
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *consoleOutput
	InitFile string
	log      logflags.Logger

	starlarkEnv *starbind.Env

	// cancel interrupts the command running the core, if any.
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New returns a new Term accessing memory through mem. Target is used by
// the commands that run the core and may be nil if the backend can only
// access memory.
func New(mem *memory.Adapter, target semihosting.Target, conf *config.Config) *Term {
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	var w io.Writer = os.Stdout
	if !dumb {
		w = colorable.NewColorableStdout()
	}
	return newTerm(mem, target, conf, w, dumb)
}

func newTerm(mem *memory.Adapter, target semihosting.Target, conf *config.Config, w io.Writer, dumb bool) *Term {
	if conf == nil {
		conf = config.Default()
	}
	cmds := DefaultCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	t := &Term{
		mem:    mem,
		target: target,
		conf:   conf,
		prompt: "(rttcom) ",
		cmds:   cmds,
		dumb:   dumb,
		stdout: newConsoleOutput(w),
		log:    logflags.TerminalLogger(),
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
	t.stdout.StopTranscript()
}

// withInterrupt returns a context canceled by SIGINT. Done must be called
// once the command is over.
func (t *Term) withInterrupt() (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelMu.Lock()
	t.cancel = cancel
	t.cancelMu.Unlock()
	return ctx, func() {
		t.cancelMu.Lock()
		t.cancel = nil
		t.cancelMu.Unlock()
		cancel()
	}
}

// interrupt stops the running command, if any.
func (t *Term) interrupt() {
	t.cancelMu.Lock()
	cancel := t.cancel
	t.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.starlarkEnv.Cancel()
}

// purgeCache drops cached memory, the core may have changed it.
func (t *Term) purgeCache() {
	if c, ok := t.mem.Interface.(*memory.Cache); ok {
		c.Purge()
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintln(os.Stderr, "received SIGINT, stopping the core")
		t.interrupt()
	}
}

// complete returns the completions of line: command names, or the name
// of a command to get help about.
func (t *Term) complete(line string) (c []string) {
	cmds := trie.New()
	for i := range t.cmds.cmds {
		for _, name := range t.cmds.namesOf(&t.cmds.cmds[i]) {
			cmds.Add(name, nil)
		}
	}
	line = strings.TrimLeft(line, " ")
	prefix := ""
	if strings.HasPrefix(line, "help ") || strings.HasPrefix(line, "h ") {
		spc := strings.Index(line, " ")
		prefix, line = line[:spc+1], strings.TrimLeft(line[spc+1:], " ")
	} else if strings.Contains(line, " ") {
		return nil
	}
	for _, alias := range cmds.PrefixSearch(strings.ToLower(line)) {
		c = append(c, prefix+alias)
	}
	sort.Strings(c)
	return c
}

// Run reads commands from the console and executes them until exit is
// requested or the input ends. It returns the exit status of rttcom.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.complete)
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.loadHistory()
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if isExitRequest(err) {
			return t.handleExit()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		switch {
		case errors.Is(err, io.EOF):
			fmt.Fprintln(t.stdout, "exit")
			return t.handleExit()
		case errors.Is(err, liner.ErrPromptAborted):
			continue
		case err != nil:
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		err = t.cmds.Call(cmdstr, t)
		t.stdout.EndCommand()
		if isExitRequest(err) {
			return t.handleExit()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func isExitRequest(err error) bool {
	var exit ExitRequestError
	return errors.As(err, &exit)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}
	t.stdout.Echo(t.prompt + l + "\n")
	return l, nil
}

func (t *Term) loadHistory() {
	path, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		t.log.Warnf("history will not be saved: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		t.log.Warnf("history will not be saved: %v", err)
		return
	}
	defer f.Close()
	t.line.ReadHistory(f)
}

func (t *Term) saveHistory() {
	path, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		t.log.Warnf("could not save history: %v", err)
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		t.log.Warnf("could not save history: %v", err)
	}
}

// handleExit saves the history and completes the pending writes.
func (t *Term) handleExit() (int, error) {
	t.saveHistory()
	if err := t.mem.Flush(); err != nil {
		return 1, err
	}
	return 0, nil
}
