package terminal

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-isatty"
)

// consoleOutput is where commands print. Output reaches the terminal,
// through a pager when a command asked for it and printed more than a
// screenful, and is copied to the transcript file while one is open.
type consoleOutput struct {
	pager *pager

	transcript *bufio.Writer
	closer     io.Closer
	// quiet suppresses the terminal output while transcribing.
	quiet bool
}

func newConsoleOutput(w io.Writer) *consoleOutput {
	return &consoleOutput{pager: &pager{out: w}}
}

func (o *consoleOutput) Write(p []byte) (int, error) {
	if !o.quiet {
		if n, err := o.pager.Write(p); err != nil {
			return n, err
		}
	}
	if o.transcript != nil {
		return o.transcript.Write(p)
	}
	return len(p), nil
}

// Echo writes str to the transcript only.
func (o *consoleOutput) Echo(str string) {
	if o.transcript != nil {
		o.transcript.WriteString(str)
	}
}

// Page lets the output of the current command go through a pager.
func (o *consoleOutput) Page() {
	o.pager.arm()
}

// EndCommand releases the output of the command that just finished.
func (o *consoleOutput) EndCommand() {
	o.pager.finish()
	if o.transcript != nil {
		o.transcript.Flush()
	}
}

// StartTranscript copies the output to fh from now on. With quiet set the
// terminal no longer receives it.
func (o *consoleOutput) StartTranscript(fh io.WriteCloser, quiet bool) {
	o.transcript = bufio.NewWriter(fh)
	o.closer = fh
	o.quiet = quiet
}

// StopTranscript closes the transcript file, if any.
func (o *consoleOutput) StopTranscript() error {
	if o.transcript == nil {
		return nil
	}
	o.transcript.Flush()
	err := o.closer.Close()
	o.transcript, o.closer, o.quiet = nil, nil, false
	return err
}

type pagerState uint8

const (
	pagerOff pagerState = iota
	// pagerHolding buffers output until it is known to fit on the screen.
	pagerHolding
	pagerPiping
)

// pager holds the output of a command until it either ends or exceeds the
// height of the terminal, in which case everything is piped to the pager
// program.
type pager struct {
	out   io.Writer
	state pagerState

	held       []byte
	rows, cols int
	line, col  int

	proc *exec.Cmd
	pipe io.WriteCloser
}

// pagerCommand returns the pager to use, "" if output should not be paged.
// RTTCOM_PAGER forces paging even if out is not a terminal.
func pagerCommand(out io.Writer) string {
	if pager := os.Getenv("RTTCOM_PAGER"); pager != "" {
		return pager
	}
	f, ok := out.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) || strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return ""
	}
	if pager := os.Getenv("PAGER"); pager != "" {
		return pager
	}
	return "more"
}

func (p *pager) arm() {
	if p.state != pagerOff || pagerCommand(p.out) == "" {
		return
	}
	rows, cols, ok := windowSize()
	if !ok {
		return
	}
	p.state = pagerHolding
	p.rows, p.cols = rows, cols
	p.line, p.col = 0, 0
}

func (p *pager) Write(b []byte) (int, error) {
	switch p.state {
	case pagerHolding:
		p.held = append(p.held, b...)
		if p.count(b) {
			p.start()
		}
		return len(b), nil
	case pagerPiping:
		return p.pipe.Write(b)
	default:
		return p.out.Write(b)
	}
}

// count advances the screen position over b and reports whether the held
// output no longer fits on the screen.
func (p *pager) count(b []byte) bool {
	for _, c := range b {
		p.col++
		if c == '\n' || p.col > p.cols {
			p.line++
			p.col = 0
		}
	}
	return p.line >= p.rows-1
}

func (p *pager) start() {
	argv := strings.Fields(pagerCommand(p.out))
	if len(argv) > 0 {
		p.proc = exec.Command(argv[0], argv[1:]...)
		p.proc.Stdout = os.Stdout
		p.proc.Stderr = os.Stderr
		pipe, err := p.proc.StdinPipe()
		if err == nil {
			err = p.proc.Start()
		}
		if err == nil {
			p.pipe = pipe
			p.state = pagerPiping
			pipe.Write(p.held)
			p.held = nil
			return
		}
		p.proc = nil
	}
	p.state = pagerOff
	p.out.Write(p.held)
	p.held = nil
}

func (p *pager) finish() {
	switch p.state {
	case pagerHolding:
		p.out.Write(p.held)
	case pagerPiping:
		p.pipe.Close()
		p.proc.Wait()
		p.proc, p.pipe = nil, nil
	}
	p.state = pagerOff
	p.held = nil
}
