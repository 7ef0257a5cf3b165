// Package starbind makes target memory scriptable with Starlark.
package starbind

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/rttcom/rttcom/pkg/memory"
	"github.com/rttcom/rttcom/pkg/semihosting"
)

const (
	rttcomCommandBuiltinName     = "rttcom_command"
	readU8BuiltinName            = "read_u8"
	readU32BuiltinName           = "read_u32"
	readU64BuiltinName           = "read_u64"
	readBuiltinName              = "read"
	writeU32BuiltinName          = "write_u32"
	writeBuiltinName             = "write"
	flushBuiltinName             = "flush"
	decodeSemihostingBuiltinName = "decode_semihosting"
	readFileBuiltinName          = "read_file"
	writeFileBuiltinName         = "write_file"
	helpBuiltinName              = "help"
	commandPrefix                = "command_"
	rttcomContextName            = "rttcom_context"
)

func init() {
	resolve.AllowSet = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Context is the context in which starlark scripts are evaluated.
type Context interface {
	// Memory returns the memory of the current core.
	Memory() *memory.Adapter
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	doc       map[string]string
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	ctx Context
	out EchoWriter
}

type builtinFn func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// New creates a new starlark binding environment.
func New(ctx Context, out EchoWriter) *Env {
	env := &Env{
		env: starlark.StringDict{},
		doc: map[string]string{},
		ctx: ctx,
		out: out,
	}

	env.builtin(rttcomCommandBuiltinName, "(Command)", "executes a console command.", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		argstrs := make([]string, len(args))
		for i := range args {
			a, ok := args[i].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("argument of %s is not a string", rttcomCommandBuiltinName)
			}
			argstrs[i] = string(a)
		}
		return starlark.None, env.ctx.CallCommand(strings.Join(argstrs, " "))
	})

	env.builtin(readU8BuiltinName, "(Address)", "reads one byte of target memory with an 8-bit access.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addr starlark.Int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &addr); err != nil {
			return nil, err
		}
		address, err := toUint64(addr)
		if err != nil {
			return nil, err
		}
		v, err := env.ctx.Memory().ReadWord8(address)
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(uint64(v)), nil
	})

	env.builtin(readU32BuiltinName, "(Address)", "reads a 32-bit word of target memory, Address must be 4-byte aligned.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addr starlark.Int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &addr); err != nil {
			return nil, err
		}
		address, err := toUint64(addr)
		if err != nil {
			return nil, err
		}
		v, err := env.ctx.Memory().ReadWord32(address)
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(uint64(v)), nil
	})

	env.builtin(readU64BuiltinName, "(Address)", "reads a 64-bit word of target memory, Address must be 8-byte aligned.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addr starlark.Int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &addr); err != nil {
			return nil, err
		}
		address, err := toUint64(addr)
		if err != nil {
			return nil, err
		}
		v, err := env.ctx.Memory().ReadWord64(address)
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(v), nil
	})

	env.builtin(readBuiltinName, "(Address, Length)", "reads Length bytes of target memory at any alignment.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			addr starlark.Int
			n    int
		)
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &addr, &n); err != nil {
			return nil, err
		}
		address, err := toUint64(addr)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative length %d", n)
		}
		buf := make([]byte, n)
		if err := env.ctx.Memory().Read(address, buf); err != nil {
			return nil, err
		}
		return starlark.Bytes(buf), nil
	})

	env.builtin(writeU32BuiltinName, "(Address, Value)", "writes a 32-bit word of target memory, Address must be 4-byte aligned.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addr, val starlark.Int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &addr, &val); err != nil {
			return nil, err
		}
		address, err := toUint64(addr)
		if err != nil {
			return nil, err
		}
		v, err := toUint64(val)
		if err != nil {
			return nil, err
		}
		if v > 0xffffffff {
			return nil, fmt.Errorf("value %#x does not fit in 32 bits", v)
		}
		return starlark.None, env.ctx.Memory().WriteWord32(address, uint32(v))
	})

	env.builtin(writeBuiltinName, "(Address, Data)", "writes the bytes Data to target memory at any alignment.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			addr starlark.Int
			data starlark.Bytes
		)
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &addr, &data); err != nil {
			return nil, err
		}
		address, err := toUint64(addr)
		if err != nil {
			return nil, err
		}
		return starlark.None, env.ctx.Memory().Write(address, []byte(data))
	})

	env.builtin(flushBuiltinName, "()", "makes pending writes visible to the target.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		return starlark.None, env.ctx.Memory().Flush()
	})

	env.builtin(decodeSemihostingBuiltinName, "(Operation, Parameter)", "decodes a semihosting call into a dict with a 'kind' key (exit_success, exit_error or unknown).", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var op, param starlark.Int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &op, &param); err != nil {
			return nil, err
		}
		o, err := toUint32(op)
		if err != nil {
			return nil, err
		}
		p, err := toUint32(param)
		if err != nil {
			return nil, err
		}
		return commandToStarlarkValue(semihosting.Decode(o, p)), nil
	})

	env.builtin(readFileBuiltinName, "(Path)", "reads a file.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return starlark.String(string(buf)), nil
	})

	env.builtin(writeFileBuiltinName, "(Path, Text)", "writes text to the specified file.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("wrong number of arguments")
		}
		path, ok := args[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("first argument of write_file was not a string")
		}
		var data []byte
		switch x := args[1].(type) {
		case starlark.Bytes:
			data = []byte(x)
		case starlark.String:
			data = []byte(x)
		default:
			data = []byte(x.String())
		}
		return starlark.None, os.WriteFile(string(path), data, 0640)
	})

	env.builtin(helpBuiltinName, "(Object)", "prints help for Object, or lists the builtins.", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var obj starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &obj); err != nil {
			return nil, err
		}
		env.help(obj)
		return starlark.None, nil
	})

	return env
}

// builtin registers a builtin, errors it returns are decorated with the
// position of the call.
func (env *Env) builtin(name, args, descr string, fn builtinFn) {
	env.env[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, a starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		v, err := fn(thread, b, a, kwargs)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return v, nil
	})
	env.doc[name] = name + args + "\n\n" + name + " " + descr
}

func (env *Env) help(obj starlark.Value) {
	switch x := obj.(type) {
	case nil:
		names := make([]string, 0, len(env.doc))
		for name := range env.doc {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(env.out, "Available builtins:")
		for _, name := range names {
			fmt.Fprintf(env.out, "\t%s\n", name)
		}
	case *starlark.Builtin:
		if doc, ok := env.doc[x.Name()]; ok {
			fmt.Fprintln(env.out, doc)
			return
		}
		fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
	case *starlark.Function:
		fmt.Fprintf(env.out, "%s: user defined function\n", x.Name())
		if doc := x.Doc(); doc != "" {
			fmt.Fprintln(env.out, doc)
		}
	default:
		fmt.Fprintf(env.out, "no help for %s value\n", obj.Type())
	}
}

// Execute runs the script at path, or source when it is not nil (a
// string, []byte or io.Reader). Capitalised globals of the script stay
// defined for later scripts and command_ functions become commands. Then
// the function called mainFnName, if the script has one, is called with
// args.
func (env *Env) Execute(path string, source interface{}, mainFnName string, args []starlark.Value) (_ starlark.Value, err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			fmt.Fprintf(env.out, "panic executing starlark script: %v\n%s", ierr, debug.Stack())
			err = fmt.Errorf("panic executing starlark script: %v", ierr)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}
	if err := env.exportGlobals(globals); err != nil {
		return starlark.None, err
	}

	mainfn, err := lookupMain(globals, mainFnName, len(args))
	if mainfn == nil || err != nil {
		return starlark.None, err
	}
	return starlark.Call(thread, mainfn, starlark.Tuple(args), nil)
}

// lookupMain returns the function name of globals, nil if there is none.
func lookupMain(globals starlark.StringDict, name string, nargs int) (*starlark.Function, error) {
	v, ok := globals[name]
	if name == "" || !ok {
		return nil, nil
	}
	fn, ok := v.(*starlark.Function)
	switch {
	case !ok:
		return nil, fmt.Errorf("%s is not a function", name)
	case fn.NumParams() != nargs:
		return nil, fmt.Errorf("wrong number of arguments for %s: want %d, have %d", name, fn.NumParams(), nargs)
	}
	return fn, nil
}

func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		if cmdname := strings.TrimPrefix(name, commandPrefix); cmdname != name {
			if fn, ok := val.(*starlark.Function); ok {
				env.createCommand(cmdname, fn)
			}
			continue
		}
		if c := name[0]; c >= 'A' && c <= 'Z' {
			env.env[name] = val
		}
	}
	return nil
}

// Cancel interrupts the running script, the next builtin it calls fails.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	defer env.contextMu.Unlock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
}

// newThread returns the thread of a new evaluation, which Cancel
// interrupts from now on.
func (env *Env) newThread() *starlark.Thread {
	ctx, cancel := context.WithCancel(context.Background())
	thread := &starlark.Thread{
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(env.out, msg)
		},
	}
	thread.SetLocal(rttcomContextName, ctx)

	env.contextMu.Lock()
	env.thread, env.cancelfn = thread, cancel
	env.contextMu.Unlock()
	return thread
}

// createCommand registers fn as the console command name. A function with
// a single parameter called args receives the command line as a string,
// otherwise the command line is evaluated as its argument list.
func (env *Env) createCommand(name string, fn *starlark.Function) {
	helpMsg := fn.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}

	rawArgs := false
	if fn.NumParams() == 1 {
		p0, _ := fn.Param(0)
		rawArgs = p0 == "args"
	}

	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		thread := env.newThread()
		argv := starlark.Tuple{starlark.String(args)}
		if !rawArgs {
			v, err := starlark.Eval(thread, "<input>", "("+args+")", env.env)
			if err != nil {
				return err
			}
			if tuple, ok := v.(starlark.Tuple); ok {
				argv = tuple
			} else {
				argv = starlark.Tuple{v}
			}
		}
		_, err := starlark.Call(thread, fn, argv, nil)
		return err
	})
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(rttcomContextName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %w", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %w", pos.Filename(), pos.Line, err)
}

func toUint64(v starlark.Int) (uint64, error) {
	u, ok := v.Uint64()
	if !ok {
		return 0, fmt.Errorf("%v is not a valid unsigned 64-bit value", v)
	}
	return u, nil
}

func toUint32(v starlark.Int) (uint32, error) {
	u, err := toUint64(v)
	if err != nil {
		return 0, err
	}
	if u > 0xffffffff {
		return 0, fmt.Errorf("%v does not fit in 32 bits", v)
	}
	return uint32(u), nil
}

func commandToStarlarkValue(cmd semihosting.Command) starlark.Value {
	r := starlark.NewDict(2)
	switch cmd := cmd.(type) {
	case semihosting.ExitSuccess:
		r.SetKey(starlark.String("kind"), starlark.String("exit_success"))
	case semihosting.ExitError:
		r.SetKey(starlark.String("kind"), starlark.String("exit_error"))
		r.SetKey(starlark.String("code"), starlark.MakeUint64(cmd.Code))
	case semihosting.Unknown:
		r.SetKey(starlark.String("kind"), starlark.String("unknown"))
		r.SetKey(starlark.String("operation"), starlark.MakeUint64(uint64(cmd.Operation)))
	}
	return r
}

// EchoWriter is the output of scripts. Echo writes only to a transcript,
// if one is active.
type EchoWriter interface {
	io.Writer
	Echo(string)
}
