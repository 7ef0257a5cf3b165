package starbind

// Code in this file is derived from go.starlark.net/repl/repl.go
// Which is licensed under the following copyright:
//
// Copyright (c) 2017 The Bazel Authors.  All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met:
//
// 1. Redistributions of source code must retain the above copyright
//    notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
//    notice, this list of conditions and the following disclaimer in the
//    documentation and/or other materials provided with the
//    distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived
//    from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// HOLDER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

import (
	"fmt"
	"io"

	"github.com/go-delve/liner"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	normalPrompt = ">>> "
	extraPrompt  = "... "

	exitCommand = "exit"
)

// LineReader reads one line of input after displaying prompt.
type LineReader func(prompt string) (string, error)

// REPL executes a read, eval, print loop on the terminal.
func (env *Env) REPL() error {
	rl := liner.NewLiner()
	defer rl.Close()
	return env.Interactive(func(prompt string) (string, error) {
		line, err := rl.Prompt(prompt)
		if err == nil && line != "" {
			rl.AppendHistory(line)
		}
		if err == liner.ErrPromptAborted {
			return "", io.EOF
		}
		return line, err
	})
}

// Interactive runs a read, eval, print loop on lines returned by readline
// until it returns io.EOF or the line "exit". Globals with a name starting
// with a capital letter, or with "command_", are exported when the loop
// ends.
func (env *Env) Interactive(readline LineReader) error {
	thread := env.newThread()
	globals := starlark.StringDict{}
	for k, v := range env.env {
		globals[k] = v
	}

	for {
		if err := isCancelled(thread); err != nil {
			return err
		}
		err := env.rep(readline, thread, globals)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(env.out)
	return env.exportGlobals(globals)
}

// rep reads, evaluates and prints one statement. Only errors of readline
// are returned, starlark errors are printed.
func (env *Env) rep(readline LineReader, thread *starlark.Thread, globals starlark.StringDict) error {
	eof := false

	prompt := normalPrompt
	src := func() ([]byte, error) {
		line, err := readline(prompt)
		env.out.Echo(prompt + line)
		if err != nil {
			if err == io.EOF {
				eof = true
			}
			return nil, err
		}
		if line == exitCommand {
			eof = true
			return nil, io.EOF
		}
		prompt = extraPrompt
		return []byte(line + "\n"), nil
	}

	f, err := syntax.ParseCompoundStmt("<stdin>", src)
	if err != nil {
		if eof {
			return io.EOF
		}
		env.printError(err)
		return nil
	}

	if err := env.eval(thread, f, globals); err != nil {
		env.printError(err)
	}
	return nil
}

// eval executes f, printing the value of a lone expression.
func (env *Env) eval(thread *starlark.Thread, f *syntax.File, globals starlark.StringDict) error {
	if expr := soleExpr(f); expr != nil {
		v, err := starlark.EvalExpr(thread, expr, globals)
		if err == nil && v != starlark.None {
			fmt.Fprintln(env.out, v)
		}
		return err
	}

	prog, err := starlark.FileProgram(f, globals.Has)
	if err != nil {
		return err
	}
	res, err := prog.Init(thread, globals)
	// Globals defined by f stay visible even if it failed halfway.
	for k, v := range res {
		globals[k] = v
	}
	return err
}

func soleExpr(f *syntax.File) syntax.Expr {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X
		}
	}
	return nil
}

func (env *Env) printError(err error) {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		fmt.Fprintln(env.out, evalErr.Backtrace())
	} else {
		fmt.Fprintln(env.out, err)
	}
}
