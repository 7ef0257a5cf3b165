package semihosting

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rttcom/rttcom/pkg/logflags"
	"github.com/rttcom/rttcom/pkg/memory"
)

// Core register numbers, as used by the gdb remote protocol for ARM
// M-profile cores.
const (
	RegR0 = 0
	RegR1 = 1
	RegPC = 15
)

// bkptSemihosting is the Thumb encoding of BKPT 0xAB, the instruction an
// M-profile core executes to make a semihosting call.
const bkptSemihosting = 0xbeab

// Target is a core that can be resumed and whose registers can be
// accessed while it is halted.
type Target interface {
	// Continue resumes the core and returns once it halts again.
	Continue(ctx context.Context) error
	ReadCoreRegister(reg int) (uint32, error)
	WriteCoreRegister(reg int, value uint32) error
}

// UnexpectedHaltError is returned by Monitor.Run when the core halted for
// a reason other than a semihosting call.
type UnexpectedHaltError struct {
	PC          uint32
	Instruction uint16
}

func (err *UnexpectedHaltError) Error() string {
	return fmt.Sprintf("core halted at %#x (instruction %#04x) outside of a semihosting call", err.PC, err.Instruction)
}

// Monitor runs a core and services its semihosting calls until the
// program on it exits.
type Monitor struct {
	target Target
	mem    *memory.Adapter
	log    logflags.Logger
}

// NewMonitor returns a Monitor for target. Instructions are fetched from
// mem, which must access the memory of the same core.
func NewMonitor(target Target, mem *memory.Adapter) *Monitor {
	return &Monitor{
		target: target,
		mem:    mem,
		log:    logflags.SemihostingLogger(),
	}
}

// Run resumes the core and waits for it to exit through SYS_EXIT,
// returning the ExitSuccess or ExitError command it made. Unsupported
// calls are failed by returning -1 to the target, which is then resumed.
// Pending writes are flushed before every resume.
func (m *Monitor) Run(ctx context.Context) (Command, error) {
	for {
		if err := m.mem.Flush(); err != nil {
			return nil, err
		}
		if err := m.target.Continue(ctx); err != nil {
			return nil, err
		}
		cmd, err := m.Check()
		if err != nil {
			return nil, err
		}
		if IsExit(cmd) {
			return cmd, nil
		}
		if err := m.fail(); err != nil {
			return nil, err
		}
	}
}

// purger is implemented by memory interfaces that cache target memory.
type purger interface {
	Purge()
}

// Check decodes the semihosting call the halted core is making. Memory
// cached before the core ran is dropped first.
func (m *Monitor) Check() (Command, error) {
	if c, ok := m.mem.Interface.(purger); ok {
		c.Purge()
	}
	pc, err := m.target.ReadCoreRegister(RegPC)
	if err != nil {
		return nil, err
	}
	var buf [2]byte
	if err := m.mem.Read(uint64(pc&^1), buf[:]); err != nil {
		return nil, err
	}
	// Thumb instructions are little endian even on big endian (BE8) cores.
	insn := binary.LittleEndian.Uint16(buf[:])
	if insn != bkptSemihosting {
		return nil, &UnexpectedHaltError{PC: pc, Instruction: insn}
	}

	op, err := m.target.ReadCoreRegister(RegR0)
	if err != nil {
		return nil, err
	}
	param, err := m.target.ReadCoreRegister(RegR1)
	if err != nil {
		return nil, err
	}
	cmd := Decode(op, param)
	if logflags.Semihosting() {
		m.log.Debugf("trap at %#x: operation=%#x parameter=%#x: %v", pc, op, param, cmd)
	}
	return cmd, nil
}

func (m *Monitor) fail() error {
	pc, err := m.target.ReadCoreRegister(RegPC)
	if err != nil {
		return err
	}
	if err := m.target.WriteCoreRegister(RegR0, ^uint32(0)); err != nil {
		return err
	}
	return m.target.WriteCoreRegister(RegPC, pc+2)
}
