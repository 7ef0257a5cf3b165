// Package semihosting decodes the service calls a target makes to the
// debugger through the ARM semihosting interface.
//
// The operation numbers and reason codes are defined by the ARM
// Semihosting Specification:
// https://github.com/ARM-software/abi-aa/blob/main/semihosting/semihosting.rst#semihosting-operations
//
// Only SYS_EXIT is understood, which is enough to end a debug session when
// the program on the target terminates.
package semihosting

import (
	"fmt"

	"github.com/rttcom/rttcom/pkg/logflags"
)

const (
	// SysExit is the SYS_EXIT operation number.
	SysExit uint32 = 0x18
	// ADPStoppedApplicationExit is the SYS_EXIT reason code reporting a
	// normal termination of the application.
	ADPStoppedApplicationExit uint32 = 0x20026
)

// Command is the operation the target would like the debugger to perform.
// It is one of ExitSuccess, ExitError or Unknown.
type Command interface {
	fmt.Stringer
	command()
}

// ExitSuccess means the target completed successfully and no longer
// wishes to run.
type ExitSuccess struct{}

// ExitError means the target completed unsuccessfully and no longer wishes
// to run.
type ExitError struct {
	// Code is an architecture or application specific exit code.
	Code uint64
}

// Unknown is a semihosting operation that is not supported.
type Unknown struct {
	// Operation is the requested operation number.
	Operation uint32
}

func (ExitSuccess) command() {}
func (ExitError) command()   {}
func (Unknown) command()     {}

func (ExitSuccess) String() string {
	return "exit success"
}

func (cmd ExitError) String() string {
	return fmt.Sprintf("exit error (code %#x)", cmd.Code)
}

func (cmd Unknown) String() string {
	return fmt.Sprintf("unknown operation %#x", cmd.Operation)
}

// IsExit returns true if cmd asks the debugger to end the session.
func IsExit(cmd Command) bool {
	switch cmd.(type) {
	case ExitSuccess, ExitError:
		return true
	}
	return false
}

// Decode decodes a semihosting call from the operation number (r0) and
// parameter (r1) the target passed. It never fails: operations other than
// SYS_EXIT decode to Unknown and are reported on the semihosting logger.
func Decode(operation, parameter uint32) Command {
	switch {
	case operation == SysExit && parameter == ADPStoppedApplicationExit:
		return ExitSuccess{}
	case operation == SysExit:
		return ExitError{Code: uint64(parameter)}
	}
	logflags.SemihostingLogger().Warnf("unknown semihosting operation=%04x parameter=%04x", operation, parameter)
	return Unknown{Operation: operation}
}
