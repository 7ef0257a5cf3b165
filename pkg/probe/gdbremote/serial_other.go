//go:build !linux

package gdbremote

import (
	"io"
	"runtime"

	"github.com/pkg/errors"
)

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	return nil, errors.Errorf("serial ports are not supported on %s", runtime.GOOS)
}
