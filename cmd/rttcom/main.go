package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rttcom/rttcom/cmd/rttcom/cmds"
	"github.com/rttcom/rttcom/pkg/logflags"
	"github.com/rttcom/rttcom/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RttcomVersion.Build = Build
	}
	err := cmds.New(false).ExecuteContext(context.Background())
	logflags.Close()
	if err == nil {
		return
	}
	var status cmds.ExitStatus
	if errors.As(err, &status) {
		os.Exit(int(status))
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
