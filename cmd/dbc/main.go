// Command dbc instruments the contract annotations of a Go module and
// writes an overlay for `go build -overlay`.
//
//	dbc gen [dir]     write shadow files and overlay.json
//	dbc check [dir]   parse and propagate contracts, write nothing
//	dbc watch [dir]   regenerate whenever sources change
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes the command line in args. It is separated from main so
// tests can drive the CLI with their own writers.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
