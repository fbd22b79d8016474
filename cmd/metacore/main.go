// Command metacore manages study sample templates and preparation templates:
// it validates template files, creates, extends and updates templates,
// exports them and records external accessions.
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
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// run executes one command line and releases every backend it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	a := &app{stderr: stderr}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
