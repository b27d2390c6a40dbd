// Command stacker runs a multi-service topology on a Docker engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	code := exitCode(err)
	if a.logger != nil {
		a.logger.Error("command failed", "error", err, "exit_code", code)
	} else {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
	}
	return code
}
