// chatrelay - a multi-client TCP chat relay with WebSocket, static web
// and reverse SSH tunnel front ends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, cmd.Report(err))
		os.Exit(1)
	}
}
