// portbridge - bridges local TCP listeners to remote TCP endpoints and
// serial lines.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"portbridge/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "portbridge: %v\n", err)
		os.Exit(1)
	}
}
