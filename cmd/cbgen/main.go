// Command cbgen drives the continuous batching pipeline from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "nano-cb-go/purego"
	_ "nano-cb-go/purego/onnx"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
