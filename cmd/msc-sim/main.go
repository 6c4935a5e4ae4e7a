// Command msc-sim drives the mass-storage class driver against a simulated
// USB stick.
//
// Usage:
//
//	msc-sim info [--image disk.img]
//	msc-sim rw --lba 100 --count 8
//	msc-sim soak --buses 4 --iterations 1000 --stall-every 7
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
