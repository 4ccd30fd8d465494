package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/nnbridge/cmd"
	"github.com/tphakala/nnbridge/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = ""
	buildDate = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.RootCommand(buildinfo.NewContext(version, buildDate, ""))
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
