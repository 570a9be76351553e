package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/spachava753/deskeval/internal/cli"
)

// Set via -ldflags.
var (
	version = ""
	commit  = ""
)

func main() {
	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("interrupt received, shutting down gracefully...")
		cancel()
	}()

	err := cli.Execute(ctx, cli.BuildInfo{Version: version, Commit: commit})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	code := cli.ExitCode(err)
	signal.Stop(sigChan)
	cancel()
	os.Exit(code)
}
