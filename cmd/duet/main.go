package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dkeye/Duet/cmd/duet/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := commands.NewRootCmd()

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
