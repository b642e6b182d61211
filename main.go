package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/michaelpento.lv/flasharb/cmd"
	"github.com/michaelpento.lv/flasharb/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer utils.CleanupLogger()

	if err := cmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
