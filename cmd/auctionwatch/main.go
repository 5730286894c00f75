package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/auctionwatch/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		slog.Error("auctionwatch failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
