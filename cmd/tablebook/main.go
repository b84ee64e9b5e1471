package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hitoshi/tablebook/internal/app"
	"github.com/hitoshi/tablebook/internal/config"
)

func main() {
	// 環境変数が優先され、.envは未設定の値のみ補う
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
