package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/vk/recipeforge/internal/app"
	"github.com/vk/recipeforge/internal/cli"
)

// main is the entrypoint for the recipeforge application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Generator credentials (GEMINI_API_KEY etc.) may live in a local .env.
	_ = godotenv.Load()

	code, err := run(os.Stdout, os.Args[1:])
	if err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run encapsulates the main application logic for easier testing and error
// handling. The returned int is the process exit code.
func run(outW io.Writer, args []string) (int, error) {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return 1, err
	}
	if shouldExit {
		return 0, nil
	}

	// An interrupt cancels the run cooperatively: in-flight attempts
	// finish or hit their timeouts, and the run state stays resumable.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	forge, err := app.New(outW, appConfig)
	if err != nil {
		return 1, err
	}
	defer forge.Close()

	return forge.Run(ctx)
}
