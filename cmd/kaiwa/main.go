package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/avasile/kaiwa/common/environment"
	"github.com/avasile/kaiwa/common/version"
	"github.com/avasile/kaiwa/internal/kaiwa/app"
	"github.com/avasile/kaiwa/internal/kaiwa/matrix"
	"github.com/avasile/kaiwa/internal/kaiwa/nlp"
)

func main() {
	fmt.Printf("Kaiwa Conversation Engine\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config := loadConfig()

	if config.LLM.APIKey == "" {
		fmt.Fprintf(os.Stderr, "Error: KAIWA_LLM_API_KEY is required\n")
		os.Exit(1)
	}
	// Matrix is optional; when enabled, all three settings must be present.
	if config.Matrix.Homeserver != "" {
		if config.Matrix.UserID == "" || config.Matrix.AccessToken == "" {
			fmt.Fprintf(os.Stderr, "Error: MATRIX_USER_ID and MATRIX_ACCESS_TOKEN are required when MATRIX_HOMESERVER is set\n")
			os.Exit(1)
		}
	}

	logger := newLogger()
	slog.SetDefault(logger)
	config.Logger = logger

	kaiwa, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kaiwa: %v\n", err)
		os.Exit(1)
	}

	if err := kaiwa.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kaiwa: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables.
func loadConfig() app.Config {
	return app.Config{
		DatabasePath:  environment.StringOr("DATABASE_PATH", "./kaiwa.db"),
		HTTPAddr:      environment.StringOr("KAIWA_HTTP_ADDR", ":8080"),
		HistoryWindow: environment.IntOr("KAIWA_HISTORY_WINDOW", 0),
		LLM: nlp.Config{
			APIKey:  environment.StringOr("KAIWA_LLM_API_KEY", ""),
			BaseURL: environment.StringOr("KAIWA_LLM_ENDPOINT", ""),
			Model:   environment.StringOr("KAIWA_LLM_MODEL", ""),
			Timeout: environment.DurationOr("KAIWA_LLM_TIMEOUT", 30*time.Second),
		},
		Matrix: matrix.Config{
			Homeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
			UserID:      environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		},
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if environment.BoolOr("KAIWA_DEBUG", false) {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
