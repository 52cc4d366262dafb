// Package main provides the local sync daemon for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kimhsiao/tempo/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/tempo/backend/internal/app"
	"github.com/kimhsiao/tempo/backend/internal/config"
	"github.com/kimhsiao/tempo/backend/internal/logging"
)

// configEnv names the variable holding the config file path.
const configEnv = "TEMPO_CONFIG"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv(configEnv)); err != nil {
		logging.Error("Tempo desktop server stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCloser := app.SetupLogging(cfg)
	defer logCloser.Close()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Serve(ctx, cfg.ListenAddr, newMux(a), configPath)
}

func newMux(a *app.App) *http.ServeMux {
	mux := http.NewServeMux()
	handlers.Register(mux, a)
	return mux
}
