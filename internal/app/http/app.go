package httpapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/httpapi"
)

type App struct {
	log    *slog.Logger
	port   int
	server *httpapi.Server
}

func New(log *slog.Logger, port int, deps httpapi.Dependencies) *App {
	deps.Log = log
	deps.Addr = fmt.Sprintf(":%d", port)
	server := httpapi.NewServer(deps)

	return &App{log: log, port: port, server: server}
}

// MustRun runs the HTTP server and panics if it fails to start.
func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "httpapp.Run"
	log := a.log.With(slog.String("op", op), slog.Int("port", a.port))

	log.Info("HTTP server is running")

	if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop() {
	const op = "httpapp.Stop"
	a.log.With(slog.String("op", op), slog.Int("port", a.port)).Info("stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("HTTP shutdown failed", slog.String("error", err.Error()))
	}
}
