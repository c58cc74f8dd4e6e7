// Command docsync-desktop runs the sync engine in the background and serves
// the local REST and WebSocket API on localhost.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/docsync/cmd/desktop/handlers"
	"github.com/kimhsiao/docsync/internal/app"
	"github.com/kimhsiao/docsync/internal/config"
	"github.com/kimhsiao/docsync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "docsync-desktop:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("docsync-desktop", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "configuration file (default: ./docsync.yaml if present)")
	envFile := fs.String("env", "", "dotenv file (default: ./.env if present)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mgr, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		return err
	}
	cfg := mgr.Config()
	if closer := app.SetupLogging(cfg.Log, os.Stdout); closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	a.Engine.SetEventHandler(hub)
	e := newServer(a, hub)

	mgr.Watch(func(old, updated *config.Config) {
		a.Reconfigure(ctx, old, updated)
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	logging.Info("DocSync desktop server starting", map[string]interface{}{
		"addr":     ln.Addr().String(),
		"data_dir": cfg.DataDir,
		"remote":   cfg.Remote.Kind,
	})

	return a.Run(ctx, func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return hub.Run(ctx) })
		g.Go(func() error { return serve(ctx, e, ln) })
		return g.Wait()
	})
}

// newServer builds the echo instance with every route mounted.
func newServer(a *app.App, hub *WSHub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				fields["error"] = v.Error.Error()
			}
			logging.Debug("HTTP request", fields)
			return nil
		},
	}))

	e.GET("/ws", hub.Handle)
	handlers.Register(e.Group("/api"), handlers.Deps{
		Store:           a.Store,
		Engine:          a.Engine,
		Scheduler:       a.Scheduler,
		Backups:         a.Backups,
		BackupScheduler: a.BackupScheduler,
		Events:          hub,
	})
	return e
}

// serve runs e on ln until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, e *echo.Echo, ln net.Listener) error {
	e.Listener = ln
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start("")
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	logging.Info("DocSync desktop server stopped")
	return nil
}
