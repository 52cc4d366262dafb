package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tempo/backend/internal/config"
	"github.com/kimhsiao/tempo/backend/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Serve runs the background components and serves handler on addr until
// ctx is done. When configPath is set, file changes are applied live.
func (a *App) Serve(ctx context.Context, addr string, handler http.Handler, configPath string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.ServeListener(ctx, ln, handler, configPath)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener, handler http.Handler, configPath string) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Run(ctx)
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, a.Apply)
		})
	}
	g.Go(func() error {
		logging.Info("Tempo desktop server listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
