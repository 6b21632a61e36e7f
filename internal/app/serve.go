package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"scenariodb/internal/remote"
	"scenariodb/internal/scenario"
)

const shutdownTimeout = 10 * time.Second

// Handler returns the HTTP handler of the build server: remote builds on
// remote.Path and Prometheus metrics on /metrics.
func (a *App) Handler() (http.Handler, error) {
	local, err := a.Settings("")
	if err != nil {
		return nil, err
	}
	local.RemoteBuildURL = ""

	mux := http.NewServeMux()
	mux.Handle(remote.Path, remote.NewServer(local, a.buildForRemote, a.logger))
	mux.Handle("/metrics", a.metrics.Handler())
	return mux, nil
}

// Serve runs the build server on addr until ctx is cancelled.
func (a *App) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.cfg.Remote.Listen
	}
	handler, err := a.Handler()
	if err != nil {
		return a.done(err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return a.done(fmt.Errorf("listening on %s: %w", addr, err))
	}
	return a.done(a.serve(ctx, ln, handler))
}

func (a *App) serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	a.logger.Info("build server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	a.logger.Info("build server stopped")
	return nil
}

// buildForRemote builds the database a remote caller asked for and leaves it
// in place for the caller to open.
func (a *App) buildForRemote(ctx context.Context, s scenario.Settings) (string, string, error) {
	b, _, err := a.builder(s)
	if err != nil {
		return "", "", err
	}
	plan, err := b.Prepare()
	if err != nil {
		return "", "", err
	}
	h, err := b.Build(ctx)
	if err != nil {
		return "", "", err
	}
	if err := h.Close(ctx); err != nil {
		a.logger.Warn("closing remote build handle failed", "database", h.Name(), "error", err)
	}
	return h.Name(), plan.Fingerprint.BuildChecksum, nil
}
