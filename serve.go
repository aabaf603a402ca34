package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/sailsync/internal/api"
)

// Local API server timeouts.
const (
	serveReadHeaderTimeout = 10 * time.Second
	serveShutdownTimeout   = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API",
		Long: `Serve the session, change set, and review API on listen_addr. The session
reaper runs alongside and releases expired leases. With --watch, the sync
watcher runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides listen_addr)")
	cmd.Flags().Bool("watch", false, "also run sync --watch in this process")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	watch, _ := cmd.Flags().GetBool("watch")
	if watch && !cc.Cfg.SyncEnabled {
		return errors.New("sync is disabled (sync_enabled = false)")
	}

	addr := cc.Cfg.ListenAddr
	if cmd.Flags().Changed("listen") {
		addr, _ = cmd.Flags().GetString("listen")
	}

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           api.NewServer(a.sessions, a.pipeline, a.engine, cc.Logger).Handler(),
		ReadHeaderTimeout: serveReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cc.Logger.Info("api listening", slog.String("addr", ln.Addr().String()))

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serveShutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if watch {
		// runWatch also runs the session reaper.
		g.Go(func() error { return runWatch(gctx, cc, a) })
	} else {
		g.Go(func() error {
			a.sessions.RunReaper(gctx)
			return nil
		})
	}

	cc.Statusf("Serving API on http://%s (Ctrl-C to stop)\n", ln.Addr())

	return g.Wait()
}
