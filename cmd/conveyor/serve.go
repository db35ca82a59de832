package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/rendis/conveyor/pkg/mcp"
)

const (
	webhookPrefix   = "/hooks/"
	shutdownTimeout = 15 * time.Second
)

func newServeCmd(c *cli) *cobra.Command {
	var stdio bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools on stdio and run triggers",
		Long: `Serve starts the engine with schedule, webhook and event triggers bound,
applies and watches definitions_dir when set, and serves webhooks under
/hooks/ on listen_addr. Prometheus metrics are served on metrics_addr, or
on listen_addr when metrics_addr is empty.

With --stdio (the default) the MCP tools are served on stdin/stdout and the
process exits when the client closes the stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), stdio)
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", true, "serve MCP tools on stdin/stdout")
	return cmd
}

func (c *cli) serve(ctx context.Context, stdio bool) (err error) {
	a, err := newApp(ctx, c.cfg, appOptions{triggers: true})
	if err != nil {
		return err
	}
	logger := a.logger
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Error("shutdown", slog.String("error", cerr.Error()))
			if err == nil {
				err = cerr
			}
		}
	}()

	if dir := c.cfg.DefinitionsDir; dir != "" {
		n, err := applyDir(ctx, dir, a.validator, a.svc, logger)
		if err != nil {
			logger.Warn("some definitions were rejected", slog.String("dir", dir))
		}
		logger.Info("definitions loaded", slog.String("dir", dir), slog.Int("applied", n))
	}
	if err := a.svc.Start(ctx); err != nil {
		logger.Warn("some triggers could not be bound", slog.String("error", err.Error()))
	}

	mux := http.NewServeMux()
	mux.Handle(webhookPrefix, a.svc.WebhookHandler(webhookPrefix))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	servers := []*http.Server{}
	if c.cfg.MetricsAddr == "" {
		mux.Handle("GET /metrics", a.metrics.Handler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", a.metrics.Handler())
		servers = append(servers, newHTTPServer(c.cfg.MetricsAddr, metricsMux))
	}
	if c.cfg.ListenAddr != "" {
		servers = append(servers, newHTTPServer(c.cfg.ListenAddr, mux))
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, srv := range servers {
		p.Go(func(ctx context.Context) error {
			return runHTTPServer(ctx, srv, logger)
		})
	}
	if dir := c.cfg.DefinitionsDir; dir != "" {
		w := newDefinitionsWatcher(dir, func(ctx context.Context, path string) error {
			def, changed, err := applyFile(ctx, path, a.validator, a.svc)
			if err == nil && changed {
				logger.Info("definition applied",
					slog.String("file", path),
					slog.String("pipeline_id", def.ID),
					slog.Int("version", def.Version),
				)
			}
			return err
		}, logger)
		p.Go(func(ctx context.Context) error {
			return w.Run(ctx, nil)
		})
	}
	if stdio {
		srv := mcp.NewServer(mcp.ServerDeps{Service: a.svc, Logger: logger, Version: version})
		p.Go(func(ctx context.Context) error {
			logger.Info("MCP server listening on stdio")
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			// The client went away: stop everything else.
			return errStdioClosed
		})
	} else {
		p.Go(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}

	err = p.Wait()
	if errors.Is(err, errStdioClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

var errStdioClosed = errors.New("stdio closed")

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// runHTTPServer serves until ctx is done, then shuts the server down.
func runHTTPServer(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	logger.Info("http server listening", slog.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
