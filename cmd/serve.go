package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/samotage/headspace/internal/api"
	"github.com/samotage/headspace/internal/daemon"
)

const (
	shutdownTimeout = 10 * time.Second
	stopTimeout     = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hook receiver, transcript poller and reaper",
	Long: `Run headspace in the foreground.

The server accepts hook callbacks on HTTP, reconciles agent transcripts in
the background and periodically reaps agents whose terminals are gone.
Only one server may run per state directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()

		addr := net.JoinHostPort(viper.GetString("server.host"), strconv.Itoa(viper.GetInt("server.port")))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return serveRun(ctx, ln)
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 5055, "port to listen on")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.InStateDir(viper.GetString("state_dir"))
}

// serveRun serves on ln until ctx is done. The HTTP server, transcript
// poller and reaper loop share one errgroup; the first failure stops all.
func serveRun(ctx context.Context, ln net.Listener) error {
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			logger.Warn("release pid file", zap.Error(err))
		}
	}()

	a, err := getApp(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	cfg := a.Config

	srv := &http.Server{
		Handler:           api.NewServer(a, cfg.Server.Workers, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.Poller().Run(gctx) })
	g.Go(func() error { return a.ReaperLoop().Run(gctx) })

	logger.Info("headspace serving",
		zap.String("addr", ln.Addr().String()),
		zap.String("db", cfg.DBPath),
		zap.Int("workers", cfg.Server.Workers),
		zap.Duration("reap_interval", cfg.Reaper.Interval),
	)

	err = g.Wait()
	logger.Info("headspace stopped", zap.Error(err))
	return err
}

func serveStopRun() error {
	pid, err := pidFile().Stop(stopTimeout)
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("server is not running")
	}
	if err != nil {
		return err
	}
	ui.Success("Stopped server (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.Running()

	status := map[string]any{"running": running, "pid_file": pf.Path}
	if running {
		status["pid"] = pid
	}
	if jsonOut {
		return ui.JSON(status)
	}

	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server running (pid %d)", pid)
	ui.VerboseLog("PID file: %s", pf.Path)
	return nil
}
