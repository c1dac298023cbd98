package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raster-lab/jpipstream/pkg/admin"
	"github.com/raster-lab/jpipstream/pkg/bandwidth"
	"github.com/raster-lab/jpipstream/pkg/flags"
	"github.com/raster-lab/jpipstream/pkg/server"
	"github.com/raster-lab/jpipstream/pkg/version"
)

// env holds the environment-variable overrides, JPIP_* prefixed.
type env struct {
	Root              string        `envconfig:"ROOT"`
	WSAddr            string        `envconfig:"WS_ADDR" default:":9380"`
	HTTPAddr          string        `envconfig:"HTTP_ADDR" default:":9381"`
	AdminAddr         string        `envconfig:"ADMIN_ADDR" default:":9390"`
	GlobalLimitBps    int64         `envconfig:"GLOBAL_LIMIT_BPS"`
	PerClientLimitBps int64         `envconfig:"PER_CLIENT_LIMIT_BPS"`
	SessionTimeout    time.Duration `envconfig:"SESSION_TIMEOUT" default:"5m"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"256"`
	EnablePprof       bool          `envconfig:"ENABLE_PPROF"`
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel string
		root     string
	)
	cmd := &cobra.Command{
		Use:   "jpip-server",
		Short: "Interactive JPEG 2000 streaming server",
		Long: `jpip-server streams JPEG 2000 imagery progressively over WebSocket
(with an HTTP fallback), serving arbitrary regions, resolutions, quality
layers, and components of large codestreams.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.SetLogLevel(logLevel)

			var e env
			if err := envconfig.Process("jpip", &e); err != nil {
				return fmt.Errorf("reading environment: %w", err)
			}
			if root != "" {
				e.Root = root
			}
			if e.Root == "" {
				return errors.New("a target root directory is required (--root or JPIP_ROOT)")
			}
			return run(e)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	cmd.Flags().StringVar(&root, "root", "", "directory of served codestreams")
	return cmd
}

func run(e env) error {
	config := server.DefaultConfig(e.Root)
	config.SessionTimeout = e.SessionTimeout
	config.Throttle = bandwidth.ThrottleConfig{
		GlobalLimitBps:    e.GlobalLimitBps,
		PerClientLimitBps: e.PerClientLimitBps,
	}

	core, err := server.New(config, nil)
	if err != nil {
		return err
	}
	core.Start()

	wsConfig := server.DefaultWSConfig(e.WSAddr)
	wsConfig.MaxConnections = e.MaxConnections
	ws := server.NewWSServer(wsConfig, core)
	httpSrv := server.NewHTTPServer(server.HTTPConfig{Addr: e.HTTPAddr}, core)
	adminSrv := admin.NewServer(e.AdminAddr, ws, e.EnablePprof)

	color.Green("jpip-server %s", version.Version)
	fmt.Printf("  targets:  %s\n", e.Root)
	fmt.Printf("  ws:       %s\n", e.WSAddr)
	fmt.Printf("  http:     %s\n", e.HTTPAddr)
	fmt.Printf("  admin:    %s\n", e.AdminAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ws.ListenAndServe(ctx) })
	g.Go(func() error { return httpSrv.ListenAndServe(ctx) })
	g.Go(func() error { return ws.RunHealthCheck(ctx, 30*time.Second) })
	g.Go(func() error { return ws.RunPushLoop(ctx) })
	g.Go(func() error { return core.Registry().StartWatching(ctx) })
	g.Go(func() error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminSrv.Shutdown(shutdownCtx)
		}()
		log.Infof("admin listening at %s", e.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = g.Wait()
	core.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
