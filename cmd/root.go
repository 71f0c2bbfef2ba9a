// Package cmd defines the gatewayctl command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gateway-dispatcher/internal/app"
	"github.com/JakeFAU/gateway-dispatcher/internal/config"
	"github.com/JakeFAU/gateway-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/gateway-dispatcher/internal/download"
	"github.com/JakeFAU/gateway-dispatcher/internal/worker"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// Gateway is the part of the dispatcher the commands call.
type Gateway interface {
	Fetch(ctx context.Context, target string) (dispatcher.Body, error)
	RawFetch(ctx context.Context, target string) (*http.Response, error)
	FileSize(ctx context.Context, target string) (int64, error)
}

// Downloader runs a batch of download jobs.
type Downloader interface {
	Process(ctx context.Context, jobs []download.Job) (worker.Summary, error)
}

// App is what commands need from the service container. Tests swap in a mock.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	CheckHealth(ctx context.Context) (map[int]struct{}, error)
	Gateway() Gateway
	Downloader() (Downloader, error)
}

// services adapts *app.App to the App interface.
type services struct {
	*app.App
}

func (s services) Gateway() Gateway { return s.App.Dispatcher() }

func (s services) Downloader() (Downloader, error) {
	pool, err := s.App.Downloader()
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// newApp is a variable so tests can replace the factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	return services{a}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Route requests through a pool of proxy gateways.",
		Long: `gatewayctl sends requests through a rotating pool of proxy gateways.
Each gateway is paced independently, failing or rate-limited gateways are held
back for a while, and large files are fetched in verified, resumable chunks.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("proxies", "ips", "file listing one gateway per line")
	flags.String("auth", "user:password_notdefault", "gateway credentials as user:password")
	flags.Int("port", 80, "port for gateways listed without one")
	flags.Duration("timeout", 20*time.Second, "per-request timeout and rate-limit hold-back")
	flags.Duration("wait", 100*time.Millisecond, "minimum spacing between requests to one gateway")
	flags.Float64("host-rps", 0, "requests per second per target host (0 disables)")
	flags.Bool("check", true, "probe gateways and drop dead ones before dispatching")
	flags.Int("max-retry", 10, "attempts per request, chunk or size lookup")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.Bool("development", true, "human-readable console logs")

	cmd.AddCommand(newCheckCmd(), newFetchCmd(), newSizeCmd(), newDownloadCmd())
	return cmd
}

// Execute runs the root command until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// prepare resolves the App and, when enabled, drops dead gateways before any
// request is dispatched.
func prepare(ctx context.Context) (App, error) {
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return nil, err
	}
	if appInstance.Config().Health.Enabled {
		if _, err := appInstance.CheckHealth(ctx); err != nil {
			return nil, err
		}
	}
	return appInstance, nil
}
