package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/neurogate/gateway/internal/bus"
	"github.com/neurogate/gateway/internal/config"
	"github.com/neurogate/gateway/internal/logger"
	"github.com/neurogate/gateway/internal/manager"
	"github.com/neurogate/gateway/internal/metrics"
	"github.com/neurogate/gateway/internal/plugin"
	"github.com/neurogate/gateway/internal/plugin/modbus"
	"github.com/neurogate/gateway/internal/plugin/mqttapp"
	"github.com/neurogate/gateway/internal/plugin/streamapp"
	"github.com/neurogate/gateway/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway daemon",
	Long:  `Start the gateway daemon, restoring any persisted nodes/groups/tags/subscriptions and serving the metrics endpoint.`,
	RunE:  start,
}

func init() {
	RootCmd.AddCommand(startCmd)
}

func start(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	cfg, err := config.ReadConfigFromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("unable to read config: %w", err)
	}

	log := logger.FromFlags(cfg.Logging)
	ctx = log.WithContext(ctx)

	st, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing store")
		}
	}()

	b := bus.New(log, bus.Config{OutputChannelBuffer: cfg.Bus.OutputChannelBuffer})
	metricsReg := metrics.NewRegistry(metrics.Config{
		RollingWindow: time.Duration(cfg.Metrics.RollingWindowSeconds) * time.Second,
		BucketWidth:   time.Duration(cfg.Metrics.BucketWidthSeconds) * time.Second,
	})

	reg := prometheus.NewRegistry()
	if err := reg.Register(metricsReg); err != nil {
		return fmt.Errorf("unable to register metrics collector: %w", err)
	}

	pluginReg := plugin.NewRegistry()
	pluginReg.Register(modbus.Module{})
	pluginReg.Register(mqttapp.Module{})
	pluginReg.Register(streamapp.Module{})

	mgr, err := manager.New(ctx, cfg.Manager, manager.Deps{
		Bus:      b,
		Metrics:  metricsReg,
		Registry: pluginReg,
		Store:    st,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("unable to create manager: %w", err)
	}
	defer mgr.Close()

	mgr.StartClock()

	if err := mgr.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("error restoring persisted state")
	}

	errg, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:    cfg.Metrics.ListenAddress,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	errg.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	errg.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	log.Info().Str("metrics_addr", cfg.Metrics.ListenAddress).Msg("gatewayd started")
	return errg.Wait()
}
