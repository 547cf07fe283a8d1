package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/config"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/metrics"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs/simverbs"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	klog.InitFlags(nil)

	rootCmd := &cobra.Command{
		Use:   "nvme-rdma-hostd",
		Short: "NVMe-over-Fabrics RDMA host transport daemon",
		Long: `nvme-rdma-hostd brings up and supervises NVMe-oF RDMA controllers:
admin/IO queue connect, the submit/completion hot path, and automatic
reconnection on fabric errors.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configPath string
	var metricsAddr string
	var registerAlways bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect a controller and serve metrics until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, metricsAddr, registerAlways)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a controller options YAML file (required)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", ":9810", "address for the Prometheus metrics endpoint, empty to disable")
	cmd.Flags().BoolVar(&registerAlways, "register-always", false, "force fast-registration for every data-bearing request")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(configPath, metricsAddr string, registerAlways bool) error {
	opts, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	moduleOpts := config.DefaultModuleOptions()
	moduleOpts.RegisterAlways = registerAlways

	m := metrics.New()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			klog.Infof("metrics server listening on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}

	// No cgo libibverbs/librdmacm binding is built into this daemon; the
	// connection manager this core drives is the in-memory simulator
	// used for development and for exercising this exact daemon wiring
	// without real hardware. A production build links a real
	// verbs.ConnectionManager implementation in its place.
	fabric := simverbs.NewFabric()
	cm := simverbs.NewConnectionManager(fabric)

	reg := rdmatransport.NewRegistration(cm, moduleOpts, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ctrl, err := reg.CreateController(ctx, opts.Subsystem, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	klog.Infof("controller %s connected (state=%s)", ctrl.Name(), ctrl.State())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	klog.Infof("received signal %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	reg.Shutdown(shutdownCtx)
	return nil
}
