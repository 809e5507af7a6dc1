package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vmslink/internal/metrics"
	"vmslink/internal/session"
)

var (
	expListen     string
	expCameras    []string
	serviceAction string
)

// program implements the kardianos/service interface
type program struct {
	log    *slog.Logger
	mux    *http.ServeMux
	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sess *session.Session
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	p.mux = http.NewServeMux()
	p.server = &http.Server{Addr: expListen, Handler: p.mux}
	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	sess, err := p.connect()
	if err != nil {
		p.log.Error("initial login failed", "error", err)
		return
	}
	p.sess = sess
	go sess.Run(p.ctx)

	for _, id := range expCameras {
		if _, err := sess.OpenStream(p.ctx, streamRequest(id), nil); err != nil {
			p.log.Warn("opening stream failed", "camera_id", id, "error", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(sess),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(p.log.Handler(), slog.LevelError),
	}))

	p.log.Info("exporter listening", "addr", expListen)
	if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Error("http server error", "error", err)
	}
}

// connect retries the initial login until it succeeds or the service stops,
// so a server that boots after the exporter is picked up.
func (p *program) connect() (*session.Session, error) {
	delay := time.Second
	for {
		sess, _, err := openSession(p.ctx)
		if err == nil {
			return sess, nil
		}
		p.log.Warn("login failed, retrying", "error", err, "delay", delay)
		select {
		case <-p.ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Minute)
	}
}

func (p *program) Stop(s service.Service) error {
	p.log.Info("stopping service")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.log.Warn("server forced to shutdown", "error", err)
	}
	<-p.done
	if p.sess != nil {
		if err := p.sess.Close(ctx); err != nil {
			p.log.Warn("disconnect failed", "error", err)
		}
	}
	return nil
}

var exporterCmd = &cobra.Command{
	Use:   "exporter",
	Short: "Start the Prometheus exporter service",
	Long: `Keeps a session open (heartbeat, challenge refill, optional camera streams)
and exposes its health on /metrics. Can be installed as a system service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svcConfig := &service.Config{
			Name:        "vmslink-exporter",
			DisplayName: "vmslink Prometheus Exporter",
			Description: "Exposes video server connection health to Prometheus",
			Arguments:   serviceArguments(),
		}

		prg := &program{log: logger.With("component", "exporter")}
		s, err := service.New(prg, svcConfig)
		if err != nil {
			return err
		}

		if serviceAction != "" {
			if serviceAction == "install" && viper.GetString("server") == "" {
				return errors.New("--server is required to install the service")
			}
			if err := service.Control(s, serviceAction); err != nil {
				return fmt.Errorf("failed to %s service: %w", serviceAction, err)
			}
			fmt.Printf("Service action '%s' completed successfully.\n", serviceAction)
			return nil
		}

		// Blocks until the service manager (or Ctrl+C when interactive) stops it.
		return s.Run()
	},
}

// serviceArguments are the arguments the installed service runs with. The
// password is read from VMSLINK_PASSWORD or the config file at run time.
func serviceArguments() []string {
	args := []string{"exporter", "--listen", expListen, "--server", viper.GetString("server"),
		"--username", viper.GetString("username")}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if viper.GetBool("insecure") {
		args = append(args, "--insecure")
	}
	for _, id := range expCameras {
		args = append(args, "--camera", id)
	}
	return args
}

func init() {
	rootCmd.AddCommand(exporterCmd)
	exporterCmd.Flags().StringVar(&expListen, "listen", ":9105", "Address to serve /metrics on")
	exporterCmd.Flags().StringSliceVar(&expCameras, "camera", nil, "Camera ID to keep streaming (repeatable)")
	exporterCmd.Flags().StringVar(&serviceAction, "service", "", "Service action: install, uninstall, start, stop")
}
