// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/MatthiasValvekens/usbip-orchestrator/clients"
	"github.com/MatthiasValvekens/usbip-orchestrator/control"
	"github.com/MatthiasValvekens/usbip-orchestrator/hostdrv"
	"github.com/MatthiasValvekens/usbip-orchestrator/orchestrator"
	"github.com/MatthiasValvekens/usbip-orchestrator/registry"
	"github.com/MatthiasValvekens/usbip-orchestrator/store"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// eventRelay forwards device and client events to the orchestrator. The
// registry and the client manager are constructed before the orchestrator
// exists, so the relay breaks the construction cycle; its target is set
// before anything runs.
type eventRelay struct {
	o *orchestrator.Orchestrator
}

func (r *eventRelay) DeviceReady(busId string) { r.o.DeviceReady(busId) }

func (r *eventRelay) DeviceGone(busId string) { r.o.DeviceGone(busId) }

func (r *eventRelay) ClientConnected(clientId string) { r.o.ClientConnected(clientId) }

func (r *eventRelay) ClientDisconnected(clientId string) { r.o.ClientDisconnected(clientId) }

func (r *eventRelay) AckReceived(clientId, busId string, transition uint64, ok bool) {
	r.o.AckReceived(clientId, busId, transition, ok)
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	ports, err := getConfiguredPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		return fmt.Errorf("at least one port must be whitelisted")
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sysFs := afero.NewBasePathFs(afero.NewOsFs(), "/sys")
	drv := hostdrv.NewSysfsDriver(sysFs, log.With(logger, "component", "hostdrv"))
	monitor := hostdrv.NewMonitor(sysFs, viper.GetDuration("monitor-interval"), log.With(logger, "component", "monitor"))

	relay := &eventRelay{}
	reg := registry.New(ports, drv, relay, log.With(logger, "component", "registry"), r)

	cm := clients.NewManager(clients.Config{
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		HeartbeatTimeout:  viper.GetDuration("heartbeat-timeout"),
	}, relay, log.With(logger, "component", "clients"), r)

	st := store.New(afero.NewOsFs(), viper.GetString("assignments-file"), log.With(logger, "component", "store"))
	orch, err := orchestrator.New(orchestrator.Config{
		ReconcileInterval:  viper.GetDuration("reconcile-interval"),
		AckTimeout:         viper.GetDuration("ack-timeout"),
		AssignAllOverrides: viper.GetBool("assign-all-overrides"),
	}, reg, cm, st, log.With(logger, "component", "orchestrator"), r)
	if err != nil {
		return errors.Wrap(err, "failed to set up orchestrator")
	}
	relay.o = orch

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		control.NewAPI(orch, cm, log.With(logger, "component", "control")).Register(mux)
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Accept client agent connections.
		clientListen := viper.GetString("client-listen")
		l, err := net.Listen("tcp", clientListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", clientListen, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = logger.Log("msg", "listening for client agents", "addr", clientListen)
			return cm.Serve(ctx, l)
		}, func(error) {
			cancel()
			_ = l.Close()
		})
	}

	{
		// Drive the assignment state machine.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return orch.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		// Watch the USB bus for plug events.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return monitor.Run(ctx, func(ev hostdrv.Event) {
				switch ev.Action {
				case hostdrv.DeviceAdded:
					reg.OnDeviceAdded(ev.BusID)
				case hostdrv.DeviceRemoved:
					reg.OnDeviceRemoved(ev.BusID)
				}
			})
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
