package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"msim/db"
	"msim/metrics"
	"msim/server"
)

func newRelayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "relay",
		Aliases: []string{"r"},
		Short:   "Run the relay server",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return relayCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

type shutdownRequest struct {
	reason         string
	completionTime time.Time
}

func relayCmd(debug bool) error {
	cfg, log, err := setup(debug)
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(database, &server.ServerConfig{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}, server.WithLogger(log), server.WithMetrics(metrics.NewRelay(reg)))

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler(reg)}
	go func() {
		log.WithFields(logrus.Fields{
			"function": "relayCmd",
			"addr":     cfg.HTTPAddr,
		}).Info("HTTP listener started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithFields(logrus.Fields{
				"function": "relayCmd",
				"error":    err.Error(),
			}).Error("HTTP listener failed")
		}
	}()

	shutdown := make(chan shutdownRequest, 1)
	go startControlSocket(cfg.ControlPath, srv, shutdown, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	req := shutdownRequest{reason: "maintenance"}
	select {
	case err := <-serveErr:
		httpSrv.Close()
		return err
	case <-ctx.Done():
		log.WithField("function", "relayCmd").Info("Received signal, shutting down")
	case req = <-shutdown:
		log.WithFields(logrus.Fields{
			"function":   "relayCmd",
			"reason":     req.reason,
			"completion": req.completionTime,
		}).Info("Shutdown requested")
	}

	srv.Shutdown(req.reason, req.completionTime)
	os.Remove(cfg.ControlPath)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// startControlSocket serves management commands on a unix socket:
// "stats" and "shutdown|reason|RFC3339 completion time".
func startControlSocket(path string, srv *server.Server, shutdown chan<- shutdownRequest, log logrus.FieldLogger) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "startControlSocket",
			"error":    err.Error(),
		}).Warn("Failed to create control socket")
		return
	}
	defer listener.Close()

	log.WithFields(logrus.Fields{
		"function": "startControlSocket",
		"path":     path,
	}).Info("Control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go handleControlCommand(srv, conn, shutdown)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, shutdown chan<- shutdownRequest) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		req := shutdownRequest{reason: "maintenance"}
		if len(parts) >= 2 && parts[1] != "" {
			req.reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			req.completionTime, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		select {
		case shutdown <- req:
		default:
			// already shutting down
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
