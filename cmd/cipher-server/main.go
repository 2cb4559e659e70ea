//go:build linux

// Command cipher-server runs the CIPHER request/reply daemon described in
// spec §6: `-p <port>`.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/ddwkim/netkit/internal/cipher"
	"github.com/ddwkim/netkit/internal/netconfig"
	"github.com/ddwkim/netkit/internal/reactor"
)

const sessionCapacity = 50

func main() {
	netconfig.LoadDotEnv()

	port := flag.IntP("port", "p", 9090, "port to listen on")
	verbose := flag.BoolP("verbose", "v", false, "enable debug logging")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (disabled if empty)")
	flag.Parse()

	log := netconfig.InitLogging(*verbose)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	listenFD, err := reactor.ListenTCP4(fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Error("listen failed", "error", err)
		os.Exit(1)
	}

	handler := cipher.NewHandler(log)
	r, err := reactor.New(listenFD, handler, reactor.WithLogger(log), reactor.WithCapacity(sessionCapacity))
	if err != nil {
		log.Error("reactor init failed", "error", err)
		os.Exit(1)
	}
	handler.SetReactor(r)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("cipher-server: listening", "port", *port)
	if err := r.Run(ctx); err != nil {
		log.Error("reactor exited", "error", err)
		os.Exit(1)
	}
}
