//go:build linux

// Command proxy runs the PROXY half-duplex HTTP/1.0 forward proxy
// described in spec §6: `proxy <port>`. If standard input is a regular
// file, it is read as a newline-delimited URL blacklist.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/ddwkim/netkit/internal/netconfig"
	"github.com/ddwkim/netkit/internal/proxy"
	"github.com/ddwkim/netkit/internal/reactor"
)

const sessionCapacity = 100

func main() {
	netconfig.LoadDotEnv()

	verbose := flag.BoolP("verbose", "v", false, "enable debug logging")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (disabled if empty)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: proxy <port>")
		os.Exit(1)
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad port:", flag.Arg(0))
		os.Exit(1)
	}

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

	bl := proxy.NewBlacklist(readBlacklist())

	listenFD, err := reactor.ListenTCP4(fmt.Sprintf(":%d", port))
	if err != nil {
		log.Error("listen failed", "error", err)
		os.Exit(1)
	}

	handler := proxy.NewHandler(bl, log)
	r, err := reactor.New(listenFD, handler, reactor.WithLogger(log), reactor.WithCapacity(sessionCapacity))
	if err != nil {
		log.Error("reactor init failed", "error", err)
		os.Exit(1)
	}
	handler.SetReactor(r)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("proxy: listening", "port", port)
	if err := r.Run(ctx); err != nil {
		log.Error("reactor exited", "error", err)
		os.Exit(1)
	}
}

// readBlacklist reads stdin as a newline-delimited list of blocked URL
// substrings, but only when stdin is a regular file — an interactive or
// piped stdin with no blacklist intent is left alone, per spec §6.
func readBlacklist() []string {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeType != 0 {
		return nil
	}
	var entries []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		entries = append(entries, scanner.Text())
	}
	return entries
}
